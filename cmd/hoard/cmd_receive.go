package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/hoard/pkg/store"
)

func newReceiveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Store an object stream from 'hoard split --stream' as packs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			sink := store.NewLocalSink(r.PackDir(), r.Logger())
			names, err := store.ReceiveObjects(cmd.Context(), cmd.InOrStdin(), sink)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "nothing received")
				return nil
			}
			for _, n := range names {
				fmt.Fprintf(out, "received %s\n", n)
			}
			return nil
		},
	}
}
