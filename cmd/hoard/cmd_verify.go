package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/hoard/pkg/store"
)

func newVerifyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify packs, pack indexes, multi-pack indexes and the bloom filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			report, err := store.Verify(r.PackDir())
			if err != nil {
				return err
			}

			bloom := "no bloom filter"
			if report.Bloom {
				bloom = "bloom filter ok"
			}
			fmt.Fprintf(
				cmd.OutOrStdout(),
				"ok: verified %d pack file(s), %d packed object(s), %d midx file(s), %s\n",
				report.PackFiles,
				report.PackObjects,
				report.MidxFiles,
				bloom,
			)
			return nil
		},
	}
}
