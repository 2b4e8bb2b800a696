package main

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/hoard/pkg/hashsplit"
	"github.com/odvcencio/hoard/pkg/object"
)

func newJoinCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "join <rev>[:<path>]...",
		Short: "Write the content of stored files or chunk trees to standard output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			rd, idx, err := r.NewReader()
			if err != nil {
				return err
			}
			defer idx.Close()
			defer rd.Close()

			out := bufio.NewWriter(cmd.OutOrStdout())
			for _, spec := range args {
				h, mode, err := r.Resolve(rd, spec)
				if err != nil {
					return err
				}
				if mode == object.TreeModeSymlink {
					return fmt.Errorf("join %s: is a symlink", spec)
				}
				if _, err := hashsplit.Join(cmd.Context(), rd, h, out); err != nil {
					return fmt.Errorf("join %s: %w", spec, err)
				}
			}
			return out.Flush()
		},
	}
}
