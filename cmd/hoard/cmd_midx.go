package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/hoard/pkg/store"
)

func newMidxCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "midx",
		Short: "Merge every pack index into one multi-pack index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			path, n, err := store.WriteMidx(r.PackDir(), r.Logger())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if path == "" {
				fmt.Fprintln(out, "no pack indexes")
				return nil
			}
			fmt.Fprintf(out, "wrote %s: %d object(s)\n", filepath.Base(path), n)
			return nil
		},
	}
}

func newBloomCmd(g *globals) *cobra.Command {
	var opts store.BloomOptions
	cmd := &cobra.Command{
		Use:   "bloom",
		Short: "Add new pack indexes to the bloom filter, rebuilding it when needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			res, err := store.UpdateBloom(r.PackDir(), opts, r.Logger())
			if err != nil {
				return err
			}
			verb := "updated"
			if res.Rebuilt {
				verb = "rebuilt"
			}
			fmt.Fprintf(
				cmd.OutOrStdout(),
				"%s bloom filter: %d added, %d entries, %.4f%% false positives\n",
				verb,
				res.Added,
				res.Entries,
				res.PFalsePositive*100,
			)
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.K, "hashes", "k", 0, "probes per entry (4 or 5; 0 picks automatically)")
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "rebuild from scratch")
	return cmd
}
