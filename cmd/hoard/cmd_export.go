package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/hoard/pkg/object"
	"github.com/odvcencio/hoard/pkg/store"
)

func newExportCmd(g *globals) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <rev>...",
		Short: "Write everything reachable from the given revisions as one git pack",
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

			roots := make([]object.Hash, 0, len(args))
			for _, spec := range args {
				var h object.Hash
				if strings.Contains(spec, ":") {
					h, _, err = r.Resolve(rd, spec)
				} else {
					h, err = r.ResolveRef(spec)
				}
				if err != nil {
					return err
				}
				roots = append(roots, h)
			}

			var dst io.Writer = cmd.OutOrStdout()
			var f *os.File
			if output != "" && output != "-" {
				if f, err = os.Create(output); err != nil {
					return err
				}
				defer f.Close()
				dst = f
			}
			bw := bufio.NewWriter(dst)
			sum, n, err := store.Export(cmd.Context(), rd, roots, bw)
			if err != nil {
				return err
			}
			if err := bw.Flush(); err != nil {
				return err
			}
			if f != nil {
				if err := f.Close(); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d object(s), pack %s\n", n, sum)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "pack file to write")
	return cmd
}
