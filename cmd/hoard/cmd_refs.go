package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newRefsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "refs [prefix]",
		Short: "List refs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			refs, err := r.ListRefs(prefix)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(refs))
			for n := range refs {
				names = append(names, n)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, n := range names {
				fmt.Fprintf(out, "%s refs/%s\n", refs[n], n)
			}
			return nil
		},
	}
}
