package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/odvcencio/hoard/pkg/config"
	"github.com/odvcencio/hoard/pkg/repo"
)

func newInitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create an empty repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := g.repoDir
			if len(args) == 1 {
				dir = args[0]
			}
			cfg, ok, err := g.loadConfig()
			if err != nil {
				return err
			}
			if !ok {
				cfg = config.Default()
			}
			r, err := repo.Init(dir, cfg)
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(r.Dir)
			if err != nil {
				abs = r.Dir
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty hoard repository in %s\n", abs)
			return nil
		},
	}
}
