package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/odvcencio/hoard/pkg/config"
	"github.com/odvcencio/hoard/pkg/logging"
	"github.com/odvcencio/hoard/pkg/repo"
)

const version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globals holds the persistent flags every subcommand shares.
type globals struct {
	repoDir    string
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "hoard",
		Short:         "Deduplicating backups stored as git packs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.repoDir, "repo", "r", envOr("HOARD_DIR", "."), "repository directory")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file overriding the repository's hoard.toml")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", logging.LevelNone, "log level: debug, info, warn, error or none")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(g))
	root.AddCommand(newSaveCmd(g))
	root.AddCommand(newSplitCmd(g))
	root.AddCommand(newJoinCmd(g))
	root.AddCommand(newReceiveCmd(g))
	root.AddCommand(newExportCmd(g))
	root.AddCommand(newRefsCmd(g))
	root.AddCommand(newMidxCmd(g))
	root.AddCommand(newBloomCmd(g))
	root.AddCommand(newVerifyCmd(g))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hoard %s\n", version)
		},
	}
}

func (g *globals) logger(cmd *cobra.Command) (*zap.Logger, error) {
	return logging.New(g.logLevel, cmd.ErrOrStderr())
}

// loadConfig reads --config when given. A named file must exist.
func (g *globals) loadConfig() (config.Config, bool, error) {
	if g.configPath == "" {
		return config.Config{}, false, nil
	}
	if _, err := os.Stat(g.configPath); err != nil {
		return config.Config{}, false, fmt.Errorf("config: %w", err)
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, false, err
	}
	return cfg, true, nil
}

func (g *globals) open(cmd *cobra.Command) (*repo.Repo, error) {
	logger, err := g.logger(cmd)
	if err != nil {
		return nil, err
	}
	r, err := repo.Open(g.repoDir, repo.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	cfg, ok, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	if ok {
		r.Config = cfg
	}
	return r, nil
}
