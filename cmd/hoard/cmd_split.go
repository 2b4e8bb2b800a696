package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/odvcencio/hoard/pkg/config"
	"github.com/odvcencio/hoard/pkg/hashsplit"
	"github.com/odvcencio/hoard/pkg/object"
	"github.com/odvcencio/hoard/pkg/repo"
	"github.com/odvcencio/hoard/pkg/store"
)

func newSplitCmd(g *globals) *cobra.Command {
	var (
		branch  string
		message string
		stream  bool
		metrics metricsFile
	)
	cmd := &cobra.Command{
		Use:   "split [file]",
		Short: "Split a stream into chunks and store it as a chunk tree",
		Long: "Split reads a file, or standard input, and prints the id of the chunk tree holding it.\n" +
			"With --stream the objects are written to standard output as a framed object stream\n" +
			"for 'hoard receive' instead of into the local repository, and the id goes to standard error.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			if stream {
				if branch != "" {
					return fmt.Errorf("split: --name cannot be combined with --stream")
				}
				return splitStream(cmd, g, in, &metrics)
			}

			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			w, idx, err := r.NewWriter(metrics.writerOptions()...)
			if err != nil {
				return err
			}
			defer idx.Close()

			root, commit, parent, err := splitLocal(r, w, in, branch, message)
			if err != nil {
				if abortErr := w.Abort(); abortErr != nil {
					r.Logger().Warn("abort write session", zap.Error(abortErr))
				}
				return err
			}
			if _, err := w.Close(); err != nil {
				return err
			}
			if branch != "" {
				if err := r.UpdateRefCAS(branch, commit, parent); err != nil {
					return err
				}
			}
			if err := metrics.flush(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, root)
			if branch != "" {
				fmt.Fprintln(out, commit)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&branch, "name", "n", "", "also commit the tree to this branch")
	cmd.Flags().StringVarP(&message, "message", "m", "hoard split", "commit message with --name")
	cmd.Flags().BoolVar(&stream, "stream", false, "write an object stream to standard output")
	metrics.register(cmd)
	return cmd
}

func splitLocal(r *repo.Repo, w *store.Writer, in io.Reader, branch, message string) (root, commit, parent object.Hash, err error) {
	root, err = hashsplit.SplitToTree(in, w, r.Config.Chunker, r.Config.Store.Fanout)
	if err != nil {
		return root, commit, parent, err
	}
	if branch == "" {
		return root, commit, parent, nil
	}
	commit, parent, err = r.WriteCommit(w, root, repo.SaveOptions{Branch: branch, Message: message})
	return root, commit, parent, err
}

// splitStream deduplicates against the local repository when there is one.
func splitStream(cmd *cobra.Command, g *globals, in io.Reader, metrics *metricsFile) error {
	cfg := config.Default()
	var index store.Index
	logger, err := g.logger(cmd)
	if err != nil {
		return err
	}

	if r, err := g.open(cmd); err == nil {
		idx, err := r.OpenIndexes()
		if err != nil {
			return err
		}
		defer idx.Close()
		cfg, index = r.Config, idx
	} else if override, ok, err := g.loadConfig(); err != nil {
		return err
	} else if ok {
		cfg = override
	}

	sink, err := store.NewRemoteSink(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	opts := append([]store.Option{store.WithLogger(logger)}, metrics.writerOptions()...)
	w, err := store.NewWriter(sink, index, cfg.Store, opts...)
	if err != nil {
		return err
	}
	root, err := hashsplit.SplitToTree(in, w, cfg.Chunker, cfg.Store.Fanout)
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			logger.Warn("abort object stream", zap.Error(abortErr))
		}
		return err
	}
	if _, err := w.Close(); err != nil {
		return err
	}
	if err := metrics.flush(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), root)
	return nil
}
