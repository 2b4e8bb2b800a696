package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/odvcencio/hoard/pkg/repo"
)

func newSaveCmd(g *globals) *cobra.Command {
	var (
		branch  string
		message string
		author  string
		verbose bool
		metrics metricsFile
	)
	cmd := &cobra.Command{
		Use:   "save -n <branch> <path>...",
		Short: "Save files and directories as a snapshot commit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			opts := repo.SaveOptions{
				Branch:  branch,
				Message: message,
				Author:  author,
				Writer:  metrics.writerOptions(),
			}
			if verbose {
				opts.Progress = func(path string, size int64) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s (%s)\n", path, units.HumanSize(float64(size)))
				}
			}
			if opts.Message == "" {
				opts.Message = "hoard save"
			}

			res, err := r.Save(cmd.Context(), args, opts)
			if err != nil {
				return err
			}
			if err := metrics.flush(); err != nil {
				return err
			}
			fmt.Fprintf(
				out,
				"saved %s: %d file(s), %s, %d new pack(s)\n",
				res.Commit,
				res.Files,
				units.HumanSize(float64(res.Bytes)),
				len(res.Packs),
			)
			return nil
		},
	}
	cmd.Flags().StringVarP(&branch, "name", "n", "", "branch to commit the snapshot to")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&author, "author", "", "commit author as \"Name <email>\"")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print each file as it is stored")
	metrics.register(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
