package cmd

import (
	"babyview-pipeline/config"
	server2 "babyview-pipeline/server"
	"runtime"

	"github.com/spf13/cobra"
)

func extract(config *config.Config) *cobra.Command {
	var (
		dir     string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "extract telemetry from local MP4 files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunExtract(config, dir, workers, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to scan")
	cmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "files processed in parallel")
	return cmd
}

func highlights() *cobra.Command {
	return &cobra.Command{
		Use:   "highlights <file>",
		Short: "print the camera highlights of one file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.PrintHighlights(args[0], cmd.OutOrStdout())
		},
	}
}
