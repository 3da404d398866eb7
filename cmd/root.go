package cmd

import (
	"babyview-pipeline/config"

	"github.com/spf13/cobra"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "babyview-pipeline",
		Short:         "ingest wearable camera recordings into cloud storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		process(config),
		driveCleanup(config),
		archiveBackfill(config),
		extract(config),
		highlights(),
		worker(config),
		trigger(config),
	)
	return rootCmd
}
