package cmd

import (
	"babyview-pipeline/config"
	"babyview-pipeline/dto"
	server2 "babyview-pipeline/server"
	"babyview-pipeline/service"

	"github.com/spf13/cobra"
)

func driveCleanup(config *config.Config) *cobra.Command {
	var req dto.DriveCleanupRequest
	cmd := &cobra.Command{
		Use:   "drive-cleanup",
		Short: "move drive sources of long-processed recordings to the trash",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunDriveCleanup(config, req)
		},
	}
	cmd.Flags().IntVar(&req.DaysOld, "days_old", service.DefaultCleanupDays, "minimum days since the pipeline run")
	cmd.Flags().BoolVar(&req.DryRun, "dry_run", false, "resolve and log without trashing")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "trash at most this many sources")
	return cmd
}

func archiveBackfill(config *config.Config) *cobra.Command {
	var req dto.BackfillRequest
	cmd := &cobra.Command{
		Use:   "archive-backfill",
		Short: "push processed videos missing from the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunArchiveBackfill(config, req)
		},
	}
	cmd.Flags().StringVar(&req.FilterKey, "filter_key", "", "tracking field to filter on")
	cmd.Flags().StringSliceVar(&req.FilterValues, "filter_value", nil, "accepted values for --filter_key, repeatable")
	cmd.Flags().BoolVar(&req.DryRun, "dry_run", false, "log without uploading")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "upload at most this many videos")
	return cmd
}
