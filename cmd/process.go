package cmd

import (
	"babyview-pipeline/config"
	"babyview-pipeline/dto"
	server2 "babyview-pipeline/server"

	"github.com/spf13/cobra"
)

// defaultFilterKey with no --filter_value selects rows never run before.
const defaultFilterKey = "pipeline_run_date"

// runFlags binds the row selection flags shared by process and trigger.
func runFlags(cmd *cobra.Command, req *dto.RunRequest) {
	cmd.Flags().StringVar(&req.FilterKey, "filter_key", defaultFilterKey, `tracking field to filter on, "" for every non-terminal row`)
	cmd.Flags().StringSliceVar(&req.FilterValues, "filter_value", nil, "accepted values for --filter_key, repeatable")
	cmd.Flags().BoolVar(&req.Recent, "recent", false, "only rows logged in the last --days_old days")
	cmd.Flags().IntVar(&req.RecentDays, "days_old", 0, "window for --recent (default 7)")
	cmd.Flags().BoolVar(&req.DryRun, "dry_run", false, "resolve and log without changing anything")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "process at most this many rows")
}

func process(config *config.Config) *cobra.Command {
	var req dto.RunRequest
	cmd := &cobra.Command{
		Use:   "process",
		Short: "run the pipeline over the selected tracking rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunProcess(config, req)
		},
	}
	runFlags(cmd, &req)
	return cmd
}

func trigger(config *config.Config) *cobra.Command {
	var req dto.RunRequest
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "queue a run request for the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := server2.Trigger(config, req)
			if err != nil {
				return err
			}
			cmd.Println(id)
			return nil
		},
	}
	runFlags(cmd, &req)
	return cmd
}

func worker(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "worker",
		Aliases: []string{"server"},
		Short:   "consume run requests and serve health over http",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunWorker(config)
		},
	}
}
