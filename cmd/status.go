package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/store"
)

var statusFlags struct {
	status string
	limit  int
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job status, or list recent jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if len(args) == 1 {
			job, err := env.Queue.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			return enc.Encode(job)
		}

		jobs, err := env.Store.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(statusFlags.status),
			Limit:  statusFlags.limit,
		})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-10s %-9s %3d%%  %s\n",
				j.CreatedAt.Format("2006-01-02 15:04"), j.Type, j.Status, j.Progress.Percent, j.ID)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.status, "status", "", "filter by status")
	statusCmd.Flags().IntVar(&statusFlags.limit, "limit", 20, "max jobs to list")
	rootCmd.AddCommand(statusCmd)
}
