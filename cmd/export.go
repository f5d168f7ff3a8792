package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/report"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Export a completed job's result as an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Queue.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		if job.Status != model.JobStatusCompleted {
			return eris.Errorf("job is %s, only completed jobs have results", job.Status)
		}

		result, err := env.Store.GetResult(ctx, job.ID)
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = job.ID + ".xlsx"
		}
		if err := report.WriteXLSX(job, result, out); err != nil {
			return err
		}
		zap.L().Info("report written", zap.String("path", out))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output path (default <job-id>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}
