package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ok, err := env.Queue.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("job already finished, nothing to cancel")
			return nil
		}
		fmt.Println("cancelled")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
