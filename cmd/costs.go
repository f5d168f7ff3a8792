package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loopsight/insight/internal/model"
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Show cumulative provider spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Governor.Stats(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Total tokens: %d\n", stats.TotalTokens)
		fmt.Printf("Total cost:   $%.4f\n", stats.TotalCostUSD)
		for provider, calls := range stats.CallsByProvider {
			fmt.Printf("  %-12s %d calls\n", provider, calls)
		}

		if cfg.Budget.DailyUSD > 0 || cfg.Budget.MonthlyUSD > 0 {
			fmt.Printf("Ceilings:     daily $%.2f, monthly $%.2f\n", cfg.Budget.DailyUSD, cfg.Budget.MonthlyUSD)
		}
		return nil
	},
}

var estimateFlags struct {
	file         string
	analysisType string
	provider     string
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate token usage and cost for a responses file",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		responses, err := readResponses(estimateFlags.file)
		if err != nil {
			return err
		}

		est := env.Governor.Estimate(model.AnalysisType(estimateFlags.analysisType), responses, estimateFlags.provider)
		fmt.Printf("Responses:        %d\n", len(responses))
		fmt.Printf("Estimated tokens: %d\n", est.Tokens)
		fmt.Printf("Estimated cost:   $%.4f\n", est.CostUSD)
		return nil
	},
}

func init() {
	estimateCmd.Flags().StringVarP(&estimateFlags.file, "file", "f", "", "responses file (JSON array or one per line)")
	estimateCmd.Flags().StringVarP(&estimateFlags.analysisType, "type", "t", "thematic", "analysis type")
	estimateCmd.Flags().StringVar(&estimateFlags.provider, "provider", "", "provider to price against (default from config)")
	rootCmd.AddCommand(costsCmd)
	rootCmd.AddCommand(estimateCmd)
}
