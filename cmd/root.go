package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loopsight/insight/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "insight",
	Short: "Survey response analysis pipeline",
	Long:  "Turns batches of free-text survey responses into structured findings (themes, sentiment, clusters) via interchangeable LLM providers, with budgets, caching and anonymization.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
