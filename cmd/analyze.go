package main

import (
	"bufio"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/report"
)

var analyzeFlags struct {
	file            string
	questionnaireID string
	analysisType    string
	provider        string
	language        string
	anonLevel       string
	customPrompt    string
	k               int
	costCeiling     float64
	out             string
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one analysis job end to end",
	Long:  "Reads survey responses from a file (JSON array or one response per line), runs the full pipeline inline, and prints the result as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		responses, err := readResponses(analyzeFlags.file)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		spec := model.JobSpec{
			QuestionnaireID: analyzeFlags.questionnaireID,
			Type:            model.AnalysisType(analyzeFlags.analysisType),
			Responses:       responses,
			Options: model.Options{
				Provider:       analyzeFlags.provider,
				Language:       analyzeFlags.language,
				AnonLevel:      model.AnonLevel(analyzeFlags.anonLevel),
				CustomPrompt:   analyzeFlags.customPrompt,
				K:              analyzeFlags.k,
				CostCeilingUSD: analyzeFlags.costCeiling,
			},
		}

		jobID, err := env.Queue.Enqueue(ctx, spec)
		if err != nil {
			return err
		}

		// Drain the queue inline until our job reaches a terminal state;
		// previously enqueued jobs may be claimed first.
		final, err := env.Queue.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		for !final.Status.Terminal() {
			job, err := env.Queue.Claim(ctx)
			if err != nil {
				return err
			}
			env.Pool.Process(ctx, job)
			if final, err = env.Queue.GetJob(ctx, jobID); err != nil {
				return err
			}
		}
		if final.Status != model.JobStatusCompleted {
			return eris.Errorf("job %s: %s", final.Status, final.FailureCause)
		}

		result, err := env.Store.GetResult(ctx, jobID)
		if err != nil {
			return err
		}

		if analyzeFlags.out != "" {
			if err := report.WriteXLSX(final, result, analyzeFlags.out); err != nil {
				return err
			}
			zap.L().Info("report written", zap.String("path", analyzeFlags.out))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(result), "encode result")
	},
}

// readResponses loads survey responses from a JSON array file or a plain
// text file with one response per line.
func readResponses(path string) ([]model.Response, error) {
	if path == "" {
		return nil, eris.New("--file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read responses file")
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var responses []model.Response
		if err := json.Unmarshal(data, &responses); err == nil {
			return responses, nil
		}
		var texts []string
		if err := json.Unmarshal(data, &texts); err != nil {
			return nil, eris.Wrap(err, "parse responses JSON")
		}
		responses = make([]model.Response, 0, len(texts))
		for _, t := range texts {
			responses = append(responses, model.Response{Text: t})
		}
		return responses, nil
	}

	var responses []model.Response
	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		responses = append(responses, model.Response{Text: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "scan responses file")
	}
	return responses, nil
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeFlags.file, "file", "f", "", "responses file (JSON array or one per line)")
	analyzeCmd.Flags().StringVarP(&analyzeFlags.questionnaireID, "questionnaire", "q", "adhoc", "questionnaire reference id")
	analyzeCmd.Flags().StringVarP(&analyzeFlags.analysisType, "type", "t", "thematic", "analysis type: thematic | sentiment | clusters | custom")
	analyzeCmd.Flags().StringVar(&analyzeFlags.provider, "provider", "", "preferred provider (default from config)")
	analyzeCmd.Flags().StringVar(&analyzeFlags.language, "language", "", "BCP 47 language tag of the responses")
	analyzeCmd.Flags().StringVar(&analyzeFlags.anonLevel, "anon", "", "anonymization level: none | partial | full")
	analyzeCmd.Flags().StringVar(&analyzeFlags.customPrompt, "prompt", "", "prompt for custom analysis")
	analyzeCmd.Flags().IntVar(&analyzeFlags.k, "k", 0, "k-anonymity group size (default from config)")
	analyzeCmd.Flags().Float64Var(&analyzeFlags.costCeiling, "ceiling", 0, "per-job cost ceiling in USD")
	analyzeCmd.Flags().StringVarP(&analyzeFlags.out, "out", "o", "", "write an XLSX report to this path")
	rootCmd.AddCommand(analyzeCmd)
}
