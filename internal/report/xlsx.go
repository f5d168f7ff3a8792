// Package report renders analysis results into shareable artifacts.
package report

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/loopsight/insight/internal/model"
)

// WriteXLSX renders one job's result as a workbook with a summary sheet
// plus one sheet per populated payload section.
func WriteXLSX(job *model.AnalysisJob, result *model.AnalysisResult, path string) error {
	f := xlsx.NewFile()

	if err := addSummarySheet(f, job, result); err != nil {
		return err
	}
	if len(result.Payload.Themes) > 0 {
		if err := addThemesSheet(f, result.Payload.Themes); err != nil {
			return err
		}
	}
	if result.Payload.Sentiment != nil {
		if err := addSentimentSheet(f, result.Payload.Sentiment); err != nil {
			return err
		}
	}
	if len(result.Payload.Clusters) > 0 {
		if err := addClustersSheet(f, result.Payload.Clusters); err != nil {
			return err
		}
	}

	return eris.Wrap(f.Save(path), "report: save workbook")
}

func addSummarySheet(f *xlsx.File, job *model.AnalysisJob, result *model.AnalysisResult) error {
	sheet, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}

	rows := [][]string{
		{"Job ID", job.ID},
		{"Questionnaire", job.QuestionnaireID},
		{"Analysis Type", string(job.Type)},
		{"Status", string(job.Status)},
		{"Responses", fmt.Sprintf("%d", len(job.Responses))},
		{"Provider", result.Provider},
		{"Tokens Used", fmt.Sprintf("%d", result.TokensUsed)},
		{"Cost (USD)", fmt.Sprintf("%.4f", result.CostUSD)},
		{"From Cache", fmt.Sprintf("%t", result.FromCache)},
		{"Created", result.CreatedAt.Format("2006-01-02 15:04:05 MST")},
	}
	for _, r := range rows {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	return nil
}

func addThemesSheet(f *xlsx.File, themes []model.Theme) error {
	sheet, err := f.AddSheet("Themes")
	if err != nil {
		return eris.Wrap(err, "report: add themes sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"Theme", "Description", "Count", "Confidence", "Example Responses"} {
		header.AddCell().SetString(h)
	}
	for _, t := range themes {
		row := sheet.AddRow()
		row.AddCell().SetString(t.Name)
		row.AddCell().SetString(t.Description)
		row.AddCell().SetInt(t.Count)
		row.AddCell().SetFloat(t.Confidence)
		row.AddCell().SetString(joinInts(t.Examples))
	}
	return nil
}

func addSentimentSheet(f *xlsx.File, s *model.Sentiment) error {
	sheet, err := f.AddSheet("Sentiment")
	if err != nil {
		return eris.Wrap(err, "report: add sentiment sheet")
	}

	agg := sheet.AddRow()
	agg.AddCell().SetString("Positive")
	agg.AddCell().SetFloat(s.Positive)
	agg = sheet.AddRow()
	agg.AddCell().SetString("Negative")
	agg.AddCell().SetFloat(s.Negative)
	agg = sheet.AddRow()
	agg.AddCell().SetString("Neutral")
	agg.AddCell().SetFloat(s.Neutral)

	sheet.AddRow() // spacer

	header := sheet.AddRow()
	for _, h := range []string{"Response", "Label", "Score"} {
		header.AddCell().SetString(h)
	}
	for _, e := range s.Entries {
		row := sheet.AddRow()
		row.AddCell().SetInt(e.Index)
		row.AddCell().SetString(e.Label)
		row.AddCell().SetFloat(e.Score)
	}
	return nil
}

func addClustersSheet(f *xlsx.File, clusters []model.Cluster) error {
	sheet, err := f.AddSheet("Clusters")
	if err != nil {
		return eris.Wrap(err, "report: add clusters sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"Label", "Members", "Summary"} {
		header.AddCell().SetString(h)
	}
	for _, c := range clusters {
		row := sheet.AddRow()
		row.AddCell().SetString(c.Label)
		row.AddCell().SetString(joinInts(c.Members))
		row.AddCell().SetString(c.Summary)
	}
	return nil
}

func joinInts(ns []int) string {
	out := ""
	for i, n := range ns {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%d", n)
	}
	return out
}
