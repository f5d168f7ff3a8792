package anonymize

import (
	"fmt"

	"github.com/loopsight/insight/internal/model"
)

// VerifyCompliance scans already-masked responses for residual identifier
// patterns and produces the compliance report. Any surviving identifier
// marks the report non-compliant.
func VerifyCompliance(responses []model.Response) *model.AnonymizationReport {
	report := &model.AnonymizationReport{Compliant: true}

	seen := make(map[identifierKind]int)
	for i, r := range responses {
		for _, kind := range residualIdentifiers(r.Text) {
			report.Compliant = false
			seen[kind]++
			report.Issues = append(report.Issues, model.AnonymizationIssue{
				Severity:    model.SeverityCritical,
				Description: fmt.Sprintf("response %d: residual %s pattern survived masking", i, kind),
			})
		}
	}

	for kind, n := range seen {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("re-run masking at level %q to remove %d remaining %s occurrence(s)",
				model.AnonFull, n, kind))
	}
	if report.Compliant {
		report.Recommendations = append(report.Recommendations,
			"no residual identifiers detected; safe to release at the configured k")
	}
	return report
}

// Process runs masking and k-anonymity grouping in one pass and returns the
// masked responses plus the combined report. This is the pipeline's entry
// point; the individual stages stay callable for callers that need only one.
func Process(responses []model.Response, level model.AnonLevel, k int, similarityThreshold float64) ([]model.Response, *model.AnonymizationReport) {
	masked := MaskResponses(responses, level)
	report := VerifyCompliance(masked)
	groups, issues := Group(masked, k, similarityThreshold)
	report.Groups = groups
	report.Issues = append(report.Issues, issues...)
	return masked, report
}
