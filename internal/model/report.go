package model

// Severity grades an anonymization issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnonymizationIssue describes one problem found while anonymizing.
type AnonymizationIssue struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// AnonymityGroup is one k-anonymity group: at least k member response
// indices plus a representative text for the group.
type AnonymityGroup struct {
	Members        []int  `json:"members"`
	Representative string `json:"representative"`
}

// AnonymizationReport is produced per anonymization invocation. It is
// transient unless the caller stores it alongside the result.
type AnonymizationReport struct {
	Compliant       bool                 `json:"compliant"`
	Issues          []AnonymizationIssue `json:"issues,omitempty"`
	Groups          []AnonymityGroup     `json:"groups,omitempty"`
	Recommendations []string             `json:"recommendations,omitempty"`
}
