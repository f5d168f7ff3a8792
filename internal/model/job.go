package model

import "time"

// AnalysisType enumerates the supported analysis kinds.
type AnalysisType string

const (
	AnalysisThematic  AnalysisType = "thematic"
	AnalysisSentiment AnalysisType = "sentiment"
	AnalysisClusters  AnalysisType = "clusters"
	AnalysisCustom    AnalysisType = "custom"
)

// Valid reports whether t is one of the enumerated analysis types.
func (t AnalysisType) Valid() bool {
	switch t {
	case AnalysisThematic, AnalysisSentiment, AnalysisClusters, AnalysisCustom:
		return true
	}
	return false
}

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs never change
// status or progress again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// AnonLevel controls how aggressively identifiers are masked.
type AnonLevel string

const (
	AnonNone    AnonLevel = "none"
	AnonPartial AnonLevel = "partial"
	AnonFull    AnonLevel = "full"
)

// Response is a single free-text survey answer plus whatever respondent
// metadata the caller chose to attach. The pipeline never interprets the
// metadata; it only carries it through anonymization.
type Response struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"respondent_metadata,omitempty"`
}

// Options holds per-job tuning knobs. Zero values fall back to configured
// defaults at enqueue time.
type Options struct {
	Language            string    `json:"language,omitempty"`
	AnonLevel           AnonLevel `json:"anonymization_level,omitempty"`
	CulturalContext     string    `json:"cultural_context,omitempty"`
	CustomPrompt        string    `json:"custom_prompt,omitempty"`
	Provider            string    `json:"provider,omitempty"`
	FallbackProvider    string    `json:"fallback_provider,omitempty"`
	CostCeilingUSD      float64   `json:"cost_ceiling_usd,omitempty"`
	BatchSize           int       `json:"batch_size,omitempty"`
	MaxRetries          int       `json:"max_retries,omitempty"`
	Priority            int       `json:"priority,omitempty"`
	TimeoutSecs         int       `json:"timeout_secs,omitempty"`
	PartialFailure      bool      `json:"partial_failure,omitempty"`
	K                   int       `json:"k,omitempty"`
	SimilarityThreshold float64   `json:"similarity_threshold,omitempty"`
}

// Progress tracks coarse-grained pipeline advancement. Percent is
// monotonically non-decreasing while the job is running.
type Progress struct {
	Step       int `json:"current_step"`
	TotalSteps int `json:"total_steps"`
	Percent    int `json:"percentage"`
}

// JobSpec is the submission record consumed from the caller.
type JobSpec struct {
	QuestionnaireID string       `json:"questionnaire_id"`
	Type            AnalysisType `json:"analysis_type"`
	Responses       []Response   `json:"responses"`
	Options         Options      `json:"options"`
}

// AnalysisJob is the queue's view of one unit of analysis work.
type AnalysisJob struct {
	ID              string       `json:"id"`
	QuestionnaireID string       `json:"questionnaire_id"`
	Type            AnalysisType `json:"analysis_type"`
	Responses       []Response   `json:"responses"`
	Options         Options      `json:"options"`
	Status          JobStatus    `json:"status"`
	Progress        Progress     `json:"progress"`
	FailureCause    string       `json:"failure_cause,omitempty"`
	Deliveries      int          `json:"deliveries"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}
