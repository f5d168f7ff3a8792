// Package store persists jobs, results and the cost ledger behind a
// driver-selectable interface.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/loopsight/insight/internal/model"
)

// ErrNotFound is returned when a job or result does not exist.
var ErrNotFound = eris.New("not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status       model.JobStatus `json:"status,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// LedgerEntry is one (provider, day) accounting row. Totals only grow;
// resets happen by window rollover, never by decrement.
type LedgerEntry struct {
	Provider string  `json:"provider"`
	Day      string  `json:"day"` // YYYY-MM-DD (UTC)
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
	Calls    int64   `json:"calls"`
}

// Store defines the persistence interface for the analysis pipeline.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.AnalysisJob) error
	GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.AnalysisJob, error)

	// ClaimNextJob atomically claims the highest-priority queued job
	// (priority descending, enqueue time ascending) and transitions it to
	// running with a lease. Returns ErrNotFound when the queue is empty.
	ClaimNextJob(ctx context.Context, leaseUntil time.Time) (*model.AnalysisJob, error)

	// UpdateJobProgress persists progress for a running job. Terminal jobs
	// are left untouched.
	UpdateJobProgress(ctx context.Context, jobID string, p model.Progress) error

	// CompleteJob transitions running→completed. Returns false without
	// changing anything if the job is no longer running (e.g. cancelled
	// while a provider call was in flight).
	CompleteJob(ctx context.Context, jobID string) (bool, error)

	// FailJob transitions a non-terminal job to failed with a cause code.
	FailJob(ctx context.Context, jobID, cause string) error

	// CancelJob transitions queued|running→cancelled. Returns false when
	// the job was already terminal.
	CancelJob(ctx context.Context, jobID string) (bool, error)

	// RequeueExpired returns running jobs with expired leases to the queue
	// and reports how many were requeued.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)

	// Results
	SaveResult(ctx context.Context, result *model.AnalysisResult) error
	GetResult(ctx context.Context, jobID string) (*model.AnalysisResult, error)

	// Cost ledger
	AddLedger(ctx context.Context, provider, day string, tokens int64, costUSD float64) error
	ListLedger(ctx context.Context, fromDay string) ([]LedgerEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
