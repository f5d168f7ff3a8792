// Package queue owns the analysis job lifecycle: submission, dispatch to
// workers, cancellation, and lease recovery.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/store"
)

// ErrInvalidJobSpec is returned when a submission fails validation.
var ErrInvalidJobSpec = eris.New("invalid job spec")

// Config tunes dispatch behavior.
type Config struct {
	VisibilityTimeout time.Duration // lease length for claimed jobs
	MaxDeliveries     int           // attempts before dead-lettering
	PollInterval      time.Duration // claim polling cadence
	ReaperInterval    time.Duration // expired-lease sweep cadence
}

func (c Config) withDefaults() Config {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 30 * time.Second
	}
	return c
}

// Queue dispatches analysis jobs over a persistent store.
type Queue struct {
	store store.Store
	cfg   Config
}

// New creates a queue over the given store.
func New(st store.Store, cfg Config) *Queue {
	return &Queue{store: st, cfg: cfg.withDefaults()}
}

// Enqueue validates the spec and persists a new queued job, returning its
// generated id.
func (q *Queue) Enqueue(ctx context.Context, spec model.JobSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	job := &model.AnalysisJob{
		ID:              uuid.NewString(),
		QuestionnaireID: spec.QuestionnaireID,
		Type:            spec.Type,
		Responses:       spec.Responses,
		Options:         spec.Options,
		Status:          model.JobStatusQueued,
		Progress:        model.Progress{TotalSteps: totalSteps},
		CreatedAt:       now,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", eris.Wrap(err, "queue: enqueue")
	}

	zap.L().Info("queue: job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("responses", len(job.Responses)),
		zap.Int("priority", job.Options.Priority),
	)
	return job.ID, nil
}

// totalSteps is the number of pipeline milestones a worker reports.
const totalSteps = 6

func validateSpec(spec model.JobSpec) error {
	if strings.TrimSpace(spec.QuestionnaireID) == "" {
		return eris.Wrap(ErrInvalidJobSpec, "questionnaire id is required")
	}
	if !spec.Type.Valid() {
		return eris.Wrapf(ErrInvalidJobSpec, "unknown analysis type %q", spec.Type)
	}
	if len(spec.Responses) == 0 {
		return eris.Wrap(ErrInvalidJobSpec, "at least one response is required")
	}
	for i, r := range spec.Responses {
		if strings.TrimSpace(r.Text) == "" {
			return eris.Wrapf(ErrInvalidJobSpec, "response %d has empty text", i)
		}
	}
	if spec.Type == model.AnalysisCustom && strings.TrimSpace(spec.Options.CustomPrompt) == "" {
		return eris.Wrap(ErrInvalidJobSpec, "custom analysis requires a prompt")
	}
	if spec.Options.Language != "" {
		if _, err := language.Parse(spec.Options.Language); err != nil {
			return eris.Wrapf(ErrInvalidJobSpec, "unrecognized language tag %q", spec.Options.Language)
		}
	}
	switch spec.Options.AnonLevel {
	case "", model.AnonNone, model.AnonPartial, model.AnonFull:
	default:
		return eris.Wrapf(ErrInvalidJobSpec, "unknown anonymization level %q", spec.Options.AnonLevel)
	}
	if spec.Options.CostCeilingUSD < 0 {
		return eris.Wrap(ErrInvalidJobSpec, "cost ceiling must be non-negative")
	}
	if spec.Options.K < 0 {
		return eris.Wrap(ErrInvalidJobSpec, "k must be non-negative")
	}
	return nil
}

// GetStatus returns the current lifecycle state of a job.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// GetJob returns the full job record.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*model.AnalysisJob, error) {
	return q.store.GetJob(ctx, jobID)
}

// GetProgress returns the job's current progress.
func (q *Queue) GetProgress(ctx context.Context, jobID string) (model.Progress, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return model.Progress{}, err
	}
	return job.Progress, nil
}

// Cancel transitions a queued or running job to cancelled. Cancelling an
// already-terminal job reports false with no error.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !ok {
		// Distinguish an already-terminal job from one that never existed.
		if _, gerr := q.store.GetJob(ctx, jobID); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	zap.L().Info("queue: job cancelled", zap.String("job_id", jobID))
	return true, nil
}

// Claim blocks until a job can be claimed or the context ends. Claimed
// jobs carry a lease; a worker that dies mid-job loses the lease and the
// reaper returns the job to the queue.
func (q *Queue) Claim(ctx context.Context) (*model.AnalysisJob, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.store.ClaimNextJob(ctx, time.Now().UTC().Add(q.cfg.VisibilityTimeout))
		if err == nil {
			if job.Deliveries > q.cfg.MaxDeliveries {
				q.deadLetter(ctx, job)
				continue
			}
			return job, nil
		}
		if !eris.Is(err, store.ErrNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// deadLetter fails a job that has exceeded its delivery budget.
func (q *Queue) deadLetter(ctx context.Context, job *model.AnalysisJob) {
	zap.L().Warn("queue: job exceeded max deliveries",
		zap.String("job_id", job.ID),
		zap.Int("deliveries", job.Deliveries),
		zap.Int("max", q.cfg.MaxDeliveries),
	)
	if err := q.store.FailJob(ctx, job.ID, "max_deliveries_exceeded"); err != nil {
		zap.L().Error("queue: dead-letter failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// RunReaper periodically returns jobs with expired leases to the queue.
// It blocks until the context ends.
func (q *Queue) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.store.RequeueExpired(ctx, time.Now().UTC())
			if err != nil {
				zap.L().Error("queue: reaper sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Warn("queue: requeued expired leases", zap.Int("count", n))
			}
		}
	}
}
