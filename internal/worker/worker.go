// Package worker executes the analysis pipeline for claimed jobs:
// anonymization, cache lookup, budget enforcement, batched provider calls,
// and result persistence, with progress published along the way.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/loopsight/insight/internal/anonymize"
	"github.com/loopsight/insight/internal/batch"
	"github.com/loopsight/insight/internal/cache"
	"github.com/loopsight/insight/internal/cost"
	"github.com/loopsight/insight/internal/gateway"
	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/notify"
	"github.com/loopsight/insight/internal/queue"
	"github.com/loopsight/insight/internal/store"
)

// Pipeline milestones. Percent is monotonically non-decreasing while the
// job is running.
const (
	stepClaimed    = 0 // 0%
	stepValidated  = 1 // 10%
	stepAnonymized = 2 // 25%
	stepCached     = 3 // 40%
	stepBudgeted   = 4 // 50%
	stepAnalyzed   = 5 // 90%
	stepPersisted  = 6 // 100%
)

var stepPercent = map[int]int{
	stepClaimed:    0,
	stepValidated:  10,
	stepAnonymized: 25,
	stepCached:     40,
	stepBudgeted:   50,
	stepAnalyzed:   90,
	stepPersisted:  100,
}

// Config tunes the worker pool.
type Config struct {
	Workers             int
	CacheTTL            time.Duration
	DefaultAnonLevel    model.AnonLevel
	DefaultK            int
	SimilarityThreshold float64
}

// Pool runs a fixed number of workers that claim and execute jobs until
// the context ends.
type Pool struct {
	queue       *queue.Queue
	store       store.Store
	coordinator *batch.Coordinator
	governor    *cost.Governor
	cache       *cache.Cache
	notifier    *notify.Notifier
	cfg         Config
}

// NewPool assembles a worker pool over the pipeline components.
func NewPool(q *queue.Queue, st store.Store, coord *batch.Coordinator, gov *cost.Governor, c *cache.Cache, n *notify.Notifier, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 3
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.3
	}
	return &Pool{
		queue:       q,
		store:       st,
		coordinator: coord,
		governor:    gov,
		cache:       c,
		notifier:    n,
		cfg:         cfg,
	}
}

// Run blocks until the context ends, keeping cfg.Workers claim loops busy.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := zap.L().With(zap.Int("worker", id))
	for {
		job, err := p.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("worker: claim failed", zap.Error(err))
			continue
		}
		p.Process(ctx, job)
	}
}

// Process runs the full pipeline for one claimed job. Errors terminate the
// job as failed with a cause code; they are not returned.
func (p *Pool) Process(ctx context.Context, job *model.AnalysisJob) {
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	log.Info("worker: starting job", zap.Int("responses", len(job.Responses)))

	if job.Options.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.Options.TimeoutSecs)*time.Second)
		defer cancel()
	}

	if err := p.run(ctx, job); err != nil {
		p.fail(ctx, job, err)
	}
}

func (p *Pool) run(ctx context.Context, job *model.AnalysisJob) error {
	p.milestone(ctx, job, stepClaimed)
	p.milestone(ctx, job, stepValidated)

	if cancelled, err := p.cancelled(ctx, job); err != nil || cancelled {
		return err
	}

	// Anonymize before anything leaves the process.
	level := job.Options.AnonLevel
	if level == "" {
		level = p.cfg.DefaultAnonLevel
	}
	k := job.Options.K
	if k <= 0 {
		k = p.cfg.DefaultK
	}
	simThreshold := job.Options.SimilarityThreshold
	if simThreshold <= 0 {
		simThreshold = p.cfg.SimilarityThreshold
	}
	responses, report := anonymize.Process(job.Responses, level, k, simThreshold)
	if !report.Compliant && level == model.AnonFull {
		zap.L().Warn("worker: anonymization not fully compliant",
			zap.String("job_id", job.ID),
			zap.Int("issues", len(report.Issues)),
		)
	}
	p.milestone(ctx, job, stepAnonymized)

	if cancelled, err := p.cancelled(ctx, job); err != nil || cancelled {
		return err
	}

	// Cache lookup short-circuits the provider call entirely.
	fp := cache.Fingerprint(job.Type, responses, job.Options)
	if raw, ok := p.cache.Get(fp); ok {
		var payload model.Payload
		if err := json.Unmarshal(raw, &payload); err == nil {
			zap.L().Info("worker: cache hit", zap.String("job_id", job.ID))
			p.milestone(ctx, job, stepCached)
			return p.finish(ctx, job, &model.AnalysisResult{
				JobID:     job.ID,
				Type:      job.Type,
				Payload:   payload,
				FromCache: true,
				CreatedAt: time.Now().UTC(),
			}, report)
		}
		zap.L().Warn("worker: discarding undecodable cache entry", zap.String("fingerprint", fp))
	}
	p.milestone(ctx, job, stepCached)

	// Budget gate: global windows plus the job's own ceiling.
	provider := job.Options.Provider
	est := p.governor.Estimate(job.Type, responses, provider)
	if job.Options.CostCeilingUSD > 0 && est.CostUSD > job.Options.CostCeilingUSD {
		return eris.Wrapf(cost.ErrBudgetExceeded, "estimated $%.4f exceeds job ceiling $%.4f", est.CostUSD, job.Options.CostCeilingUSD)
	}
	ok, err := p.governor.CheckBudget(ctx, est.CostUSD)
	if err != nil {
		return eris.Wrap(err, "worker: budget check")
	}
	if !ok {
		return eris.Wrapf(cost.ErrBudgetExceeded, "estimated $%.4f over configured window ceiling", est.CostUSD)
	}
	p.milestone(ctx, job, stepBudgeted)

	if cancelled, err := p.cancelled(ctx, job); err != nil || cancelled {
		return err
	}

	res, err := p.coordinator.Run(ctx, gateway.GenerateRequest{
		Type:      job.Type,
		Responses: responses,
		Options:   job.Options,
	})
	if err != nil {
		return err
	}
	if len(res.Failures) > 0 && res.TokensUsed == 0 {
		return eris.Errorf("worker: all %d sub-batches failed: %s", len(res.Failures), res.Failures[0].Err)
	}
	p.milestone(ctx, job, stepAnalyzed)

	if raw, err := json.Marshal(res.Payload); err == nil {
		p.cache.Put(fp, raw, p.cfg.CacheTTL)
	}

	return p.finish(ctx, job, &model.AnalysisResult{
		JobID:      job.ID,
		Type:       job.Type,
		Payload:    res.Payload,
		TokensUsed: res.TokensUsed,
		CostUSD:    res.CostUSD,
		Provider:   res.Provider,
		CreatedAt:  time.Now().UTC(),
	}, report)
}

// finish completes the job and persists its result. A job cancelled while
// analysis was in flight stays cancelled and the result is discarded.
func (p *Pool) finish(ctx context.Context, job *model.AnalysisJob, result *model.AnalysisResult, report *model.AnonymizationReport) error {
	// Persist the final milestone while the job is still running; the
	// completed event below announces it, so no running event here.
	final := model.Progress{Step: stepPersisted, TotalSteps: stepPersisted, Percent: stepPercent[stepPersisted]}
	if err := p.store.UpdateJobProgress(ctx, job.ID, final); err != nil {
		zap.L().Warn("worker: final progress write failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	job.Progress = final

	completed, err := p.store.CompleteJob(ctx, job.ID)
	if err != nil {
		return eris.Wrap(err, "worker: complete job")
	}
	if !completed {
		zap.L().Info("worker: job no longer running, discarding result", zap.String("job_id", job.ID))
		p.publishTerminal(ctx, job.ID)
		return nil
	}
	if err := p.store.SaveResult(ctx, result); err != nil {
		return eris.Wrap(err, "worker: save result")
	}

	p.notifier.Publish(notify.Event{
		JobID:    job.ID,
		Status:   model.JobStatusCompleted,
		Progress: model.Progress{Step: stepPersisted, TotalSteps: stepPersisted, Percent: 100},
	})
	zap.L().Info("worker: job completed",
		zap.String("job_id", job.ID),
		zap.Bool("from_cache", result.FromCache),
		zap.Int("tokens", result.TokensUsed),
		zap.Float64("cost_usd", result.CostUSD),
		zap.Bool("anon_compliant", report == nil || report.Compliant),
	)
	return nil
}

// fail marks the job failed with a machine-readable cause.
func (p *Pool) fail(ctx context.Context, job *model.AnalysisJob, cause error) {
	code := "internal_error"
	switch {
	case eris.Is(cause, cost.ErrBudgetExceeded):
		code = cost.CauseBudgetExceeded
	case eris.Is(cause, context.DeadlineExceeded):
		code = "timeout"
	case eris.Is(cause, context.Canceled):
		// Shutdown mid-job: leave the lease to expire so another worker
		// picks the job up.
		zap.L().Warn("worker: job interrupted by shutdown", zap.String("job_id", job.ID))
		return
	default:
		code = "provider_error"
	}

	zap.L().Error("worker: job failed",
		zap.String("job_id", job.ID),
		zap.String("cause", code),
		zap.Error(cause),
	)
	if err := p.store.FailJob(context.WithoutCancel(ctx), job.ID, code); err != nil {
		zap.L().Error("worker: fail transition failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	p.notifier.Publish(notify.Event{
		JobID:  job.ID,
		Status: model.JobStatusFailed,
		Cause:  code,
	})
}

// cancelled re-reads the job and reports whether a caller cancelled it
// while the pipeline was between steps.
func (p *Pool) cancelled(ctx context.Context, job *model.AnalysisJob) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	current, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		return false, eris.Wrap(err, "worker: status check")
	}
	if current.Status == model.JobStatusCancelled {
		zap.L().Info("worker: job cancelled mid-pipeline", zap.String("job_id", job.ID))
		p.publishTerminal(ctx, job.ID)
		return true, nil
	}
	return false, nil
}

// publishTerminal emits the cancelled event so subscriber channels close.
func (p *Pool) publishTerminal(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return
	}
	p.notifier.Publish(notify.Event{
		JobID:    jobID,
		Status:   job.Status,
		Progress: job.Progress,
		Cause:    job.FailureCause,
	})
}

// milestone advances progress and publishes it. Progress writes to
// terminal jobs are silently skipped by the store.
func (p *Pool) milestone(ctx context.Context, job *model.AnalysisJob, step int) {
	prog := model.Progress{Step: step, TotalSteps: stepPersisted, Percent: stepPercent[step]}
	if prog.Percent < job.Progress.Percent {
		return
	}
	job.Progress = prog
	if err := p.store.UpdateJobProgress(ctx, job.ID, prog); err != nil {
		zap.L().Warn("worker: progress update failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	p.notifier.Publish(notify.Event{
		JobID:    job.ID,
		Status:   model.JobStatusRunning,
		Progress: prog,
	})
}
