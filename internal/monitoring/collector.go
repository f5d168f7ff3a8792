// Package monitoring gathers point-in-time operational metrics from the
// job store, cost ledger, and cache.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/loopsight/insight/internal/cache"
	"github.com/loopsight/insight/internal/cost"
	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal     int     `json:"jobs_total"`
	JobsQueued    int     `json:"jobs_queued"`
	JobsRunning   int     `json:"jobs_running"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsCancelled int     `json:"jobs_cancelled"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// Cost metrics (all time, from the ledger).
	TokensTotal     int64            `json:"tokens_total"`
	CostUSDTotal    float64          `json:"cost_usd_total"`
	CallsByProvider map[string]int64 `json:"calls_by_provider"`

	// Cache metrics.
	CacheSize    int   `json:"cache_size"`
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
	CacheExpired int64 `json:"cache_expired"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store, governor, and cache.
type Collector struct {
	store    store.Store
	governor *cost.Governor
	cache    *cache.Cache
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store, gov *cost.Governor, c *cache.Cache) *Collector {
	return &Collector{store: st, governor: gov, cache: c}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusQueued:
			snap.JobsQueued++
		case model.JobStatusRunning:
			snap.JobsRunning++
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		case model.JobStatusFailed:
			snap.JobsFailed++
		case model.JobStatusCancelled:
			snap.JobsCancelled++
		}
	}
	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	costStats, err := c.governor.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: cost stats")
	}
	snap.TokensTotal = costStats.TotalTokens
	snap.CostUSDTotal = costStats.TotalCostUSD
	snap.CallsByProvider = costStats.CallsByProvider

	cacheStats := c.cache.Stats()
	snap.CacheSize = cacheStats.Size
	snap.CacheHits = cacheStats.Hits
	snap.CacheMisses = cacheStats.Misses
	snap.CacheExpired = cacheStats.Expired

	return snap, nil
}
