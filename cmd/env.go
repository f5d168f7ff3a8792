package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/loopsight/insight/internal/batch"
	"github.com/loopsight/insight/internal/cache"
	"github.com/loopsight/insight/internal/cost"
	"github.com/loopsight/insight/internal/gateway"
	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/monitoring"
	"github.com/loopsight/insight/internal/notify"
	"github.com/loopsight/insight/internal/queue"
	"github.com/loopsight/insight/internal/store"
	"github.com/loopsight/insight/internal/worker"
	"github.com/loopsight/insight/pkg/anthropic"
	"github.com/loopsight/insight/pkg/openai"
)

// pipelineEnv holds the wired pipeline components for a command run.
type pipelineEnv struct {
	Store     store.Store
	Cache     *cache.Cache
	Governor  *cost.Governor
	Queue     *queue.Queue
	Notifier  *notify.Notifier
	Pool      *worker.Pool
	Collector *monitoring.Collector

	stopSweep chan struct{}
}

// initPipeline opens the store and wires every pipeline component from
// the loaded config.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	rates, err := cost.LoadRates(cfg.Pricing.File)
	if err != nil {
		st.Close()
		return nil, err
	}
	governor := cost.NewGovernor(st, rates, cost.Budget{
		DailyUSD:   cfg.Budget.DailyUSD,
		MonthlyUSD: cfg.Budget.MonthlyUSD,
	})

	c := cache.New(cfg.Cache.Capacity)
	stopSweep := make(chan struct{})
	c.StartSweeper(time.Duration(cfg.Cache.SweepInterval)*time.Second, stopSweep)

	registry := gateway.NewRegistry()
	if cfg.Anthropic.Key != "" {
		client := anthropic.NewClient(cfg.Anthropic.Key, cfg.Anthropic.Model)
		registry.Register(gateway.NewAnthropicProvider(client, cfg.Anthropic.Model, rates))
	}
	if cfg.OpenAI.Key != "" {
		client := openai.NewClient(cfg.OpenAI.Key,
			openai.WithBaseURL(cfg.OpenAI.BaseURL),
			openai.WithModel(cfg.OpenAI.Model),
		)
		registry.Register(gateway.NewOpenAIProvider(client, cfg.OpenAI.Model, rates))
	}
	if len(registry.List()) == 0 {
		zap.L().Warn("no provider API keys configured, analysis calls will fail")
	}

	gw := gateway.New(registry, governor, cfg.Gateway)
	coordinator := batch.New(gw, cfg.Batch.Size, cfg.Batch.Concurrency)

	q := queue.New(st, queue.Config{
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilitySecs) * time.Second,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
		PollInterval:      time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		ReaperInterval:    time.Duration(cfg.Queue.ReaperIntervalSec) * time.Second,
	})

	notifier := notify.New(cfg.Notify.SubscriberTokens, cfg.Notify.BufferSize)

	pool := worker.NewPool(q, st, coordinator, governor, c, notifier, worker.Config{
		Workers:             cfg.Queue.Workers,
		CacheTTL:            time.Duration(cfg.Cache.TTLHours) * time.Hour,
		DefaultAnonLevel:    model.AnonNone,
		DefaultK:            cfg.Anonymize.DefaultK,
		SimilarityThreshold: cfg.Anonymize.SimilarityThreshold,
	})

	return &pipelineEnv{
		Store:     st,
		Cache:     c,
		Governor:  governor,
		Queue:     q,
		Notifier:  notifier,
		Pool:      pool,
		Collector: monitoring.NewCollector(st, governor, c),
		stopSweep: stopSweep,
	}, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Close releases the pipeline's resources.
func (e *pipelineEnv) Close() {
	close(e.stopSweep)
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}
