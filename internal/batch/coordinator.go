// Package batch splits large response sets into sub-batches and runs them
// concurrently against the provider gateway, reassembling results in input
// order.
package batch

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loopsight/insight/internal/gateway"
	"github.com/loopsight/insight/internal/model"
)

// Invoker is the subset of the gateway the coordinator needs.
type Invoker interface {
	Invoke(ctx context.Context, req gateway.GenerateRequest) (*gateway.GenerateResult, error)
}

// Failure records one sub-batch that could not be analyzed. Start and End
// are response indices in the original input ([Start, End)).
type Failure struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Err   string `json:"error"`
}

// Result is the merged outcome of all sub-batches.
type Result struct {
	Payload    model.Payload
	TokensUsed int
	CostUSD    float64
	Provider   string
	Failures   []Failure
}

// Coordinator fans analysis work out over sub-batches.
type Coordinator struct {
	invoker     Invoker
	batchSize   int
	concurrency int
}

// New creates a coordinator. batchSize and concurrency fall back to 50 and
// 4 when non-positive.
func New(invoker Invoker, batchSize, concurrency int) *Coordinator {
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Coordinator{invoker: invoker, batchSize: batchSize, concurrency: concurrency}
}

type subResult struct {
	start  int
	end    int
	result *gateway.GenerateResult
}

// Run splits the request's responses into sub-batches of the configured
// size and invokes the gateway for each, bounded by the concurrency limit.
// Response indices in the merged payload refer to the original input order.
// With partialFailure enabled, failed sub-batches are recorded and the rest
// proceed; otherwise the first error aborts the remaining sub-batches.
func (c *Coordinator) Run(ctx context.Context, req gateway.GenerateRequest) (*Result, error) {
	n := len(req.Responses)
	if n == 0 {
		return nil, eris.New("batch: no responses to analyze")
	}

	batchSize := c.batchSize
	if req.Options.BatchSize > 0 {
		batchSize = req.Options.BatchSize
	}
	if n <= batchSize {
		res, err := c.invoker.Invoke(ctx, req)
		if err != nil {
			if req.Options.PartialFailure {
				return &Result{Failures: []Failure{{Start: 0, End: n, Err: err.Error()}}}, nil
			}
			return nil, err
		}
		out := &Result{
			Payload:    res.Payload,
			TokensUsed: res.TokensUsed,
			CostUSD:    res.CostUSD,
			Provider:   res.Provider,
		}
		if out.Payload.Sentiment != nil {
			out.Payload.Sentiment.Recalculate()
		}
		return out, nil
	}

	var (
		mu       sync.Mutex
		subs     []subResult
		failures []Failure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		g.Go(func() error {
			subReq := req
			subReq.Responses = req.Responses[start:end]
			res, err := c.invoker.Invoke(gctx, subReq)
			if err != nil {
				if req.Options.PartialFailure && gctx.Err() == nil {
					zap.L().Warn("batch: sub-batch failed",
						zap.Int("start", start),
						zap.Int("end", end),
						zap.Error(err),
					)
					mu.Lock()
					failures = append(failures, Failure{Start: start, End: end, Err: err.Error()})
					mu.Unlock()
					return nil
				}
				return eris.Wrapf(err, "batch: responses %d-%d", start, end)
			}
			mu.Lock()
			subs = append(subs, subResult{start: start, end: end, result: res})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].start < subs[j].start })
	sort.Slice(failures, func(i, j int) bool { return failures[i].Start < failures[j].Start })

	out := &Result{Failures: failures}
	for _, s := range subs {
		offsetIndices(&s.result.Payload, s.start)
		out.Payload.Merge(s.result.Payload)
		out.TokensUsed += s.result.TokensUsed
		out.CostUSD += s.result.CostUSD
		if out.Provider == "" {
			out.Provider = s.result.Provider
		}
	}
	if out.Payload.Sentiment != nil {
		out.Payload.Sentiment.Recalculate()
	}
	return out, nil
}

// offsetIndices rebases sub-batch-relative response indices onto the
// original input.
func offsetIndices(p *model.Payload, offset int) {
	if offset == 0 {
		return
	}
	for i := range p.Themes {
		for j := range p.Themes[i].Examples {
			p.Themes[i].Examples[j] += offset
		}
	}
	for i := range p.Clusters {
		for j := range p.Clusters[i].Members {
			p.Clusters[i].Members[j] += offset
		}
	}
	if p.Sentiment != nil {
		for i := range p.Sentiment.Entries {
			p.Sentiment.Entries[i].Index += offset
		}
	}
}
