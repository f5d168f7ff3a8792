// Package cost accounts for provider spend and vetoes work that would
// breach the configured budget windows.
package cost

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/loopsight/insight/internal/model"
	"github.com/loopsight/insight/internal/store"
)

// ErrBudgetExceeded is the cause surfaced when a window ceiling would be
// breached. Callers abort the job without invoking any provider.
var ErrBudgetExceeded = eris.New("budget exceeded")

// CauseBudgetExceeded is the failure cause code persisted on jobs denied
// for cost, so callers can distinguish cost-denial from other failures.
const CauseBudgetExceeded = "budget_exceeded"

// charsPerToken is the static heuristic for estimating token counts from
// input length.
const charsPerToken = 4.0

// typeOverhead scales the raw token estimate by analysis type, covering
// prompt scaffolding plus expected output volume.
var typeOverhead = map[model.AnalysisType]float64{
	model.AnalysisThematic:  1.6,
	model.AnalysisSentiment: 1.3,
	model.AnalysisClusters:  1.8,
	model.AnalysisCustom:    1.5,
}

// Estimate is a pre-flight token and spend projection.
type Estimate struct {
	Tokens  int64   `json:"estimated_tokens"`
	CostUSD float64 `json:"estimated_cost_usd"`
}

// Budget holds the configured ceilings. Zero means unlimited.
type Budget struct {
	DailyUSD   float64
	MonthlyUSD float64
}

// Stats is the cost-usage report surface.
type Stats struct {
	TotalTokens     int64            `json:"total_tokens"`
	TotalCostUSD    float64          `json:"total_cost_usd"`
	CallsByProvider map[string]int64 `json:"calls_by_provider"`
}

// Governor owns ledger mutation and budget decisions. It is the only
// writer of the cost ledger.
type Governor struct {
	mu     sync.Mutex
	rates  Rates
	budget Budget
	store  store.Store

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewGovernor creates a Governor over the given ledger store.
func NewGovernor(st store.Store, rates Rates, budget Budget) *Governor {
	return &Governor{
		rates:   rates,
		budget:  budget,
		store:   st,
		nowFunc: time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (g *Governor) WithNow(now func() time.Time) *Governor {
	g.nowFunc = now
	return g
}

// Rates exposes the pricing table for provider selection.
func (g *Governor) Rates() Rates {
	return g.rates
}

// Estimate projects token usage and cost for analyzing the responses with
// the given provider, using the static chars-per-token heuristic.
func (g *Governor) Estimate(analysisType model.AnalysisType, responses []model.Response, provider string) Estimate {
	var chars int
	for _, r := range responses {
		chars += len(r.Text)
	}
	overhead, ok := typeOverhead[analysisType]
	if !ok {
		overhead = 1.5
	}
	tokens := int64(math.Ceil(float64(chars) / charsPerToken * overhead))
	return Estimate{
		Tokens:  tokens,
		CostUSD: float64(tokens) * g.rates.PerToken(provider),
	}
}

// Track appends a successful provider call to the ledger, atomically.
func (g *Governor) Track(ctx context.Context, provider string, tokens int64, costUSD float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	day := g.nowFunc().UTC().Format("2006-01-02")
	return eris.Wrap(g.store.AddLedger(ctx, provider, day, tokens, costUSD), "cost: track")
}

// CheckBudget reports whether spending an additional cost keeps both the
// daily and monthly windows under their ceilings. Unconfigured ceilings
// never deny.
func (g *Governor) CheckBudget(ctx context.Context, costUSD float64) (bool, error) {
	if g.budget.DailyUSD <= 0 && g.budget.MonthlyUSD <= 0 {
		return true, nil
	}

	now := g.nowFunc().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	entries, err := g.store.ListLedger(ctx, month+"-01")
	if err != nil {
		return false, eris.Wrap(err, "cost: check budget")
	}

	var daySpend, monthSpend float64
	for _, e := range entries {
		if strings.HasPrefix(e.Day, month) {
			monthSpend += e.CostUSD
		}
		if e.Day == day {
			daySpend += e.CostUSD
		}
	}

	if g.budget.DailyUSD > 0 && daySpend+costUSD > g.budget.DailyUSD {
		return false, nil
	}
	if g.budget.MonthlyUSD > 0 && monthSpend+costUSD > g.budget.MonthlyUSD {
		return false, nil
	}
	return true, nil
}

// Stats aggregates lifetime totals and per-provider call counts.
func (g *Governor) Stats(ctx context.Context) (*Stats, error) {
	entries, err := g.store.ListLedger(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "cost: stats")
	}
	stats := &Stats{CallsByProvider: make(map[string]int64)}
	for _, e := range entries {
		stats.TotalTokens += e.Tokens
		stats.TotalCostUSD += e.CostUSD
		stats.CallsByProvider[e.Provider] += e.Calls
	}
	return stats, nil
}
