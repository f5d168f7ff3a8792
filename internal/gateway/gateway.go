package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loopsight/insight/internal/config"
	"github.com/loopsight/insight/internal/cost"
	"github.com/loopsight/insight/internal/resilience"
)

// Gateway routes analysis requests across registered providers. Each call
// goes through a per-provider rate limiter and circuit breaker, retries
// transient failures, and falls back once to an alternate provider when the
// preferred one is exhausted.
type Gateway struct {
	registry *Registry
	governor *cost.Governor
	cfg      config.GatewayConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*resilience.CircuitBreaker
}

// New creates a gateway over the given registry.
func New(registry *Registry, governor *cost.Governor, cfg config.GatewayConfig) *Gateway {
	return &Gateway{
		registry: registry,
		governor: governor,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Invoke runs one analysis call, honoring the job's provider preference and
// fallback. Successful calls are recorded in the cost ledger.
func (g *Gateway) Invoke(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	primary := req.Options.Provider
	if primary == "" {
		primary = g.cfg.DefaultProvider
	}
	fallback := req.Options.FallbackProvider
	if fallback == "" {
		fallback = g.cfg.FallbackProvider
	}
	// Bulk requests route to the cheapest provider regardless of the
	// job's stated preference.
	if g.cfg.BulkThreshold > 0 && len(req.Responses) >= g.cfg.BulkThreshold {
		primary = g.cheapest(primary)
	}

	result, err := g.invokeProvider(ctx, primary, req)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil || fallback == "" || fallback == primary {
		return nil, err
	}

	zap.L().Warn("gateway: primary provider exhausted, falling back",
		zap.String("primary", primary),
		zap.String("fallback", fallback),
		zap.Error(err),
	)

	result, ferr := g.invokeProvider(ctx, fallback, req)
	if ferr != nil {
		return nil, eris.Wrapf(err, "gateway: fallback %s also failed: %v", fallback, ferr)
	}
	return result, nil
}

func (g *Gateway) invokeProvider(ctx context.Context, name string, req GenerateRequest) (*GenerateResult, error) {
	p := g.registry.Get(name)
	if p == nil {
		return nil, eris.Errorf("gateway: unknown provider %q", name)
	}

	if err := g.limiter(name).Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "gateway: rate limit wait")
	}

	retryCfg := resilience.DefaultRetryConfig()
	if req.Options.MaxRetries > 0 {
		retryCfg.MaxAttempts = req.Options.MaxRetries + 1
	} else if g.cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = g.cfg.MaxRetries + 1
	}
	if g.cfg.BackoffBaseMs > 0 {
		retryCfg.InitialBackoff = time.Duration(g.cfg.BackoffBaseMs) * time.Millisecond
	}
	if g.cfg.BackoffMaxMs > 0 {
		retryCfg.MaxBackoff = time.Duration(g.cfg.BackoffMaxMs) * time.Millisecond
	}
	retryCfg.OnRetry = resilience.RetryLogger(name, "generate")

	cb := g.breaker(name)

	result, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*GenerateResult, error) {
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*GenerateResult, error) {
			callCtx := ctx
			if g.cfg.TimeoutSecs > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, time.Duration(g.cfg.TimeoutSecs)*time.Second)
				defer cancel()
			}
			return p.Generate(callCtx, req)
		})
	})
	if err != nil {
		return nil, err
	}

	if terr := g.governor.Track(ctx, result.Provider, int64(result.TokensUsed), result.CostUSD); terr != nil {
		zap.L().Error("gateway: ledger write failed",
			zap.String("provider", result.Provider),
			zap.Error(terr),
		)
	}

	return result, nil
}

// cheapest returns the registered provider with the lowest blended
// per-token rate, keeping preferred on ties or when pricing is unknown.
func (g *Gateway) cheapest(preferred string) string {
	rates := g.governor.Rates()
	best := preferred
	bestRate := rates.PerToken(preferred)
	for _, name := range g.registry.List() {
		r := rates.PerToken(name)
		if r > 0 && (bestRate <= 0 || r < bestRate) {
			best = name
			bestRate = r
		}
	}
	return best
}

func (g *Gateway) limiter(name string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[name]
	if !ok {
		perSec := g.cfg.RateLimitPerSec
		if perSec <= 0 {
			perSec = 5
		}
		burst := g.cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(perSec)
			if burst < 1 {
				burst = 1
			}
		}
		l = rate.NewLimiter(rate.Limit(perSec), burst)
		g.limiters[name] = l
	}
	return l
}

func (g *Gateway) breaker(name string) *resilience.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{})
		g.breakers[name] = cb
	}
	return cb
}
