package proxy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/internal/analytics"
	"github.com/vnmchuo/inference-router/internal/cache"
	"github.com/vnmchuo/inference-router/internal/provider"
)

// ProviderStatus is the admin view of one registered provider.
type ProviderStatus struct {
	Config    provider.Config  `json:"config"`
	Health    provider.Health  `json:"health"`
	Analytics analytics.Stats  `json:"analytics"`
	Breaker   string           `json:"breaker"`
	Models    []provider.Model `json:"models"`
}

type Settings struct {
	Strategy        Strategy    `json:"strategy"`
	FallbackEnabled bool        `json:"fallback_enabled"`
	CacheTTLSeconds float64     `json:"cache_ttl_seconds"`
	Cache           cache.Stats `json:"cache"`
}

func (r *Router) AddProvider(ctx context.Context, cfg provider.Config) (provider.Provider, error) {
	return r.registry.AddConfig(ctx, cfg)
}

// RemoveProvider unregisters id and drops its breaker. Its analytics are
// kept until reset.
func (r *Router) RemoveProvider(id string) error {
	if err := r.registry.Remove(id); err != nil {
		return err
	}
	r.breakerMu.Lock()
	delete(r.breakers, id)
	r.breakerMu.Unlock()
	return nil
}

func (r *Router) UpdateProvider(id string, fn func(*provider.Config)) error {
	return r.registry.Update(id, fn)
}

func (r *Router) SetEnabled(id string, enabled bool) error {
	return r.registry.SetEnabled(id, enabled)
}

func (r *Router) SetPriority(id string, priority int) error {
	return r.registry.SetPriority(id, priority)
}

func (r *Router) SetRateLimits(id string, requestsPerMinute, tokensPerMinute int) error {
	return r.registry.SetRateLimits(id, requestsPerMinute, tokensPerMinute)
}

func (r *Router) SetStrategy(s Strategy) error {
	if _, err := ParseStrategy(string(s)); err != nil {
		return err
	}
	r.mu.Lock()
	r.strategy = s
	r.mu.Unlock()
	r.logger.Info("strategy changed", zap.String("strategy", string(s)))
	return nil
}

func (r *Router) SetFallback(enabled bool) {
	r.mu.Lock()
	r.fallback = enabled
	r.mu.Unlock()
}

func (r *Router) SetCacheTTL(ttl time.Duration) {
	r.mu.Lock()
	r.cacheTTL = ttl
	r.mu.Unlock()
}

func (r *Router) Settings() Settings {
	strategy, fallback, ttl := r.settings()
	return Settings{
		Strategy:        strategy,
		FallbackEnabled: fallback,
		CacheTTLSeconds: ttl.Seconds(),
		Cache:           r.cache.Stats(),
	}
}

// ClearCache drops every cached response and returns how many there were.
func (r *Router) ClearCache() int {
	n := r.cache.Clear()
	r.logger.Info("cache cleared", zap.Int("entries", n))
	return n
}

func (r *Router) Analytics() []analytics.Stats {
	return r.tracker.Snapshot()
}

func (r *Router) ResetAnalytics(id string) {
	r.tracker.Reset(id)
}

// Snapshot reports every registered provider in registry order.
func (r *Router) Snapshot() []ProviderStatus {
	providers := r.registry.List()
	out := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		stats, _ := r.tracker.Get(p.ID())
		out = append(out, ProviderStatus{
			Config:    p.Config(),
			Health:    p.Health(),
			Analytics: stats,
			Breaker:   r.breaker(p.ID()).State().String(),
			Models:    p.AvailableModels(),
		})
	}
	return out
}

// CheckHealth runs every provider's health check concurrently and returns
// the resulting snapshot.
func (r *Router) CheckHealth(ctx context.Context) []ProviderStatus {
	var wg sync.WaitGroup
	for _, p := range r.registry.List() {
		wg.Add(1)
		go func(p provider.Provider) {
			defer wg.Done()
			if !p.HealthCheck(ctx) {
				r.logger.Warn("provider unhealthy", zap.String("provider", p.ID()))
			}
		}(p)
	}
	wg.Wait()
	return r.Snapshot()
}

// RunHealthChecks calls CheckHealth every interval until ctx ends.
func (r *Router) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}
