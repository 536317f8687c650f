// Package registry holds the live set of provider adapters in insertion
// order. The router reads it on every request; admin operations mutate it.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/internal/provider"
)

var (
	ErrNotFound    = errors.New("provider not found")
	ErrDuplicate   = errors.New("provider already registered")
	ErrUnknownKind = errors.New("unknown provider kind")
)

type Registry struct {
	mu      sync.RWMutex
	entries []provider.Provider
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

func (r *Registry) Add(p provider.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ID() == p.ID() {
			return fmt.Errorf("%w: %s", ErrDuplicate, p.ID())
		}
	}
	r.entries = append(r.entries, p)
	r.logger.Info("provider registered",
		zap.String("provider", p.ID()),
		zap.String("kind", string(p.Kind())),
		zap.Int("priority", p.Config().Priority),
	)
	return nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID() == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			r.logger.Info("provider removed", zap.String("provider", id))
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (r *Registry) Get(id string) (provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.ID() == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns every adapter in insertion order.
func (r *Registry) List() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Provider, len(r.entries))
	copy(out, r.entries)
	return out
}

// Enabled returns the enabled adapters in insertion order.
func (r *Registry) Enabled() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []provider.Provider
	for _, e := range r.entries {
		if e.Config().Enabled {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Update applies fn to the named adapter's config.
func (r *Registry) Update(id string, fn func(*provider.Config)) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := p.Update(fn); err != nil {
		return err
	}
	r.logger.Info("provider updated", zap.String("provider", id))
	return nil
}

func (r *Registry) SetEnabled(id string, enabled bool) error {
	return r.Update(id, func(c *provider.Config) { c.Enabled = enabled })
}

func (r *Registry) SetPriority(id string, priority int) error {
	return r.Update(id, func(c *provider.Config) { c.Priority = priority })
}

func (r *Registry) SetRateLimits(id string, requestsPerMinute, tokensPerMinute int) error {
	return r.Update(id, func(c *provider.Config) {
		c.RequestsPerMinute = requestsPerMinute
		c.TokensPerMinute = tokensPerMinute
	})
}
