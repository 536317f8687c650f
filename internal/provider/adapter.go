package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Health is a point-in-time view of an adapter's window and last check.
type Health struct {
	Healthy        bool      `json:"healthy"`
	LastCheck      time.Time `json:"last_check,omitempty"`
	LastLatencyMs  int64     `json:"last_latency_ms"`
	WindowRequests int       `json:"window_requests"`
	WindowTokens   int       `json:"window_tokens"`
	WindowStart    time.Time `json:"window_start"`
}

// Adapter implements Provider over a vendor Backend. It owns the rate-limit
// window and health flag; the router only reads them.
type Adapter struct {
	id      string
	kind    Kind
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
	window  *Window

	mu          sync.RWMutex
	cfg         Config
	healthy     bool
	lastCheck   time.Time
	lastLatency int64
}

type AdapterOption func(*Adapter)

// WithClock replaces time.Now for window and latency bookkeeping.
func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		a.now = now
	}
}

func NewAdapter(cfg Config, backend Backend, logger *zap.Logger, opts ...AdapterOption) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, fmt.Errorf("provider %q: nil backend", cfg.ID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		id:      cfg.ID,
		kind:    cfg.Kind,
		backend: backend,
		logger:  logger.With(zap.String("provider", cfg.ID), zap.String("kind", string(cfg.Kind))),
		now:     time.Now,
		cfg:     cfg,
		healthy: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.window = NewWindow(a.now)
	return a, nil
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Kind() Kind { return a.kind }

func (a *Adapter) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Update applies fn to a copy of the config and keeps it if it still
// validates. ID and Kind cannot change.
func (a *Adapter) Update(fn func(*Config)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.cfg
	fn(&next)
	if next.ID != a.id || next.Kind != a.kind {
		return fmt.Errorf("provider %q: id and kind are immutable", a.id)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	a.cfg = next
	return nil
}

func (a *Adapter) AvailableModels() []Model {
	models := a.backend.Models()
	out := make([]Model, len(models))
	copy(out, models)
	return out
}

// ResolveModel picks the requested model when the catalog has it, then the
// configured default, then the first catalog entry.
func (a *Adapter) ResolveModel(name string) Model {
	models := a.backend.Models()
	if name != "" {
		for _, m := range models {
			if m.ID == name {
				return m
			}
		}
	}
	def := a.Config().DefaultModel
	if def != "" {
		for _, m := range models {
			if m.ID == def {
				return m
			}
		}
		return Model{ID: def, SupportsStreaming: true}
	}
	if len(models) > 0 {
		return models[0]
	}
	return Model{ID: name, SupportsStreaming: true}
}

// EstimateCost prices the request before it is sent, using a length based
// prompt estimate and the requested output budget.
func (a *Adapter) EstimateCost(req *Request) float64 {
	model := a.ResolveModel(req.Model)
	prompt := EstimateTokens(req.Prompt) + EstimateTokens(req.System)
	return model.Cost(prompt, req.EffectiveMaxTokens())
}

func (a *Adapter) CanMakeRequest() bool {
	cfg := a.Config()
	return a.window.Allow(cfg.RequestsPerMinute, cfg.TokensPerMinute)
}

func (a *Adapter) TrackRequest(tokens int) {
	a.window.Track(tokens)
}

// reserve claims a request slot before the upstream call is made.
func (a *Adapter) reserve() (time.Time, error) {
	cfg := a.Config()
	slot, ok := a.window.Reserve(cfg.RequestsPerMinute, cfg.TokensPerMinute)
	if !ok {
		return time.Time{}, &Error{Provider: a.ID(), Kind: RateLimited, Message: "request window exhausted", Cause: ErrWindowExhausted}
	}
	return slot, nil
}

func (a *Adapter) Health() Health {
	requests, tokens, start := a.window.Counts()
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Health{
		Healthy:        a.healthy,
		LastCheck:      a.lastCheck,
		LastLatencyMs:  a.lastLatency,
		WindowRequests: requests,
		WindowTokens:   tokens,
		WindowStart:    start,
	}
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.Config().EffectiveTimeout())
	defer cancel()

	err := a.backend.Ping(ctx)
	healthy := err == nil

	a.mu.Lock()
	a.healthy = healthy
	a.lastCheck = a.now()
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("health check failed", zap.Error(err))
	}
	return healthy
}

func (a *Adapter) prepare(req *Request) (Model, error) {
	if err := req.Validate(); err != nil {
		return Model{}, &Error{Provider: a.ID(), Kind: Validation, Message: err.Error(), Cause: err}
	}
	if !a.Config().Enabled {
		return Model{}, NewError(a.ID(), Validation, "provider is disabled", nil)
	}
	model := a.ResolveModel(req.Model)
	if len(req.Images) > 0 && !model.SupportsVision {
		return Model{}, NewError(a.ID(), Validation, fmt.Sprintf("model %s does not accept images", model.ID), nil)
	}
	if len(req.Tools) > 0 && !model.SupportsTools {
		return Model{}, NewError(a.ID(), Validation, fmt.Sprintf("model %s does not support tools", model.ID), nil)
	}
	return model, nil
}

func (a *Adapter) GenerateText(ctx context.Context, req *Request) (*Response, error) {
	model, err := a.prepare(req)
	if err != nil {
		return nil, err
	}
	slot, err := a.reserve()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.Config().EffectiveTimeout())
	defer cancel()

	start := a.now()
	resp, err := a.backend.Complete(callCtx, req, model)
	latency := a.now().Sub(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			a.window.Release(slot)
			return nil, ctx.Err()
		}
		a.observe(latency)
		return nil, a.classify(err)
	}
	if resp == nil {
		resp = &Response{}
	}

	a.complete(resp, model, latency)
	a.observe(latency)
	a.window.AddTokens(resp.Usage.TotalTokens)
	return resp, nil
}

// GenerateStream returns a channel of deltas ending in one Done chunk that
// carries the aggregate Response, or in one Err chunk. The request slot is
// taken before the upstream call and tokens are charged when the stream
// ends; consumers stop it by cancelling ctx, which gives the slot back.
func (a *Adapter) GenerateStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model, err := a.prepare(req)
	if err != nil {
		return nil, err
	}
	if !model.SupportsStreaming {
		return nil, NewError(a.ID(), Validation, fmt.Sprintf("model %s does not support streaming", model.ID), nil)
	}
	slot, err := a.reserve()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.Config().EffectiveTimeout())
	start := a.now()
	src, err := a.backend.Stream(callCtx, req, model)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			a.window.Release(slot)
			return nil, ctx.Err()
		}
		return nil, a.classify(err)
	}

	out := make(chan *Chunk)
	go func() {
		defer close(out)
		defer cancel()

		var text strings.Builder
		var final *Response
		for chunk := range src {
			if chunk.Err != nil {
				if ctx.Err() != nil {
					a.window.Release(slot)
					return
				}
				a.observe(a.now().Sub(start).Milliseconds())
				Send(ctx, out, &Chunk{Err: a.classify(chunk.Err)})
				return
			}
			if chunk.Done {
				final = chunk.Response
				break
			}
			if chunk.Delta == "" {
				continue
			}
			text.WriteString(chunk.Delta)
			if !Send(ctx, out, &Chunk{Delta: chunk.Delta}) {
				a.window.Release(slot)
				return
			}
		}
		if ctx.Err() != nil {
			a.window.Release(slot)
			return
		}
		latency := a.now().Sub(start).Milliseconds()
		if final == nil && callCtx.Err() != nil {
			a.observe(latency)
			Send(ctx, out, &Chunk{Err: a.classify(callCtx.Err())})
			return
		}
		if final == nil {
			final = &Response{}
		}
		if final.Text == "" {
			final.Text = text.String()
		}
		a.complete(final, model, latency)
		a.observe(latency)
		a.window.AddTokens(final.Usage.TotalTokens)
		Send(ctx, out, &Chunk{Done: true, Response: final})
	}()

	return out, nil
}

func (a *Adapter) complete(resp *Response, model Model, latency int64) {
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	resp.Provider = a.ID()
	if resp.Model == "" {
		resp.Model = model.ID
	}
	if resp.FinishReason == "" {
		resp.FinishReason = FinishStop
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	resp.Cost = model.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	resp.LatencyMs = latency
	resp.CreatedAt = a.now()
}

func (a *Adapter) observe(latency int64) {
	a.mu.Lock()
	a.lastLatency = latency
	a.mu.Unlock()
}

// classify turns backend errors into *Error. Per-call timeouts become
// server errors.
func (a *Adapter) classify(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Provider == "" {
			perr.Provider = a.ID()
		}
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(a.ID(), ServerError, fmt.Sprintf("timed out after %s", a.Config().EffectiveTimeout()), err)
	}
	return NewError(a.ID(), KindOf(err), "", err)
}
