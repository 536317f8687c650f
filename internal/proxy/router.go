package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/internal/analytics"
	"github.com/vnmchuo/inference-router/internal/cache"
	"github.com/vnmchuo/inference-router/internal/provider"
	"github.com/vnmchuo/inference-router/internal/registry"
	"github.com/vnmchuo/inference-router/internal/telemetry"
	"github.com/vnmchuo/inference-router/internal/usage"
)

const (
	DefaultCacheTTL         = 5 * time.Minute
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second

	skipRateLimited = "rate_limited"
	skipCircuitOpen = "circuit_open"
)

type Options struct {
	Strategy        Strategy
	FallbackEnabled bool
	CacheTTL        time.Duration
	// BreakerThreshold consecutive failures open a provider's breaker for
	// BreakerTimeout.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
	Usage            usage.Store
	Metrics          *telemetry.Metrics
}

// Router is the orchestrator: it checks the cache, orders the enabled
// providers and tries them one at a time until one succeeds.
type Router struct {
	registry *registry.Registry
	cache    *cache.Cache
	tracker  *analytics.Tracker
	usage    usage.Store
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer

	mu       sync.RWMutex
	strategy Strategy
	fallback bool
	cacheTTL time.Duration

	breakerMu        sync.Mutex
	breakers         map[string]*gobreaker.TwoStepCircuitBreaker
	breakerThreshold uint32
	breakerTimeout   time.Duration
}

func NewRouter(reg *registry.Registry, c *cache.Cache, tracker *analytics.Tracker, opts Options, logger *zap.Logger, tracer trace.Tracer) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("router")
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyPriority
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = DefaultBreakerThreshold
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = DefaultBreakerTimeout
	}
	return &Router{
		registry:         reg,
		cache:            c,
		tracker:          tracker,
		usage:            opts.Usage,
		metrics:          opts.Metrics,
		logger:           logger,
		tracer:           tracer,
		strategy:         opts.Strategy,
		fallback:         opts.FallbackEnabled,
		cacheTTL:         opts.CacheTTL,
		breakers:         make(map[string]*gobreaker.TwoStepCircuitBreaker),
		breakerThreshold: opts.BreakerThreshold,
		breakerTimeout:   opts.BreakerTimeout,
	}
}

func (r *Router) settings() (Strategy, bool, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy, r.fallback, r.cacheTTL
}

func (r *Router) breaker(id string) *gobreaker.TwoStepCircuitBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	cb, ok := r.breakers[id]
	if ok {
		return cb
	}
	threshold := r.breakerThreshold
	cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Interval:    provider.WindowDuration,
		Timeout:     r.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	r.breakers[id] = cb
	return cb
}

// neutral reports outcomes that say nothing about the provider: the call
// never left the window gate, or the caller gave up.
func neutral(err error) bool {
	if errors.Is(err, provider.ErrWindowExhausted) {
		return true
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// countsAsFailure is false for request validation problems and for neutral
// outcomes.
func countsAsFailure(err error) bool {
	if err == nil || neutral(err) {
		return false
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Kind != provider.Validation
	}
	return true
}

// admit reserves a breaker slot for p. On success the returned settle must
// be called with the outcome of the call; later calls are ignored.
func (r *Router) admit(p provider.Provider) (settle func(error), reason string, err error) {
	if !p.CanMakeRequest() {
		return nil, skipRateLimited, ErrWindowExhausted
	}
	cb := r.breaker(p.ID())
	done, err := cb.Allow()
	if err != nil {
		return nil, skipCircuitOpen, ErrCircuitOpen
	}
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			if err != nil && neutral(err) {
				// A half-open breaker stays unproven until a call reaches the provider.
				done(cb.State() != gobreaker.StateHalfOpen)
				return
			}
			done(!countsAsFailure(err))
		})
	}, "", nil
}

func (r *Router) candidates(req *provider.Request) ([]provider.Provider, error) {
	enabled := r.registry.Enabled()
	if len(enabled) == 0 {
		return nil, ErrNoProviders
	}
	strategy, _, _ := r.settings()
	return Order(strategy, enabled, req, r.tracker), nil
}

// Generate serves a non-streaming request. Cache hits return a copy marked
// Cached without touching any provider or analytics.
func (r *Router) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	ctx, span := r.tracer.Start(ctx, "router.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
	)

	_, fallback, ttl := r.settings()
	key := ""
	if ttl > 0 {
		key = cache.Fingerprint(req)
	}
	if key != "" {
		if resp, ok := r.cache.Get(key); ok {
			r.metrics.ObserveCache(true)
			r.logger.Debug("cache hit", zap.String("request_id", req.RequestID), zap.String("provider", resp.Provider))
			span.SetAttributes(attribute.Bool("cached", true))
			resp.Cached = true
			return resp, nil
		}
		r.metrics.ObserveCache(false)
	}

	ordered, err := r.candidates(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var attempts []Attempt
	for _, p := range ordered {
		id := p.ID()
		settle, reason, skipErr := r.admit(p)
		if skipErr != nil {
			r.skip(req, id, reason)
			attempts = append(attempts, Attempt{Provider: id, Reason: reason, Skipped: true, Message: skipErr.Error(), Err: skipErr})
			continue
		}

		resp, err := r.attempt(ctx, p, req, settle)
		if err == nil {
			if key != "" {
				r.cache.Put(key, resp, ttl)
			}
			span.SetAttributes(attribute.String("provider", id))
			return resp, nil
		}
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrWindowExhausted) {
			r.skip(req, id, skipRateLimited)
			attempts = append(attempts, Attempt{Provider: id, Reason: skipRateLimited, Skipped: true, Message: err.Error(), Err: ErrWindowExhausted})
			continue
		}

		attempts = append(attempts, Attempt{Provider: id, Reason: string(provider.KindOf(err)), Message: err.Error(), Err: err})
		if !fallback {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	return nil, r.exhausted(span, req, attempts)
}

// attempt runs one admitted provider call and records the outcome. Caller
// cancellation and window refusals are not recorded.
func (r *Router) attempt(ctx context.Context, p provider.Provider, req *provider.Request, settle func(error)) (*provider.Response, error) {
	ctx, span := r.tracer.Start(ctx, "router.attempt", trace.WithAttributes(
		attribute.String("provider", p.ID()),
		attribute.String("kind", string(p.Kind())),
	))
	defer span.End()

	start := time.Now()
	resp, err := p.GenerateText(ctx, req)
	settle(err)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrWindowExhausted) {
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.recordFailure(req, p, err, time.Since(start))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	r.recordSuccess(req, resp)
	return resp, nil
}

// GenerateStream serves a streaming request. Fallback is only possible
// until the first chunk of an attempt arrives; after that, every chunk
// comes from the same provider and a failure ends the stream with an Err
// chunk. Consumers stop the stream by cancelling ctx.
func (r *Router) GenerateStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	// The span outlives this call when a stream is handed back; the relay
	// goroutine ends it.
	ctx, span := r.tracer.Start(ctx, "router.generate_stream")
	committed := false
	defer func() {
		if !committed {
			span.End()
		}
	}()
	span.SetAttributes(attribute.String("request_id", req.RequestID))

	ordered, err := r.candidates(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	_, fallback, _ := r.settings()

	var attempts []Attempt
	for _, p := range ordered {
		id := p.ID()
		settle, reason, skipErr := r.admit(p)
		if skipErr != nil {
			r.skip(req, id, reason)
			attempts = append(attempts, Attempt{Provider: id, Reason: reason, Skipped: true, Message: skipErr.Error(), Err: skipErr})
			continue
		}

		span.SetAttributes(attribute.String("provider", id))
		out, err := r.openStream(ctx, span, p, req, settle)
		if err == nil {
			committed = true
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrWindowExhausted) {
			r.skip(req, id, skipRateLimited)
			attempts = append(attempts, Attempt{Provider: id, Reason: skipRateLimited, Skipped: true, Message: err.Error(), Err: ErrWindowExhausted})
			continue
		}

		attempts = append(attempts, Attempt{Provider: id, Reason: string(provider.KindOf(err)), Message: err.Error(), Err: err})
		if !fallback {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	return nil, r.exhausted(span, req, attempts)
}

// openStream starts p's stream and waits for its first chunk. An error
// before that chunk is returned for fallback; once the first chunk is in
// hand the stream is committed to p and the relay owns span.
func (r *Router) openStream(ctx context.Context, span trace.Span, p provider.Provider, req *provider.Request, settle func(error)) (<-chan *provider.Chunk, error) {
	start := time.Now()
	attemptCtx, cancel := context.WithCancel(ctx)

	src, err := p.GenerateStream(attemptCtx, req)
	if err != nil {
		cancel()
		settle(err)
		if ctx.Err() == nil && !errors.Is(err, ErrWindowExhausted) {
			r.recordFailure(req, p, err, time.Since(start))
		}
		return nil, err
	}

	var first *provider.Chunk
	select {
	case c, ok := <-src:
		if !ok {
			cancel()
			if ctx.Err() != nil {
				settle(ctx.Err())
				return nil, ctx.Err()
			}
			err := provider.NewError(p.ID(), provider.Unknown, "stream closed without output", nil)
			settle(err)
			r.recordFailure(req, p, err, time.Since(start))
			return nil, err
		}
		first = c
	case <-ctx.Done():
		cancel()
		settle(ctx.Err())
		return nil, ctx.Err()
	}
	if first.Err != nil {
		cancel()
		settle(first.Err)
		r.recordFailure(req, p, first.Err, time.Since(start))
		return nil, first.Err
	}

	out := make(chan *provider.Chunk)
	go func() {
		defer close(out)
		defer span.End()
		defer cancel()
		defer settle(context.Canceled)

		c := first
		for {
			switch {
			case c.Err != nil:
				settle(c.Err)
				span.RecordError(c.Err)
				span.SetStatus(codes.Error, c.Err.Error())
				r.recordFailure(req, p, c.Err, time.Since(start))
				provider.Send(ctx, out, c)
				return
			case c.Done:
				settle(nil)
				if c.Response != nil {
					span.SetAttributes(
						attribute.Int("prompt_tokens", c.Response.Usage.PromptTokens),
						attribute.Int("completion_tokens", c.Response.Usage.CompletionTokens),
					)
					r.recordSuccess(req, c.Response)
				}
				provider.Send(ctx, out, c)
				return
			}
			if !provider.Send(ctx, out, c) {
				return
			}
			next, ok := <-src
			if !ok {
				if ctx.Err() != nil {
					return
				}
				next = &provider.Chunk{Err: provider.NewError(p.ID(), provider.Unknown, "stream closed before completion", nil)}
			}
			c = next
		}
	}()
	return out, nil
}

func (r *Router) recordSuccess(req *provider.Request, resp *provider.Response) {
	r.tracker.RecordSuccess(resp.Provider, resp.LatencyMs, resp.Usage.TotalTokens, resp.Cost)
	r.metrics.ObserveAttempt(resp.Provider, usage.OutcomeSuccess, time.Duration(resp.LatencyMs)*time.Millisecond)
	r.logUsage(&usage.Record{
		RequestID:        req.RequestID,
		Provider:         resp.Provider,
		Model:            resp.Model,
		Outcome:          usage.OutcomeSuccess,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          resp.Cost,
		LatencyMs:        resp.LatencyMs,
	})
}

func (r *Router) recordFailure(req *provider.Request, p provider.Provider, err error, elapsed time.Duration) {
	kind := provider.KindOf(err)
	fields := []zap.Field{
		zap.String("request_id", req.RequestID),
		zap.String("provider", p.ID()),
		zap.String("kind", string(kind)),
		zap.Error(err),
	}
	var perr *provider.Error
	if errors.As(err, &perr) && perr.StatusCode != 0 {
		fields = append(fields, zap.Int("status", perr.StatusCode))
	}
	r.logger.Warn("provider attempt failed", fields...)

	r.tracker.RecordFailure(p.ID(), kind)
	r.metrics.ObserveAttempt(p.ID(), string(kind), elapsed)
	r.logUsage(&usage.Record{
		RequestID: req.RequestID,
		Provider:  p.ID(),
		Model:     req.Model,
		Outcome:   usage.OutcomeFailure,
		ErrorKind: string(kind),
		LatencyMs: elapsed.Milliseconds(),
	})
}

func (r *Router) skip(req *provider.Request, id, reason string) {
	r.logger.Info("skipping provider",
		zap.String("request_id", req.RequestID),
		zap.String("provider", id),
		zap.String("reason", reason),
	)
	r.metrics.ObserveSkip(id, reason)
}

func (r *Router) exhausted(span trace.Span, req *provider.Request, attempts []Attempt) error {
	err := &ExhaustedError{Attempts: attempts}
	r.metrics.ObserveExhausted()
	r.logger.Error("all providers exhausted",
		zap.String("request_id", req.RequestID),
		zap.Int("attempts", len(attempts)),
		zap.Error(err),
	)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (r *Router) logUsage(rec *usage.Record) {
	if r.usage == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.usage.Log(ctx, rec); err != nil {
			r.logger.Warn("failed to log usage", zap.String("provider", rec.Provider), zap.Error(err))
		}
	}()
}
