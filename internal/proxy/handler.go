package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/internal/auth"
	"github.com/vnmchuo/inference-router/internal/provider"
	"github.com/vnmchuo/inference-router/internal/usage"
	"github.com/vnmchuo/inference-router/pkg/ratelimit"
)

const maxBodyBytes = 32 << 20

type Handler struct {
	router  *Router
	usage   usage.Store
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewHandler wires the HTTP surface. usage and limiter may be nil.
func NewHandler(router *Router, usageStore usage.Store, limiter *ratelimit.Limiter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		router:  router,
		usage:   usageStore,
		limiter: limiter,
		logger:  logger,
	}
}

// Routes mounts the generate endpoints and, behind adminToken, the admin API.
func (h *Handler) Routes(adminToken string) chi.Router {
	r := chi.NewRouter()
	r.Use(auth.Identify)

	r.Post("/v1/generate", h.HandleGenerate)
	r.Post("/v1/generate/stream", h.HandleGenerateStream)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(auth.RequireToken(adminToken))
		r.Get("/providers", h.HandleListProviders)
		r.Post("/providers", h.HandleAddProvider)
		r.Patch("/providers/{id}", h.HandleUpdateProvider)
		r.Delete("/providers/{id}", h.HandleRemoveProvider)
		r.Get("/settings", h.HandleSettings)
		r.Put("/strategy", h.HandleSetStrategy)
		r.Delete("/cache", h.HandleClearCache)
		r.Get("/analytics", h.HandleAnalytics)
		r.Post("/analytics/{id}/reset", h.HandleResetAnalytics)
		r.Get("/health", h.HandleHealth)
		r.Post("/health", h.HandleCheckHealth)
		r.Get("/usage", h.HandleUsage)
	})
	return r
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	resp, err := h.router.Generate(r.Context(), req)
	if err != nil {
		h.writeGenerateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type deltaEvent struct {
	Delta string `json:"delta"`
}

type errorEvent struct {
	Error    string             `json:"error"`
	Kind     provider.ErrorKind `json:"kind,omitempty"`
	Provider string             `json:"provider,omitempty"`
}

func (h *Handler) HandleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, err := h.router.GenerateStream(r.Context(), req)
	if err != nil {
		h.writeGenerateError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			ev := errorEvent{Error: chunk.Err.Error(), Kind: provider.KindOf(chunk.Err)}
			var perr *provider.Error
			if errors.As(chunk.Err, &perr) {
				ev.Provider = perr.Provider
			}
			writeEvent(w, "error", ev)
		case chunk.Done:
			writeEvent(w, "done", chunk.Response)
		default:
			writeEvent(w, "", deltaEvent{Delta: chunk.Delta})
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{"error":"encode event"}`)
		name = "error"
	}
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// prepare decodes the body and spends the caller's token budget.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*provider.Request, bool) {
	ctx := r.Context()

	var req provider.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	req.RequestID = auth.GetRequestID(ctx)

	estimated := provider.EstimateTokens(req.Prompt) + provider.EstimateTokens(req.System) + req.EffectiveMaxTokens()
	caller := auth.GetCallerID(ctx)
	allowed, err := h.limiter.Allow(ctx, caller, estimated)
	if err != nil {
		h.logger.Warn("caller rate limit check failed", zap.String("caller", caller), zap.Error(err))
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeGenerateError(w http.ResponseWriter, err error) {
	var exhausted *ExhaustedError
	var perr *provider.Error
	switch {
	case errors.Is(err, provider.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoProviders):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    "all providers failed",
			"attempts": exhausted.Attempts,
		})
	case errors.As(err, &perr):
		status := http.StatusBadGateway
		if perr.Kind == provider.Validation {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorEvent{Error: perr.Error(), Kind: perr.Kind, Provider: perr.Provider})
	case errors.Is(err, context.Canceled):
		// client went away
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		h.logger.Error("generate failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
