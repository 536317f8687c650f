package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vnmchuo/inference-router/internal/provider"
	"github.com/vnmchuo/inference-router/internal/registry"
)

// providerInput is the admin payload for a new provider. Unlike
// provider.Config it accepts the credential and a duration string.
type providerInput struct {
	ID                string        `json:"id"`
	Kind              provider.Kind `json:"kind"`
	APIKey            string        `json:"api_key"`
	BaseURL           string        `json:"base_url"`
	Organization      string        `json:"organization"`
	DefaultModel      string        `json:"default_model"`
	Enabled           *bool         `json:"enabled"`
	Priority          int           `json:"priority"`
	RequestsPerMinute int           `json:"requests_per_minute"`
	TokensPerMinute   int           `json:"tokens_per_minute"`
	Timeout           string        `json:"timeout"`
}

func (in providerInput) config() (provider.Config, error) {
	cfg := provider.Config{
		ID:                in.ID,
		Kind:              in.Kind,
		APIKey:            in.APIKey,
		BaseURL:           in.BaseURL,
		Organization:      in.Organization,
		DefaultModel:      in.DefaultModel,
		Enabled:           true,
		Priority:          in.Priority,
		RequestsPerMinute: in.RequestsPerMinute,
		TokensPerMinute:   in.TokensPerMinute,
	}
	if in.Enabled != nil {
		cfg.Enabled = *in.Enabled
	}
	if cfg.Priority == 0 {
		cfg.Priority = 1
	}
	if in.Timeout != "" {
		d, err := time.ParseDuration(in.Timeout)
		if err != nil {
			return cfg, err
		}
		cfg.Timeout = d
	}
	return cfg, nil
}

type providerPatch struct {
	Enabled           *bool   `json:"enabled"`
	Priority          *int    `json:"priority"`
	RequestsPerMinute *int    `json:"requests_per_minute"`
	TokensPerMinute   *int    `json:"tokens_per_minute"`
	DefaultModel      *string `json:"default_model"`
	APIKey            *string `json:"api_key"`
	Timeout           *string `json:"timeout"`
}

func (h *Handler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Snapshot())
}

func (h *Handler) HandleAddProvider(w http.ResponseWriter, r *http.Request) {
	var in providerInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := in.config()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timeout: "+err.Error())
		return
	}

	p, err := h.router.AddProvider(r.Context(), cfg)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrDuplicate) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p.Config())
}

func (h *Handler) HandleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch providerPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var timeout *time.Duration
	if patch.Timeout != nil {
		d, err := time.ParseDuration(*patch.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timeout: "+err.Error())
			return
		}
		timeout = &d
	}

	err := h.router.UpdateProvider(id, func(c *provider.Config) {
		if patch.Enabled != nil {
			c.Enabled = *patch.Enabled
		}
		if patch.Priority != nil {
			c.Priority = *patch.Priority
		}
		if patch.RequestsPerMinute != nil {
			c.RequestsPerMinute = *patch.RequestsPerMinute
		}
		if patch.TokensPerMinute != nil {
			c.TokensPerMinute = *patch.TokensPerMinute
		}
		if patch.DefaultModel != nil {
			c.DefaultModel = *patch.DefaultModel
		}
		if patch.APIKey != nil {
			c.APIKey = *patch.APIKey
		}
		if timeout != nil {
			c.Timeout = *timeout
		}
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	p, err := h.router.registry.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Config())
}

func (h *Handler) HandleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.router.RemoveProvider(chi.URLParam(r, "id")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Settings())
}

func (h *Handler) HandleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy        string `json:"strategy"`
		FallbackEnabled *bool  `json:"fallback_enabled"`
		CacheTTL        string `json:"cache_ttl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Strategy != "" {
		if err := h.router.SetStrategy(Strategy(body.Strategy)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.CacheTTL != "" {
		ttl, err := time.ParseDuration(body.CacheTTL)
		if err != nil || ttl < 0 {
			writeError(w, http.StatusBadRequest, "invalid cache_ttl")
			return
		}
		h.router.SetCacheTTL(ttl)
	}
	if body.FallbackEnabled != nil {
		h.router.SetFallback(*body.FallbackEnabled)
	}
	writeJSON(w, http.StatusOK, h.router.Settings())
}

func (h *Handler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": h.router.ClearCache()})
}

func (h *Handler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Analytics())
}

func (h *Handler) HandleResetAnalytics(w http.ResponseWriter, r *http.Request) {
	h.router.ResetAnalytics(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Snapshot())
}

func (h *Handler) HandleCheckHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.CheckHealth(r.Context()))
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeError(w, http.StatusNotFound, "usage log not configured")
		return
	}
	ctx := r.Context()

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.usage.List(ctx, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summary, err := h.usage.Summarize(ctx, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"from":           from,
		"to":             to,
		"total_requests": len(records),
		"providers":      summary,
		"records":        records,
	})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, registry.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeError(w, status, err.Error())
}
