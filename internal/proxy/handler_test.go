package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/internal/auth"
	"github.com/vnmchuo/inference-router/internal/provider"
	"github.com/vnmchuo/inference-router/internal/provider/providertest"
	"github.com/vnmchuo/inference-router/internal/usage"
	"github.com/vnmchuo/inference-router/pkg/ratelimit"
)

// Mock Usage Store
type mockUsageStore struct {
	records []*usage.Record
	summary []usage.Summary
	from    time.Time
	to      time.Time
}

func (m *mockUsageStore) Log(ctx context.Context, rec *usage.Record) error {
	return nil
}

func (m *mockUsageStore) List(ctx context.Context, from, to time.Time) ([]*usage.Record, error) {
	m.from, m.to = from, to
	return m.records, nil
}

func (m *mockUsageStore) Summarize(ctx context.Context, from, to time.Time) ([]usage.Summary, error) {
	return m.summary, nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
	keys    []string
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.keys = append(m.keys, key)
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

const testAdminToken = "s3cret"

func setupHandler(t *testing.T, limiter *mockLimiterStore, store usage.Store, providers ...provider.Provider) (http.Handler, *testEnv) {
	t.Helper()
	env := newEnv(t, fallbackOpts(), providers...)
	var l *ratelimit.Limiter
	if limiter != nil {
		l = ratelimit.NewWithStore(limiter)
	}
	h := NewHandler(env.router, store, l, zap.NewNop())
	return h.Routes(testAdminToken), env
}

func do(t *testing.T, h http.Handler, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(auth.HeaderCallerID, "reports")
	if admin {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHandleGenerate_InvalidBody(t *testing.T) {
	h, _ := setupHandler(t, nil, nil, newProvider(t, "p1", 1, &providertest.Backend{}))

	w := do(t, h, http.MethodPost, "/v1/generate", `{invalid json}`, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]string
	decode(t, w, &resp)
	assert.Equal(t, "invalid request body", resp["error"])
}

func TestHandleGenerate_EmptyPrompt(t *testing.T) {
	b := &providertest.Backend{}
	h, _ := setupHandler(t, nil, nil, newProvider(t, "p1", 1, b))

	w := do(t, h, http.MethodPost, "/v1/generate", `{"prompt":""}`, false)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, b.Calls())
}

func TestHandleGenerate_Success(t *testing.T) {
	limiter := &mockLimiterStore{allowed: true}
	h, _ := setupHandler(t, limiter, nil, newProvider(t, "p1", 1, &providertest.Backend{}))

	w := do(t, h, http.MethodPost, "/v1/generate", `{"prompt":"hello","max_tokens":64}`, false)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(auth.HeaderRequestID))

	var resp provider.Response
	decode(t, w, &resp)
	assert.Equal(t, "p1", resp.Provider)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, []string{"ratelimit:caller:reports"}, limiter.keys)
}

func TestHandleGenerate_RateLimited(t *testing.T) {
	b := &providertest.Backend{}
	h, _ := setupHandler(t, &mockLimiterStore{allowed: false}, nil, newProvider(t, "p1", 1, b))

	w := do(t, h, http.MethodPost, "/v1/generate", `{"prompt":"hello"}`, false)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	var resp map[string]string
	decode(t, w, &resp)
	assert.Equal(t, "rate limit exceeded", resp["error"])
	assert.Equal(t, 0, b.Calls())
}

func TestHandleGenerate_NoProviders(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)

	w := do(t, h, http.MethodPost, "/v1/generate", `{"prompt":"hello"}`, false)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp map[string]string
	decode(t, w, &resp)
	assert.Equal(t, ErrNoProviders.Error(), resp["error"])
}

func TestHandleGenerate_Exhausted(t *testing.T) {
	h, _ := setupHandler(t, nil, nil,
		newProvider(t, "p1", 1, &providertest.Backend{CompleteFunc: upstreamErr(http.StatusTooManyRequests)}),
		newProvider(t, "p2", 2, &providertest.Backend{CompleteFunc: upstreamErr(http.StatusInternalServerError)}),
	)

	w := do(t, h, http.MethodPost, "/v1/generate", `{"prompt":"hello"}`, false)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp struct {
		Error    string    `json:"error"`
		Attempts []Attempt `json:"attempts"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "all providers failed", resp.Error)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, "p1", resp.Attempts[0].Provider)
	assert.Equal(t, "rate_limited", resp.Attempts[0].Reason)
	assert.Equal(t, "server_error", resp.Attempts[1].Reason)
}

func TestHandleGenerateStream_Success(t *testing.T) {
	b := &providertest.Backend{StreamFunc: func(ctx context.Context, req *provider.Request, m provider.Model) (<-chan *provider.Chunk, error) {
		return providertest.Chunks(ctx,
			&provider.Chunk{Delta: "hello"},
			&provider.Chunk{Delta: " world"},
			&provider.Chunk{Done: true},
		), nil
	}}
	h, _ := setupHandler(t, nil, nil, newProvider(t, "p1", 1, b))

	w := do(t, h, http.MethodPost, "/v1/generate/stream", `{"prompt":"hi"}`, false)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "data: {\"delta\":\"hello\"}\n\n")
	assert.Contains(t, body, "data: {\"delta\":\" world\"}\n\n")
	assert.Contains(t, body, "event: done\ndata: ")
	assert.Contains(t, body, `"text":"hello world"`)
}

func TestHandleGenerateStream_MidStreamError(t *testing.T) {
	b := &providertest.Backend{StreamFunc: func(ctx context.Context, req *provider.Request, m provider.Model) (<-chan *provider.Chunk, error) {
		return providertest.Chunks(ctx,
			&provider.Chunk{Delta: "par"},
			&provider.Chunk{Err: provider.FromStatus("", http.StatusBadGateway, []byte("upstream reset"))},
		), nil
	}}
	h, _ := setupHandler(t, nil, nil, newProvider(t, "p1", 1, b))

	w := do(t, h, http.MethodPost, "/v1/generate/stream", `{"prompt":"hi"}`, false)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, `"kind":"server_error"`)
	assert.Contains(t, body, `"provider":"p1"`)
	assert.NotContains(t, body, "event: done")
}

func TestHandleGenerateStream_NoProviders(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)

	w := do(t, h, http.MethodPost, "/v1/generate/stream", `{"prompt":"hi"}`, false)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdmin_RequiresToken(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)

	w := do(t, h, http.MethodGet, "/v1/admin/providers", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodGet, "/v1/admin/providers", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_ProviderLifecycle(t *testing.T) {
	h, env := setupHandler(t, nil, nil)

	w := do(t, h, http.MethodPost, "/v1/admin/providers", `{"id":"local","kind":"ollama","base_url":"http://localhost:11434","timeout":"5s"}`, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created provider.Config
	decode(t, w, &created)
	assert.Equal(t, "local", created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, 1, created.Priority)
	assert.Equal(t, 5*time.Second, created.Timeout)

	w = do(t, h, http.MethodPost, "/v1/admin/providers", `{"id":"local","kind":"ollama"}`, true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/v1/admin/providers", `{"id":"cloud","kind":"openai"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPatch, "/v1/admin/providers/local", `{"priority":3,"enabled":false,"requests_per_minute":10}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated provider.Config
	decode(t, w, &updated)
	assert.Equal(t, 3, updated.Priority)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 10, updated.RequestsPerMinute)
	assert.Empty(t, env.reg.Enabled())

	w = do(t, h, http.MethodPatch, "/v1/admin/providers/local", `{"priority":0}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/v1/admin/providers", "", true)
	var listed []ProviderStatus
	decode(t, w, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, 3, listed[0].Config.Priority)
	assert.Equal(t, "closed", listed[0].Breaker)

	w = do(t, h, http.MethodDelete, "/v1/admin/providers/local", "", true)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodDelete, "/v1/admin/providers/local", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, h, http.MethodPatch, "/v1/admin/providers/local", `{"priority":2}`, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Settings(t *testing.T) {
	h, _ := setupHandler(t, nil, nil, newProvider(t, "p1", 1, &providertest.Backend{}))

	w := do(t, h, http.MethodPut, "/v1/admin/strategy", `{"strategy":"cost-optimized","fallback_enabled":false,"cache_ttl":"2m"}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var settings Settings
	decode(t, w, &settings)
	assert.Equal(t, StrategyCostOptimized, settings.Strategy)
	assert.False(t, settings.FallbackEnabled)
	assert.Equal(t, 120.0, settings.CacheTTLSeconds)

	w = do(t, h, http.MethodPut, "/v1/admin/strategy", `{"strategy":"round-robin"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPut, "/v1/admin/strategy", `{"cache_ttl":"soon"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/generate", `{"prompt":"cache me"}`, false)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/v1/admin/settings", "", true)
	decode(t, w, &settings)
	assert.Equal(t, 1, settings.Cache.Entries)

	w = do(t, h, http.MethodDelete, "/v1/admin/cache", "", true)
	var cleared map[string]int
	decode(t, w, &cleared)
	assert.Equal(t, 1, cleared["cleared"])
}

func TestAdmin_AnalyticsAndHealth(t *testing.T) {
	h, _ := setupHandler(t, nil, nil, newProvider(t, "p1", 1, &providertest.Backend{}))

	w := do(t, h, http.MethodPost, "/v1/generate", `{"prompt":"hello"}`, false)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/v1/admin/analytics", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var stats []map[string]any
	decode(t, w, &stats)
	require.Len(t, stats, 1)

	w = do(t, h, http.MethodPost, "/v1/admin/analytics/p1/reset", "", true)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodGet, "/v1/admin/analytics", "", true)
	decode(t, w, &stats)
	assert.Empty(t, stats)

	w = do(t, h, http.MethodPost, "/v1/admin/health", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var statuses []ProviderStatus
	decode(t, w, &statuses)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Health.Healthy)
	assert.False(t, statuses[0].Health.LastCheck.IsZero())
}

func TestAdmin_Usage(t *testing.T) {
	h, _ := setupHandler(t, nil, nil)
	w := do(t, h, http.MethodGet, "/v1/admin/usage", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	store := &mockUsageStore{
		records: []*usage.Record{
			{Provider: "p1", Outcome: usage.OutcomeSuccess},
			{Provider: "p1", Outcome: usage.OutcomeFailure, ErrorKind: "server_error"},
		},
		summary: []usage.Summary{{Provider: "p1", Requests: 2, Failures: 1, TotalCostUSD: 0.005}},
	}
	h, _ = setupHandler(t, nil, store)

	w = do(t, h, http.MethodGet, "/v1/admin/usage?from=not-a-date", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/v1/admin/usage?from=2024-01-01T00:00:00Z&to=2024-02-01T00:00:00Z", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		TotalRequests int             `json:"total_requests"`
		Providers     []usage.Summary `json:"providers"`
		Records       []usage.Record  `json:"records"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 2, resp.TotalRequests)
	require.Len(t, resp.Providers, 1)
	assert.Equal(t, 0.005, resp.Providers[0].TotalCostUSD)
	assert.Len(t, resp.Records, 2)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), store.from)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), store.to)
}

func TestWriteGenerateError_ProviderValidation(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil)
	w := httptest.NewRecorder()

	h.writeGenerateError(w, provider.NewError("p1", provider.Validation, "model does not accept images", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&resp))
	assert.Equal(t, "validation", resp["kind"])
	assert.Equal(t, "p1", resp["provider"])
}

func TestWriteGenerateError_Deadline(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil)
	w := httptest.NewRecorder()

	h.writeGenerateError(w, context.DeadlineExceeded)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}
