package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/inference-router/internal/provider"
)

func newTestBackend(t *testing.T, kind provider.Kind, url string) *Backend {
	t.Helper()
	b, err := New(provider.Config{ID: "oa", Kind: kind, APIKey: "test-key", BaseURL: url})
	require.NoError(t, err)
	return b
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "be brief", req.Messages[0].Content)
		assert.InDelta(t, 0.7, req.Temperature, 1e-9)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"test-id","model":"gpt-4o-mini-2024","choices":[{"message":{"role":"assistant","content":"Hello from OpenAI mock!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":15,"completion_tokens":25,"total_tokens":40}}`)
	}))
	defer server.Close()

	b := newTestBackend(t, provider.KindOpenAI, server.URL)
	resp, err := b.Complete(context.Background(), &provider.Request{
		Prompt:   "hi",
		System:   "be brief",
		JSONMode: true,
	}, b.Models()[0])
	require.NoError(t, err)

	assert.Equal(t, "test-id", resp.ID)
	assert.Equal(t, "Hello from OpenAI mock!", resp.Text)
	assert.Equal(t, provider.FinishStop, resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.PromptTokens)
	assert.Equal(t, 25, resp.Usage.CompletionTokens)
	assert.Equal(t, 40, resp.Usage.TotalTokens)
}

func TestComplete_ImagesAndTools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))

		messages := raw["messages"].([]any)
		parts := messages[0].(map[string]any)["content"].([]any)
		require.Len(t, parts, 2)
		img := parts[1].(map[string]any)["image_url"].(map[string]any)
		assert.True(t, strings.HasPrefix(img["url"].(string), "data:image/png;base64,"))

		tools := raw["tools"].([]any)
		require.Len(t, tools, 1)

		fmt.Fprint(w, `{"id":"x","choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"go\"}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer server.Close()

	b := newTestBackend(t, provider.KindOpenAI, server.URL)
	resp, err := b.Complete(context.Background(), &provider.Request{
		Prompt: "describe",
		Images: []provider.Image{{Data: []byte{1, 2, 3}, MediaType: "image/png"}},
		Tools:  []provider.Tool{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}},
	}, b.Models()[0])
	require.NoError(t, err)

	assert.Equal(t, provider.FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(resp.ToolCalls[0].Arguments))
}

func TestComplete_StatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   provider.ErrorKind
	}{
		{http.StatusUnauthorized, provider.Authentication},
		{http.StatusTooManyRequests, provider.RateLimited},
		{http.StatusInternalServerError, provider.ServerError},
		{http.StatusBadRequest, provider.Validation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":{"message":"nope"}}`, tt.status)
			}))
			defer server.Close()

			b := newTestBackend(t, provider.KindOpenAI, server.URL)
			_, err := b.Complete(context.Background(), &provider.Request{Prompt: "hi"}, b.Models()[0])
			require.Error(t, err)
			assert.Equal(t, tt.want, provider.KindOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hello", " from", " OpenAI", "!"} {
			fmt.Fprintf(w, "data: {\"id\":\"s1\",\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"length\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	b := newTestBackend(t, provider.KindOpenAI, server.URL)
	ch, err := b.Stream(context.Background(), &provider.Request{Prompt: "hi"}, b.Models()[1])
	require.NoError(t, err)

	var text strings.Builder
	var final *provider.Response
	for c := range ch {
		require.NoError(t, c.Err)
		if c.Done {
			final = c.Response
			continue
		}
		text.WriteString(c.Delta)
	}

	assert.Equal(t, "Hello from OpenAI!", text.String())
	require.NotNil(t, final)
	assert.Equal(t, "s1", final.ID)
	assert.Equal(t, provider.FinishLength, final.FinishReason)
	assert.Equal(t, 7, final.Usage.TotalTokens)
}

func TestStream_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	b := newTestBackend(t, provider.KindOpenAI, server.URL)
	_, err := b.Stream(context.Background(), &provider.Request{Prompt: "hi"}, b.Models()[0])
	require.Error(t, err)
	assert.Equal(t, provider.ServerError, provider.KindOf(err))
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	b := newTestBackend(t, provider.KindOpenAI, server.URL)
	require.NoError(t, b.Ping(context.Background()))

	b.apiKey = "wrong"
	err := b.Ping(context.Background())
	assert.Equal(t, provider.Authentication, provider.KindOf(err))
}

func TestNew_GrokDefaults(t *testing.T) {
	b, err := New(provider.Config{ID: "grok", Kind: provider.KindGrok, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, grokBaseURL, b.baseURL)
	assert.Equal(t, "grok-2-latest", b.Models()[0].ID)

	_, err = New(provider.Config{ID: "x", Kind: provider.KindGemini, APIKey: "k"})
	require.Error(t, err)
}

func TestSupportedModels(t *testing.T) {
	b := newTestBackend(t, provider.KindOpenAI, "")
	assert.Equal(t, defaultBaseURL, b.baseURL)
	ids := make([]string, 0, len(b.Models()))
	for _, m := range b.Models() {
		ids = append(ids, m.ID)
		assert.True(t, m.SupportsStreaming)
	}
	assert.Contains(t, ids, "gpt-4o")
}
