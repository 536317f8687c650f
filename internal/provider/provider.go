package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies one of the supported upstream vendors.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
	KindGrok      Kind = "grok"
	KindOllama    Kind = "ollama"
)

// Kinds lists every supported vendor.
var Kinds = []Kind{KindOpenAI, KindAnthropic, KindGemini, KindGrok, KindOllama}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// NeedsCredential reports whether adapters of this kind require an API key.
func (k Kind) NeedsCredential() bool {
	return k != KindOllama
}

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

type Image struct {
	Data      []byte `json:"data" validate:"required"`
	MediaType string `json:"media_type" validate:"required"`
}

type Tool struct {
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type Request struct {
	Prompt      string   `json:"prompt"`
	System      string   `json:"system,omitempty"`
	Images      []Image  `json:"images,omitempty" validate:"dive"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `json:"max_tokens,omitempty" validate:"gte=0"`
	Tools       []Tool   `json:"tools,omitempty" validate:"dive"`
	JSONMode    bool     `json:"json_mode,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	RequestID   string   `json:"-"`
}

// EffectiveTemperature returns the requested temperature or the default.
func (r *Request) EffectiveTemperature() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

// EffectiveMaxTokens returns the requested output budget or the default.
func (r *Request) EffectiveMaxTokens() int {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return r.MaxTokens
}

type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

type Response struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	Cost         float64      `json:"cost"`
	LatencyMs    int64        `json:"latency_ms"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Sources      []Source     `json:"sources,omitempty"`
	Cached       bool         `json:"cached"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Clone returns a copy that shares no slices with r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(r.ToolCalls))
		copy(out.ToolCalls, r.ToolCalls)
	}
	if r.Sources != nil {
		out.Sources = make([]Source, len(r.Sources))
		copy(out.Sources, r.Sources)
	}
	return &out
}

// Chunk is one element of a stream. Exactly one of Delta, Done or Err is
// meaningful; the Done chunk carries the aggregate Response.
type Chunk struct {
	Delta    string
	Done     bool
	Response *Response
	Err      error
}

// Model describes one entry of an adapter's static catalog.
type Model struct {
	ID                string  `json:"id"`
	ContextWindow     int     `json:"context_window"`
	InputCostPer1K    float64 `json:"input_cost_per_1k"`
	OutputCostPer1K   float64 `json:"output_cost_per_1k"`
	SupportsVision    bool    `json:"supports_vision"`
	SupportsStreaming bool    `json:"supports_streaming"`
	SupportsTools     bool    `json:"supports_tools"`
}

// Cost prices a token count against the model's per-1k rates.
func (m Model) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*m.InputCostPer1K + float64(completionTokens)/1000*m.OutputCostPer1K
}

// Backend is the vendor wire protocol behind an Adapter. Complete and Stream
// receive the already resolved catalog model; Stream must close its channel
// and stop sending once ctx is done.
type Backend interface {
	Models() []Model
	Complete(ctx context.Context, req *Request, model Model) (*Response, error)
	Stream(ctx context.Context, req *Request, model Model) (<-chan *Chunk, error)
	Ping(ctx context.Context) error
}

// Provider is the adapter contract consumed by the registry and the router.
type Provider interface {
	ID() string
	Kind() Kind
	Config() Config
	Update(fn func(*Config)) error
	AvailableModels() []Model
	EstimateCost(req *Request) float64
	GenerateText(ctx context.Context, req *Request) (*Response, error)
	GenerateStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	CanMakeRequest() bool
	TrackRequest(tokens int)
	HealthCheck(ctx context.Context) bool
	Health() Health
}

// Send delivers c unless ctx ends first.
func Send(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// EstimateTokens approximates a token count from text length.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
