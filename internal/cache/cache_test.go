package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/inference-router/internal/provider"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCache_GetPut(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Put("k", &provider.Response{Text: "hello"}, time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Text)

	got.Text = "mutated"
	again, _ := c.Get("k")
	assert.Equal(t, "hello", again.Text)

	c.Put("k", &provider.Response{Text: "replaced"}, time.Minute)
	again, _ = c.Get("k")
	assert.Equal(t, "replaced", again.Text)

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCache_ExpiresAtBoundary(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))
	c.Put("k", &provider.Response{Text: "x"}, 10*time.Second)

	clk.Advance(10*time.Second - time.Nanosecond)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clk.Advance(time.Nanosecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_NonPositiveTTLIsNoop(t *testing.T) {
	c := New()
	c.Put("k", &provider.Response{}, 0)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Sweep(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))
	c.Put("short", &provider.Response{}, time.Second)
	c.Put("long", &provider.Response{}, time.Hour)

	clk.Advance(time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, 1, c.Clear())
	assert.Equal(t, 0, c.Len())
}

func TestCache_RunStopsWithContext(t *testing.T) {
	clk := newClock()
	c := New(WithClock(clk.Now))
	c.Put("k", &provider.Response{}, time.Second)
	clk.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFingerprint(t *testing.T) {
	temp := 0.2
	base := provider.Request{Prompt: "p", System: "s", Model: "m", Temperature: &temp}
	key := Fingerprint(&base)
	assert.Len(t, key, 64)

	same := base
	same.RequestID = "other-request"
	same.Stream = true
	assert.Equal(t, key, Fingerprint(&same), "request identity must not change the key")

	defaultTemp := provider.DefaultTemperature
	implicit := provider.Request{Prompt: "p", System: "s", Model: "m"}
	explicit := provider.Request{Prompt: "p", System: "s", Model: "m", Temperature: &defaultTemp}
	assert.Equal(t, Fingerprint(&implicit), Fingerprint(&explicit))

	variants := []func(r *provider.Request){
		func(r *provider.Request) { r.Prompt = "q" },
		func(r *provider.Request) { r.System = "t" },
		func(r *provider.Request) { r.Model = "n" },
		func(r *provider.Request) { v := 0.3; r.Temperature = &v },
		func(r *provider.Request) { r.MaxTokens = 12 },
		func(r *provider.Request) { r.JSONMode = true },
		func(r *provider.Request) { r.Tools = []provider.Tool{{Name: "f"}} },
	}
	for i, mutate := range variants {
		r := base
		mutate(&r)
		assert.NotEqual(t, key, Fingerprint(&r), "variant %d", i)
	}
}

func TestFingerprint_ImageDigest(t *testing.T) {
	a := provider.Request{Prompt: "p", Images: []provider.Image{{Data: []byte{1, 2, 3}, MediaType: "image/png"}}}
	b := provider.Request{Prompt: "p", Images: []provider.Image{{Data: []byte{1, 2, 4}, MediaType: "image/png"}}}
	c := provider.Request{Prompt: "p", Images: []provider.Image{{Data: []byte{1, 2, 3}, MediaType: "image/png"}}}

	assert.NotEqual(t, Fingerprint(&a), Fingerprint(&b))
	assert.Equal(t, Fingerprint(&a), Fingerprint(&c))
}

func TestFingerprint_UnencodableRequest(t *testing.T) {
	r := provider.Request{Prompt: "p", Tools: []provider.Tool{{Name: "f", Parameters: json.RawMessage(`{bad`)}}}
	assert.Equal(t, "", Fingerprint(&r))
}
