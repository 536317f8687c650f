// Package analytics keeps per-provider outcome counters and running means.
package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/vnmchuo/inference-router/internal/provider"
)

type Stats struct {
	Provider           string             `json:"provider"`
	TotalRequests      int64              `json:"total_requests"`
	SuccessfulRequests int64              `json:"successful_requests"`
	FailedRequests     int64              `json:"failed_requests"`
	TotalCost          float64            `json:"total_cost"`
	TotalTokens        int64              `json:"total_tokens"`
	AvgLatencyMs       float64            `json:"avg_latency_ms"`
	AvgTokens          float64            `json:"avg_tokens"`
	UptimePercent      float64            `json:"uptime_percent"`
	LastUsed           time.Time          `json:"last_used,omitempty"`
	LastErrorKind      provider.ErrorKind `json:"last_error_kind,omitempty"`
}

// Tracker is safe for concurrent use. Every attempt outcome is applied
// synchronously under one lock.
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*Stats
	now   func() time.Time
}

func New() *Tracker {
	return &Tracker{stats: make(map[string]*Stats), now: time.Now}
}

// NewWithClock is New with an injected clock for LastUsed.
func NewWithClock(now func() time.Time) *Tracker {
	t := New()
	t.now = now
	return t
}

func (t *Tracker) entry(id string) *Stats {
	s, ok := t.stats[id]
	if !ok {
		s = &Stats{Provider: id, UptimePercent: 100}
		t.stats[id] = s
	}
	return s
}

// RecordSuccess folds one successful attempt into the averages, using the
// provider's successful count as n.
func (t *Tracker) RecordSuccess(id string, latencyMs int64, tokens int, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(id)
	s.TotalRequests++
	s.SuccessfulRequests++
	n := float64(s.SuccessfulRequests)
	s.AvgLatencyMs = (s.AvgLatencyMs*(n-1) + float64(latencyMs)) / n
	s.AvgTokens = (s.AvgTokens*(n-1) + float64(tokens)) / n
	s.TotalCost += cost
	s.TotalTokens += int64(tokens)
	s.UptimePercent = uptime(s)
	s.LastUsed = t.now()
}

// RecordFailure counts a failed attempt; averages are untouched.
func (t *Tracker) RecordFailure(id string, kind provider.ErrorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(id)
	s.TotalRequests++
	s.FailedRequests++
	s.UptimePercent = uptime(s)
	s.LastUsed = t.now()
	s.LastErrorKind = kind
}

func uptime(s *Stats) float64 {
	if s.TotalRequests == 0 {
		return 100
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests) * 100
}

// Get returns a copy of the provider's stats; ok is false when nothing has
// been recorded yet.
func (t *Tracker) Get(id string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[id]
	if !ok {
		return Stats{Provider: id, UptimePercent: 100}, false
	}
	return *s, true
}

// Snapshot returns every provider's stats sorted by provider id.
func (t *Tracker) Snapshot() []Stats {
	t.mu.RLock()
	out := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Reset clears one provider, or every provider when id is empty.
func (t *Tracker) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" {
		t.stats = make(map[string]*Stats)
		return
	}
	delete(t.stats, id)
}
