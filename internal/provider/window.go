package provider

import (
	"sync"
	"time"
)

const WindowDuration = 60 * time.Second

// Window counts requests and tokens over a fixed 60 second period that
// restarts once more than WindowDuration has elapsed since it began.
type Window struct {
	mu       sync.Mutex
	now      func() time.Time
	start    time.Time
	requests int
	tokens   int
}

func NewWindow(now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	return &Window{now: now, start: now()}
}

func (w *Window) roll() {
	now := w.now()
	if now.Sub(w.start) > WindowDuration {
		w.start = now
		w.requests = 0
		w.tokens = 0
	}
}

// Allow reports whether both counters are under budget. A zero budget is
// unlimited.
func (w *Window) Allow(requestsPerMinute, tokensPerMinute int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	if requestsPerMinute > 0 && w.requests >= requestsPerMinute {
		return false
	}
	if tokensPerMinute > 0 && w.tokens >= tokensPerMinute {
		return false
	}
	return true
}

// Reserve claims one request slot when both counters are under budget. The
// returned time identifies the window the slot was taken from.
func (w *Window) Reserve(requestsPerMinute, tokensPerMinute int) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	if requestsPerMinute > 0 && w.requests >= requestsPerMinute {
		return time.Time{}, false
	}
	if tokensPerMinute > 0 && w.tokens >= tokensPerMinute {
		return time.Time{}, false
	}
	w.requests++
	return w.start, true
}

// Release gives back a slot taken by Reserve. Slots from an earlier window
// are already gone.
func (w *Window) Release(start time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	if w.start.Equal(start) && w.requests > 0 {
		w.requests--
	}
}

// AddTokens charges tokens to the current window without counting a request.
func (w *Window) AddTokens(tokens int) {
	if tokens <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	w.tokens += tokens
}

func (w *Window) Track(tokens int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	w.requests++
	if tokens > 0 {
		w.tokens += tokens
	}
}

func (w *Window) Counts() (requests, tokens int, start time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll()
	return w.requests, w.tokens, w.start
}
