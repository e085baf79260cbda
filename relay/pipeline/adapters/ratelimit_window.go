package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/chat-relay/relay/pipeline/ports"
)

// SlidingWindow implements a sliding-window log rate limiter keyed by client.
type SlidingWindow struct {
	mu          sync.RWMutex
	windows     map[string]*clientWindow
	maxRequests int           // admissions allowed per window
	window      time.Duration // trailing interval
	now         func() time.Time
}

// clientWindow holds the admitted timestamps of one client, oldest first.
type clientWindow struct {
	mu      sync.Mutex
	stamps  []time.Time
	evicted bool // set by Sweep once the window left the map
}

// SlidingWindowOption customizes a SlidingWindow.
type SlidingWindowOption func(*SlidingWindow)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) SlidingWindowOption {
	return func(sw *SlidingWindow) { sw.now = now }
}

// NewSlidingWindow creates a limiter admitting maxRequests per window per key.
func NewSlidingWindow(maxRequests int, window time.Duration, opts ...SlidingWindowOption) *SlidingWindow {
	sw := &SlidingWindow{
		windows:     make(map[string]*clientWindow),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Admit records a request for key if the key is under its limit.
// Denied requests are not recorded.
func (sw *SlidingWindow) Admit(key string) ports.Decision {
	for {
		w := sw.lookup(key)

		w.mu.Lock()
		if w.evicted {
			// Lost a race with Sweep; the map holds a fresh window now.
			w.mu.Unlock()
			continue
		}

		now := sw.now()
		if n := len(w.stamps); n > 0 && now.Before(w.stamps[n-1]) {
			now = w.stamps[n-1]
		}
		w.prune(now, sw.window)

		if len(w.stamps) >= sw.maxRequests {
			retryAfter := w.stamps[0].Add(sw.window).Sub(now)
			w.mu.Unlock()
			return ports.Decision{Allowed: false, RetryAfter: retryAfter}
		}

		w.stamps = append(w.stamps, now)
		remaining := sw.maxRequests - len(w.stamps)
		w.mu.Unlock()
		return ports.Decision{Allowed: true, Remaining: remaining}
	}
}

// lookup returns the window for key, creating it on first use.
func (sw *SlidingWindow) lookup(key string) *clientWindow {
	sw.mu.RLock()
	w, ok := sw.windows[key]
	sw.mu.RUnlock()
	if ok {
		return w
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if w, ok = sw.windows[key]; ok {
		return w
	}
	w = &clientWindow{}
	sw.windows[key] = w
	return w
}

// prune drops timestamps that fell out of the trailing window.
func (w *clientWindow) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(w.stamps) && now.Sub(w.stamps[i]) >= window {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Sweep evicts clients with no admissions left in the window and returns how
// many were removed.
func (sw *SlidingWindow) Sweep() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	removed := 0
	for key, w := range sw.windows {
		w.mu.Lock()
		w.prune(now, sw.window)
		if len(w.stamps) == 0 {
			w.evicted = true
			delete(sw.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (sw *SlidingWindow) Run(ctx context.Context, every time.Duration, onSweep func(removed, remaining int)) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := sw.Sweep()
			if onSweep != nil {
				onSweep(removed, sw.Len())
			}
		}
	}
}

// Len returns the number of tracked clients.
func (sw *SlidingWindow) Len() int {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return len(sw.windows)
}

// Window returns the configured trailing interval.
func (sw *SlidingWindow) Window() time.Duration {
	return sw.window
}

// Ensure SlidingWindow implements the RateLimiter interface.
var _ ports.RateLimiter = (*SlidingWindow)(nil)
