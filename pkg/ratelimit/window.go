package ratelimit

import (
	"context"
	"sync"
	"time"
)

// admissions holds the last limit admission times of one caller as a ring.
type admissions struct {
	times []time.Time
	head  int // index of the oldest entry once full
}

// Window is an exact sliding-log limiter. Each caller keeps a ring of its
// last limit admissions, so a check is O(1) and memory is O(limit) per
// active caller.
type Window struct {
	callers map[string]*admissions
	opts    *options
	done    chan struct{}
	limit   int
	window  time.Duration
	mu      sync.Mutex
	closed  bool
}

// NewWindow allows limit admissions per caller in any window-long interval.
// A non-positive limit rejects everything.
func NewWindow(limit int, window time.Duration, opts ...Option) *Window {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	w := &Window{
		callers: make(map[string]*admissions),
		opts:    o,
		done:    make(chan struct{}),
		limit:   max(limit, 0),
		window:  window,
	}

	if o.cleanupInterval > 0 {
		go w.janitor()
	}

	return w
}

// Allow records an admission for callerID if the caller is within its limit.
func (w *Window) Allow(_ context.Context, callerID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.limit == 0 {
		return false, nil
	}

	now := w.opts.now()
	l, ok := w.callers[callerID]
	if !ok {
		l = &admissions{times: make([]time.Time, 0, w.limit)}
		w.callers[callerID] = l
	}

	if len(l.times) < w.limit {
		l.times = append(l.times, now)
		return true, nil
	}

	if now.Sub(l.times[l.head]) < w.window {
		return false, nil
	}

	l.times[l.head] = now
	l.head = (l.head + 1) % w.limit
	return true, nil
}

// RetryAfter returns how long callerID must wait for its next admission.
func (w *Window) RetryAfter(callerID string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	l, ok := w.callers[callerID]
	if !ok || len(l.times) < w.limit {
		return 0
	}
	return max(l.times[l.head].Add(w.window).Sub(w.opts.now()), 0)
}

// Close stops the janitor. Close is idempotent.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	return nil
}

func (w *Window) janitor() {
	ticker := time.NewTicker(w.opts.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep drops callers whose newest admission left the window. The janitor
// calls it; owners that disable the janitor call it themselves.
func (w *Window) Sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.opts.now()
	for id, l := range w.callers {
		if len(l.times) == 0 {
			delete(w.callers, id)
			continue
		}
		newest := l.times[len(l.times)-1]
		if len(l.times) == w.limit {
			newest = l.times[(l.head+w.limit-1)%w.limit]
		}
		if now.Sub(newest) >= w.window {
			delete(w.callers, id)
		}
	}
}

// Len returns the number of callers held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.callers)
}
