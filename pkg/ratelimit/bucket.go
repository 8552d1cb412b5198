package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucketState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Bucket is a per-caller token bucket. Callers may burst up to limit and
// regain limit tokens per window.
type Bucket struct {
	callers map[string]*bucketState
	opts    *options
	done    chan struct{}
	every   rate.Limit
	burst   int
	window  time.Duration
	mu      sync.Mutex
	closed  bool
}

// NewBucket allows bursts of limit and a sustained limit per window.
func NewBucket(limit int, window time.Duration, opts ...Option) *Bucket {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	b := &Bucket{
		callers: make(map[string]*bucketState),
		opts:    o,
		done:    make(chan struct{}),
		burst:   max(limit, 0),
		window:  window,
	}
	if limit > 0 && window > 0 {
		b.every = rate.Limit(float64(limit) / window.Seconds())
	}

	if o.cleanupInterval > 0 {
		go b.janitor()
	}

	return b
}

// Allow takes a token from callerID's bucket.
func (b *Bucket) Allow(_ context.Context, callerID string) (bool, error) {
	now := b.opts.now()
	return b.state(callerID, now).limiter.AllowN(now, 1), nil
}

// RetryAfter returns how long until callerID's bucket holds a token again.
func (b *Bucket) RetryAfter(callerID string) time.Duration {
	now := b.opts.now()
	lim := b.state(callerID, now).limiter
	tokens := lim.TokensAt(now)
	if tokens >= 1 || b.every == 0 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(b.every) * float64(time.Second))
}

func (b *Bucket) state(callerID string, now time.Time) *bucketState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.callers[callerID]
	if !ok {
		s = &bucketState{limiter: rate.NewLimiter(b.every, b.burst)}
		b.callers[callerID] = s
	}
	s.lastSeen = now
	return s
}

// Close stops the janitor. Close is idempotent.
func (b *Bucket) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

func (b *Bucket) janitor() {
	ticker := time.NewTicker(b.opts.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Sweep drops callers idle long enough for their bucket to be full.
func (b *Bucket) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.now()
	for id, s := range b.callers {
		if now.Sub(s.lastSeen) >= b.window {
			delete(b.callers, id)
		}
	}
}
