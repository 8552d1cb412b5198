// Package memstore is an in-memory queue.Store for tests, development and
// single-process deployments. State is lost on restart.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

type metricsKey struct {
	bucket time.Time
	queue  string
}

// Store keeps requests, dead letters and metric samples in maps guarded by
// one mutex. Every returned record is a copy.
type Store struct {
	requests    map[string]*queue.Request
	keys        map[string]string // idempotency key -> request id
	deadLetters map[string]*queue.DeadLetterEntry
	byOriginal  map[string]string // original request id -> entry id
	metrics     map[metricsKey]queue.Counters
	mu          sync.RWMutex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		requests:    make(map[string]*queue.Request),
		keys:        make(map[string]string),
		deadLetters: make(map[string]*queue.DeadLetterEntry),
		byOriginal:  make(map[string]string),
		metrics:     make(map[metricsKey]queue.Counters),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// CreateRequest implements queue.RequestStore.
func (s *Store) CreateRequest(_ context.Context, r *queue.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[r.IdempotencyKey]; ok {
		return queue.ErrDuplicateKey
	}
	s.requests[r.ID] = r.Clone()
	s.keys[r.IdempotencyKey] = r.ID
	return nil
}

// GetRequest implements queue.RequestStore.
func (s *Store) GetRequest(_ context.Context, id string) (*queue.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return r.Clone(), nil
}

// GetRequestByIdempotencyKey implements queue.RequestStore.
func (s *Store) GetRequestByIdempotencyKey(_ context.Context, key string) (*queue.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return s.requests[id].Clone(), nil
}

// TransitionRequest implements queue.RequestStore.
func (s *Store) TransitionRequest(_ context.Context, id string, from []queue.Status, t queue.Transition) (*queue.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if !slices.Contains(from, r.Status) {
		return nil, queue.ErrStatusConflict
	}
	t.Apply(r)
	return r.Clone(), nil
}

// CountRequests implements queue.RequestStore.
func (s *Store) CountRequests(_ context.Context, statuses ...queue.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.requests {
		if slices.Contains(statuses, r.Status) {
			n++
		}
	}
	return n, nil
}

// CountAhead implements queue.RequestStore.
func (s *Store) CountAhead(_ context.Context, target *queue.Request) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.requests {
		if r.ID != target.ID && r.Status == queue.StatusPending && r.Mode == target.Mode && r.Ahead(target) {
			n++
		}
	}
	return n, nil
}

// ListDue implements queue.RequestStore.
func (s *Store) ListDue(_ context.Context, mode queue.Mode, now time.Time, limit int) ([]*queue.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*queue.Request
	for _, r := range s.requests {
		if r.Status == queue.StatusPending && r.Mode == mode && !r.AvailableAt.After(now) {
			due = append(due, r)
		}
	}
	slices.SortFunc(due, func(a, b *queue.Request) int {
		switch {
		case a.Ahead(b):
			return -1
		case b.Ahead(a):
			return 1
		}
		return 0
	})
	return cloneN(due, limit), nil
}

// ListStale implements queue.RequestStore.
func (s *Store) ListStale(_ context.Context, status queue.Status, cutoff time.Time, limit int) ([]*queue.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := func(r *queue.Request) (time.Time, bool) {
		if status == queue.StatusProcessing {
			if r.ProcessingStartedAt == nil {
				return time.Time{}, false
			}
			return *r.ProcessingStartedAt, true
		}
		return r.AvailableAt, true
	}

	var stale []*queue.Request
	for _, r := range s.requests {
		if r.Status != status {
			continue
		}
		if at, ok := since(r); ok && at.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	slices.SortFunc(stale, func(a, b *queue.Request) int {
		at, _ := since(a)
		bt, _ := since(b)
		return at.Compare(bt)
	})
	return cloneN(stale, limit), nil
}

// CountFailedSince implements queue.RequestStore.
func (s *Store) CountFailedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.requests {
		if (r.Status == queue.StatusFailed || r.Status == queue.StatusTimeout) &&
			r.FailedAt != nil && r.FailedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// WindowStats implements queue.RequestStore.
func (s *Store) WindowStats(_ context.Context, since time.Time) (queue.WindowStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ws queue.WindowStats
	for _, r := range s.requests {
		if !r.CreatedAt.Before(since) {
			ws.Submitted++
		}
		if r.FirstAttemptAt != nil && !r.FirstAttemptAt.Before(since) {
			ws.TotalWait += r.FirstAttemptAt.Sub(r.CreatedAt)
			ws.WaitSamples++
		}
		switch r.Status {
		case queue.StatusCompleted:
			if r.CompletedAt != nil && !r.CompletedAt.Before(since) {
				ws.Completed++
				if r.ProcessingStartedAt != nil {
					ws.TotalProcessing += r.CompletedAt.Sub(*r.ProcessingStartedAt)
					ws.ProcessingSamples++
				}
			}
		case queue.StatusFailed, queue.StatusTimeout:
			if r.FailedAt != nil && !r.FailedAt.Before(since) {
				ws.Failed++
			}
		}
	}
	return ws, nil
}

// CreateDeadLetter implements queue.DeadLetterStore.
func (s *Store) CreateDeadLetter(_ context.Context, e *queue.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOriginal[e.OriginalRequestID]; ok {
		return nil
	}
	s.deadLetters[e.ID] = e.Clone()
	s.byOriginal[e.OriginalRequestID] = e.ID
	return nil
}

// ListDeadLetters implements queue.DeadLetterStore.
func (s *Store) ListDeadLetters(_ context.Context, limit int, reviewed *bool) ([]*queue.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*queue.DeadLetterEntry
	for _, e := range s.deadLetters {
		if reviewed == nil || e.Reviewed == *reviewed {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *queue.DeadLetterEntry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	res := make([]*queue.DeadLetterEntry, len(out))
	for i, e := range out {
		res[i] = e.Clone()
	}
	return res, nil
}

// MarkDeadLetterReviewed implements queue.DeadLetterStore.
func (s *Store) MarkDeadLetterReviewed(_ context.Context, id, reviewer, resolution string, at time.Time) (*queue.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.deadLetters[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if e.Reviewed {
		return nil, queue.ErrAlreadyReviewed
	}
	e.Reviewed = true
	e.ReviewedBy = reviewer
	e.Resolution = resolution
	e.ReviewedAt = &at
	return e.Clone(), nil
}

// CountUnreviewedDeadLetters implements queue.DeadLetterStore.
func (s *Store) CountUnreviewedDeadLetters(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.deadLetters {
		if !e.Reviewed {
			n++
		}
	}
	return n, nil
}

// IncrementMetrics implements queue.MetricsStore.
func (s *Store) IncrementMetrics(_ context.Context, bucket time.Time, name string, delta queue.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := metricsKey{bucket: queue.MinuteBucket(bucket), queue: name}
	s.metrics[k] = s.metrics[k].Add(delta)
	return nil
}

// SumMetrics implements queue.MetricsStore.
func (s *Store) SumMetrics(_ context.Context, name string, since time.Time) (queue.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum queue.Counters
	for k, c := range s.metrics {
		if k.queue == name && !k.bucket.Before(since) {
			sum = sum.Add(c)
		}
	}
	return sum, nil
}

func cloneN(rs []*queue.Request, limit int) []*queue.Request {
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	out := make([]*queue.Request, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

var _ queue.Store = (*Store)(nil)
