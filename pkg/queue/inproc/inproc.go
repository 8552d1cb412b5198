// Package inproc is an in-process queue.Transport. Jobs are held in memory,
// ordered per mode, and lost when the process exits; the manager re-hands
// waiting requests on start.
package inproc

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

const defaultNackDelay = time.Second

var modes = []queue.Mode{queue.ModePriority, queue.ModeFIFO, queue.ModeBatch}

// Option configures the transport.
type Option func(*Transport)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// WithNackDelay sets how long a nacked job waits before it is delivered again.
// Default: 1 second.
func WithNackDelay(d time.Duration) Option {
	return func(t *Transport) {
		if d >= 0 {
			t.nackDelay = d
		}
	}
}

// Transport orders ready jobs in one heap per mode and parks jobs with a
// future NotBefore in a delay heap. A request id is held at most once.
type Transport struct {
	ready     map[queue.Mode]*jobHeap
	delayed   *jobHeap
	held      map[string]struct{}
	now       func() time.Time
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	nackDelay time.Duration
	next      int
	mu        sync.Mutex
}

// New creates an empty transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		ready:     make(map[queue.Mode]*jobHeap, len(modes)),
		delayed:   &jobHeap{less: byNotBefore},
		held:      make(map[string]struct{}),
		now:       time.Now,
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
		nackDelay: defaultNackDelay,
	}
	for _, m := range modes {
		t.ready[m] = &jobHeap{less: orderFor(m)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enqueue implements queue.Transport. A job whose request is already held is
// dropped.
func (t *Transport) Enqueue(_ context.Context, job queue.Job) error {
	select {
	case <-t.closed:
		return queue.ErrTransportClosed
	default:
	}

	t.mu.Lock()
	if _, ok := t.held[job.RequestID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.held[job.RequestID] = struct{}{}
	if job.NotBefore.After(t.now()) {
		heap.Push(t.delayed, job)
	} else {
		heap.Push(t.readyFor(job.Mode), job)
	}
	t.mu.Unlock()

	t.signal()
	return nil
}

// Consume implements queue.Transport. Modes are served round-robin.
func (t *Transport) Consume(ctx context.Context) (queue.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, wait, ok := t.take()
		if ok {
			if t.Len() > 0 {
				// Pass the wake-up on to another waiting consumer.
				t.signal()
			}
			return &delivery{job: job, t: t}, nil
		}

		if err := t.wait(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// wait blocks until an enqueue, the given delay, ctx or Close, whichever is first.
func (t *Transport) wait(ctx context.Context, d time.Duration) error {
	var timer <-chan time.Time
	if d > 0 {
		tm := time.NewTimer(d)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return queue.ErrTransportClosed
	case <-t.notify:
	case <-timer:
	}
	return nil
}

// take pops the next ready job. When none is ready it returns the time until
// the earliest delayed job, zero meaning nothing is scheduled.
func (t *Transport) take() (queue.Job, time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for t.delayed.Len() > 0 && !t.delayed.peek().NotBefore.After(now) {
		job := heap.Pop(t.delayed).(queue.Job)
		heap.Push(t.readyFor(job.Mode), job)
	}

	for i := range modes {
		m := modes[(t.next+i)%len(modes)]
		h := t.ready[m]
		if h.Len() == 0 {
			continue
		}
		t.next = (t.next + i + 1) % len(modes)
		job := heap.Pop(h).(queue.Job)
		delete(t.held, job.RequestID)
		return job, 0, true
	}

	if t.delayed.Len() > 0 {
		return queue.Job{}, max(t.delayed.peek().NotBefore.Sub(now), time.Millisecond), false
	}
	return queue.Job{}, 0, false
}

// Len returns the number of held jobs, ready and delayed.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

// Durable reports false: jobs do not survive a restart.
func (t *Transport) Durable() bool { return false }

// Close wakes every consumer with queue.ErrTransportClosed. Close is idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *Transport) readyFor(m queue.Mode) *jobHeap {
	h, ok := t.ready[m]
	if !ok {
		h = &jobHeap{less: orderFor(queue.ModeFIFO)}
		t.ready[m] = h
	}
	return h
}

func (t *Transport) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

type delivery struct {
	t   *Transport
	job queue.Job
}

func (d *delivery) Job() queue.Job { return d.job }

func (d *delivery) Ack(context.Context) error { return nil }

func (d *delivery) Nack(ctx context.Context) error {
	job := d.job
	job.NotBefore = d.t.now().Add(d.t.nackDelay)
	return d.t.Enqueue(ctx, job)
}

var (
	_ queue.Transport        = (*Transport)(nil)
	_ queue.DurableTransport = (*Transport)(nil)
)
