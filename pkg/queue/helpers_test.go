package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/queue/inproc"
	"github.com/dmitrymomot/jobqueue/pkg/queue/memstore"
)

const waitFor = 5 * time.Second

func testConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.MaxConcurrentWorkers = 4
	cfg.ProcessingTimeout = 2 * time.Second
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetryDelay = 20 * time.Millisecond
	cfg.BatchInterval = 10 * time.Millisecond
	return cfg
}

type harness struct {
	m         *queue.Manager
	store     *memstore.Store
	transport *inproc.Transport
}

// newHarness builds a manager over memory backends. The manager is not started.
func newHarness(t *testing.T, opts ...queue.Option) *harness {
	t.Helper()

	store := memstore.New()
	transport := inproc.New(inproc.WithNackDelay(10 * time.Millisecond))
	t.Cleanup(func() { _ = transport.Close() })

	opts = append([]queue.Option{
		queue.WithConfig(testConfig()),
		queue.WithTransport(transport),
	}, opts...)

	m, err := queue.NewManager(store, opts...)
	require.NoError(t, err)

	return &harness{m: m, store: store, transport: transport}
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	require.NoError(t, h.m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Stop(ctx)
	})
}

func params(caller, typ, key string) queue.SubmitParams {
	return queue.SubmitParams{
		CallerID:       caller,
		Type:           typ,
		Payload:        json.RawMessage(`{"to":"user@example.com"}`),
		Mode:           queue.ModeFIFO,
		IdempotencyKey: key,
	}
}

func (h *harness) submit(t *testing.T, p queue.SubmitParams) *queue.SubmitResult {
	t.Helper()

	res, err := h.m.Submit(context.Background(), p)
	require.NoError(t, err)
	return res
}

// waitStatus polls until the request reaches want.
func (h *harness) waitStatus(t *testing.T, id, caller string, want queue.Status) *queue.StatusView {
	t.Helper()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		v, err := h.m.GetStatus(ctx, id, caller)
		return err == nil && v.Status == want
	}, waitFor, 5*time.Millisecond, "request %s never reached %s", id, want)

	v, err := h.m.GetStatus(ctx, id, caller)
	require.NoError(t, err)
	return v
}

// flaky fails the first n calls per request, then succeeds.
type flaky struct {
	calls map[string]int
	mu    sync.Mutex
	fails int
}

func newFlaky(fails int) *flaky {
	return &flaky{fails: fails, calls: make(map[string]int)}
}

func (f *flaky) Execute(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	id, _ := queue.RequestIDFromContext(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[id]++
	if f.calls[id] <= f.fails {
		return nil, fmt.Errorf("smtp unavailable (attempt %d)", f.calls[id])
	}
	return json.RawMessage(`{"sent":true}`), nil
}

func (f *flaky) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// recorder records execution order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, queue.Permanent(err)
	}

	r.mu.Lock()
	r.order = append(r.order, p.Name)
	r.mu.Unlock()
	return nil, nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
