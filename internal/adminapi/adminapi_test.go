package adminapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/internal/adminapi"
	"github.com/dmitrymomot/jobqueue/pkg/health"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
	"github.com/dmitrymomot/jobqueue/pkg/queue/inproc"
	"github.com/dmitrymomot/jobqueue/pkg/queue/memstore"
)

const token = "s3cret"

func newManager(t *testing.T, opts ...queue.Option) *queue.Manager {
	t.Helper()

	cfg := queue.DefaultConfig()
	cfg.MaxRetryAttempts = 1
	cfg.MaxQueueDepth = 10

	transport := inproc.New()
	t.Cleanup(func() { _ = transport.Close() })

	m, err := queue.NewManager(memstore.New(), append([]queue.Option{
		queue.WithConfig(cfg),
		queue.WithTransport(transport),
	}, opts...)...)
	require.NoError(t, err)
	return m
}

func do(t *testing.T, h http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func TestAuth(t *testing.T) {
	t.Parallel()

	h := adminapi.New(newManager(t), adminapi.WithToken(token))

	rec := do(t, h, http.MethodGet, "/admin/health", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, rec))

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/admin/health", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code, "probes are public")
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	t.Parallel()

	h := adminapi.New(newManager(t))
	rec := do(t, h, http.MethodGet, "/admin/health", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	for _, key := range []string{"a", "b"} {
		_, err := m.Submit(context.Background(), queue.SubmitParams{
			CallerID:       "billing",
			Type:           "payments.tip",
			Payload:        json.RawMessage(`{}`),
			Mode:           queue.ModeFIFO,
			IdempotencyKey: key,
		})
		require.NoError(t, err)
	}
	h := adminapi.New(m, adminapi.WithToken(token))

	rec := do(t, h, http.MethodGet, "/admin/health", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var hl queue.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hl))
	assert.Equal(t, 2, hl.Depth)
	assert.InDelta(t, 0.2, hl.Utilization, 1e-9)
	assert.Equal(t, queue.HealthHealthy, hl.Status)

	rec = do(t, h, http.MethodGet, "/admin/metrics?period=5", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var mt queue.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mt))
	assert.Equal(t, 5, mt.PeriodMinutes)
	assert.Equal(t, int64(2), mt.Submitted)

	rec = do(t, h, http.MethodGet, "/admin/metrics?period=abc", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/admin/metrics?period=0", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, queue.CodeInvalidRequest, errorCode(t, rec))

	rec = do(t, h, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `queue_requests{queue="default",status="PENDING"} 2`)
	assert.Contains(t, rec.Body.String(), `queue_health_status{queue="default",status="healthy"} 1`)
	assert.Contains(t, rec.Body.String(), `queue_max_workers{queue="default"} 10`)
}

func TestDeadLetterReview(t *testing.T) {
	t.Parallel()

	m := newManager(t, queue.WithHandler("payments.tip", queue.HandlerFunc(
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("card declined")
		},
	)))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})

	res, err := m.Submit(context.Background(), queue.SubmitParams{
		CallerID:       "billing",
		Type:           "payments.tip",
		Payload:        json.RawMessage(`{"amount":5}`),
		Mode:           queue.ModeFIFO,
		IdempotencyKey: "tip-1",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err := m.GetStatus(context.Background(), res.RequestID, "billing")
		return err == nil && v.Status == queue.StatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	h := adminapi.New(m, adminapi.WithToken(token))

	type list struct {
		Entries []queue.DeadLetterEntry `json:"entries"`
	}
	var l list
	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/admin/dead-letters", "", true)
		l = list{}
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &l) == nil && len(l.Entries) == 1
	}, 5*time.Second, 5*time.Millisecond)
	entry := l.Entries[0]
	assert.Equal(t, res.RequestID, entry.OriginalRequestID)
	assert.JSONEq(t, `{"amount":5}`, string(entry.OriginalPayload))
	assert.Contains(t, entry.FailureReason, "card declined")

	rec := do(t, h, http.MethodPost, "/admin/dead-letters/"+entry.ID+"/review", `{"resolution":"refunded"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reviewer is required")

	rec = do(t, h, http.MethodPost, "/admin/dead-letters/"+entry.ID+"/review", `{"reviewer_id":"ops-1","resolution":"refunded"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reviewed queue.DeadLetterEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reviewed))
	assert.True(t, reviewed.Reviewed)
	assert.Equal(t, "ops-1", reviewed.ReviewedBy)

	rec = do(t, h, http.MethodPost, "/admin/dead-letters/"+entry.ID+"/review", `{"reviewer_id":"ops-2"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, queue.CodeInvalidStatus, errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/admin/dead-letters/missing/review", `{"reviewer_id":"ops-1"}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/admin/dead-letters/"+entry.ID+"/review", `not json`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for query, want := range map[string]int{"": 0, "?reviewed=true": 1, "?reviewed=all": 1} {
		rec = do(t, h, http.MethodGet, "/admin/dead-letters"+query, "", true)
		require.Equal(t, http.StatusOK, rec.Code)
		l = list{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &l))
		assert.Len(t, l.Entries, want, query)
	}

	rec = do(t, h, http.MethodGet, "/admin/dead-letters?reviewed=maybe", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type brokenQueue struct {
	health *queue.Health
	err    error
}

func (b brokenQueue) GetHealth(context.Context) (*queue.Health, error) { return b.health, b.err }

func (b brokenQueue) GetMetrics(context.Context, int) (*queue.Metrics, error) { return nil, b.err }

func (b brokenQueue) ListDeadLetters(context.Context, int, *bool) ([]*queue.DeadLetterEntry, error) {
	return nil, b.err
}

func (b brokenQueue) MarkDeadLetterReviewed(context.Context, string, string, string) (*queue.DeadLetterEntry, error) {
	return nil, b.err
}

func TestSystemErrorsAreHidden(t *testing.T) {
	t.Parallel()

	q := brokenQueue{err: errors.Join(queue.ErrSystem, errors.New("dial tcp 10.0.0.5:5432: refused"))}
	h := adminapi.New(q, adminapi.WithToken(token))

	rec := do(t, h, http.MethodGet, "/admin/health", "", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, queue.CodeSystemError, errorCode(t, rec))
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")

	rec = do(t, h, http.MethodGet, "/readyz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status queue.HealthStatus
		checks health.Checks
		code   int
		body   string
	}{
		{"healthy", queue.HealthHealthy, nil, http.StatusOK, "OK"},
		{"degraded queue", queue.HealthDegraded, nil, http.StatusOK, "Degraded"},
		{"unhealthy queue", queue.HealthUnhealthy, nil, http.StatusServiceUnavailable, "Service Unavailable"},
		{"database down", queue.HealthHealthy, health.Checks{
			"postgres": func(context.Context) error { return errors.New("refused") },
		}, http.StatusServiceUnavailable, "Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := brokenQueue{health: &queue.Health{Status: tt.status}}
			h := adminapi.New(q, adminapi.WithChecks(tt.checks))

			rec := do(t, h, http.MethodGet, "/readyz", "", false)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
}
