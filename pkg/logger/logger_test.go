package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestNew_InvalidFormat(t *testing.T) {
	t.Parallel()

	_, err := newLogger(&bytes.Buffer{}, Config{Format: "xml"})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestNew_LevelFilters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := newLogger(&buf, Config{Level: "warn"})
	require.NoError(t, err)

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

type tenantKey struct{}

func TestNew_ContextExtractors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tenant := func(ctx context.Context) (slog.Attr, bool) {
		v, ok := ctx.Value(tenantKey{}).(string)
		return slog.String("tenant", v), ok
	}
	log, err := newLogger(&buf, Config{}, tenant, nil)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), tenantKey{}, "acme")
	log.With(slog.String("component", "test")).InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "acme", rec["tenant"])
	assert.Equal(t, "test", rec["component"])

	buf.Reset()
	log.InfoContext(context.Background(), "no tenant")

	rec = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "no tenant", rec["msg"])
	assert.NotContains(t, rec, "tenant")
}

func TestQueueExtractors_OutsideHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := newLogger(&buf, Config{Format: "text"}, QueueExtractors()...)
	require.NoError(t, err)

	log.InfoContext(context.Background(), "idle")
	assert.NotContains(t, buf.String(), "request_id")
	assert.NotContains(t, buf.String(), "attempt")
}

func TestFanout(t *testing.T) {
	t.Parallel()

	var info, errs bytes.Buffer
	h := fanout{
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&errs, &slog.HandlerOptions{Level: slog.LevelError}),
	}
	log := slog.New(h)

	log.Info("one")
	log.Error("two")

	assert.Contains(t, info.String(), "one")
	assert.Contains(t, info.String(), "two")
	assert.NotContains(t, errs.String(), "one")
	assert.Contains(t, errs.String(), "two")
}
