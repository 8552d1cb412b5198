package server_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobqueue/internal/server"
)

type recorder struct {
	calls []string
	mu    sync.Mutex
}

func (r *recorder) hook(name string, err error) func(context.Context) error {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		return err
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestRun_Lifecycle(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "pong")
		}),
			server.WithListener(ln),
			server.WithStartupHook(rec.hook("start", nil)),
			server.WithShutdownHook(rec.hook("queue", nil)),
			server.WithShutdownHook(rec.hook("db", nil)),
		)
	}()

	url := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body) == "pong"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, []string{"start", "queue", "db"}, rec.list())
}

func TestRun_StartupHookFails(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	boom := errors.New("migrations failed")
	rec := &recorder{}
	err = server.Run(context.Background(), http.NotFoundHandler(),
		server.WithListener(ln),
		server.WithStartupHook(rec.hook("migrate", boom)),
		server.WithStartupHook(rec.hook("start", nil)),
	)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"migrate"}, rec.list())
}

func TestRun_ShutdownHookErrorsAreJoined(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	first, second := errors.New("first"), errors.New("second")
	rec := &recorder{}
	err = server.Run(ctx, http.NotFoundHandler(),
		server.WithListener(ln),
		server.WithShutdownHook(rec.hook("a", first)),
		server.WithShutdownHook(rec.hook("b", second)),
	)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Equal(t, []string{"a", "b"}, rec.list())
}
