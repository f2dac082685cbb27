package devserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listenHook struct{ lr net.Listener }

func (h listenHook) Listen(context.Context) (net.Listener, error) { return h.lr, nil }

type muxHook struct{ body string }

func (h muxHook) PackMux(mux *http.ServeMux) {
	mux.HandleFunc(`GET /hello`, func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, h.body) })
}

type runHook func(ctx context.Context) error

func (fn runHook) Run(ctx context.Context) error { return fn(ctx) }

func start(t *testing.T, hooks ...any) (string, context.CancelFunc, chan error) {
	lr, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	cfg, err := New(Hook(listenHook{lr}), Hook(hooks...))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cfg.Serve(ctx) }()
	t.Cleanup(cancel)
	return `http://` + lr.Addr().String(), cancel, done
}

func TestServeAndShutdown(t *testing.T) {
	ran := make(chan struct{})
	url, cancel, done := start(t, muxHook{`hi`}, runHook(func(ctx context.Context) error {
		close(ran)
		<-ctx.Done()
		return nil
	}))
	<-ran

	resp, err := http.Get(url + `/hello`)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, `hi`, string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(`server did not stop`)
	}
}

func TestRunnerFailureStopsServer(t *testing.T) {
	_, _, done := start(t, runHook(func(context.Context) error { return errors.New(`watch failed`) }))
	select {
	case err := <-done:
		assert.EqualError(t, err, `watch failed`)
	case <-time.After(5 * time.Second):
		t.Fatal(`server did not stop`)
	}
}
