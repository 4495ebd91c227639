package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}

func TestServeSSE(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Keepalive = time.Hour })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.reg.ServeSSE(w, r, "u1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", res.Header.Get("Cache-Control"))
	assert.Equal(t, "no", res.Header.Get("X-Accel-Buffering"))

	br := bufio.NewReader(res.Body)
	assert.Contains(t, readFrame(t, br), `"type":"connection"`)

	n, err := h.reg.Broadcast(context.Background(), "u1", Event{Type: "task.created"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, readFrame(t, br), `"type":"task.created"`)

	cancel()
	require.Eventually(t, func() bool { return h.reg.Total() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.metrics.closedFor(ReasonClientGone))
}

func TestServeSSE_Keepalive(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Keepalive = 10 * time.Millisecond })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.reg.ServeSSE(w, r, "u1")
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()

	br := bufio.NewReader(res.Body)
	var frames []string
	for i := 0; i < 3; i++ {
		frames = append(frames, readFrame(t, br))
	}
	assert.Contains(t, frames, ": ping\n")
}

func TestServeSSE_RegistryStopEndsStream(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Keepalive = time.Hour })
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		_ = h.reg.ServeSSE(w, r, "u1")
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	readFrame(t, bufio.NewReader(res.Body))

	h.reg.Stop(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after Stop")
	}
}
