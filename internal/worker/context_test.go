package worker_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/os-autoinst/openqa-worker-go/internal/engine"
	"github.com/os-autoinst/openqa-worker-go/internal/job"
	"github.com/os-autoinst/openqa-worker-go/internal/worker"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func TestAcceptJobWiresClientAndCreatesJob(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ws":
			conn, err := upgrader.Upgrade(w, r, nil)
			require.NoError(t, err)
			_ = conn.Close()
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := worker.DefaultConfig()
	cfg.WebUIURL = srv.URL
	cfg.PoolDirectory = t.TempDir()

	wc, err := worker.New(cfg, engine.LaunchConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = wc.Close() })

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	id := int64(99)
	j, err := wc.AcceptJob(t.Context(), &id, job.Info{
		Raw: map[string]any{"ws_url": wsURL},
		URL: srv.URL + "/jobs/99",
	})
	require.NoError(t, err)
	require.Same(t, j, wc.Current())

	// the mock server closes the WebSocket immediately; the Job observes
	// this as a finish event before Accept was ever called and abandons.
	require.Eventually(t, func() bool {
		return j.Status() == job.StatusStopped
	}, 2*time.Second, 10*time.Millisecond)
}
