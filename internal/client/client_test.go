package client_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	ourclient "github.com/os-autoinst/openqa-worker-go/internal/client"
	"github.com/stretchr/testify/require"
)

func TestSendFIFOOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c, err := ourclient.New(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		path := []string{"jobs/1/status", "jobs/1/status", "jobs/1/set_done"}[i]
		c.Send(t.Context(), "POST", path, map[string]any{"n": i}, func(error) { wg.Done() })
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/jobs/1/status", "/jobs/1/status", "/jobs/1/set_done"}, seen)
}

func TestSendErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c, err := ourclient.New(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	errs := make(chan error, 1)
	c.Send(t.Context(), "POST", "jobs/1/status", nil, func(err error) { errs <- err })
	require.Error(t, <-errs)
}

func TestRegisterReturnsAssignedID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/workers", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	t.Cleanup(srv.Close)

	c, err := ourclient.New(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	id, err := c.Register(t.Context(), map[string]any{"host": "worker1", "instance": 1})
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
}

func TestRegisterErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c, err := ourclient.New(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Register(t.Context(), map[string]any{})
	require.Error(t, err)
}

func TestNewRejectsURLWithPath(t *testing.T) {
	t.Parallel()
	_, err := ourclient.New("http://openqa.example.com/some/path", nil)
	require.Error(t, err)
}

var upgrader = websocket.Upgrader{}

func TestConnectAndFinished(t *testing.T) {
	t.Parallel()

	closeConn := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		<-closeConn
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	c, err := ourclient.New(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, c.Connect(t.Context(), wsURL))

	select {
	case <-c.Finished():
		t.Fatal("finished fired before server closed the connection")
	case <-time.After(50 * time.Millisecond):
	}

	close(closeConn)

	select {
	case <-c.Finished():
	case <-time.After(2 * time.Second):
		t.Fatal("finished did not fire after server closed the connection")
	}
}

func TestSendStatusOverWebSocket(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		received <- msg
	}))
	t.Cleanup(srv.Close)

	c, err := ourclient.New(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, c.Connect(t.Context(), wsURL))

	errs := make(chan error, 1)
	c.SendStatus(t.Context(), map[string]any{"jobid": float64(1), "type": "accepted"}, func(err error) { errs <- err })
	require.NoError(t, <-errs)

	msg := <-received
	require.Equal(t, "accepted", msg["type"])
}
