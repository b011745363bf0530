// Package client implements job.Client: the worker's outbound channels to
// the web UI, a FIFO-ordered REST leg and a status-push WebSocket leg
// (spec.md §4.1).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// TransportError wraps a REST or WebSocket transport failure so callers can
// errors.Is/errors.As through it, matching the teacher's error-wrapping
// idiom in internal/service/client.go.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type sendRequest struct {
	ctx      context.Context
	method   string
	path     string
	body     any
	callback func(error)
}

// Client is the worker's outbound connection to the web UI: a FIFO send
// queue for REST calls plus a status WebSocket. Constructed with a base URL
// validated once, following the teacher's BOMRepoUploader pattern.
type Client struct {
	baseURL *url.URL
	http    *http.Client

	sendQueue chan sendRequest
	closeOnce sync.Once
	closed    chan struct{}

	ws *statusSocket
}

// New parses and validates baseURL once (rejecting a non-empty path, per
// the teacher's NewBOMRepoUploader) and starts the FIFO send-queue worker.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("please define the web UI url with a scheme and host, e.g. `http://openqa.example.com`")
	}
	if parsed.Path != "" {
		return nil, errors.New("please define the web UI url without a path, e.g. `http://openqa.example.com`")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		baseURL:   parsed,
		http:      httpClient,
		sendQueue: make(chan sendRequest, 64),
		closed:    make(chan struct{}),
	}
	go c.runSendQueue()
	return c, nil
}

// Connect opens the status WebSocket at wsURL. Finished() reports closed
// once the connection observes a close frame or a fatal read error.
func (c *Client) Connect(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return &TransportError{Method: "GET", Path: wsURL, Err: err}
	}
	c.ws = newStatusSocket(conn)
	return nil
}

// Send enqueues a REST call; callback fires, in submission order relative to
// other Send calls, once the call completes or fails. Never blocks on
// network I/O itself.
func (c *Client) Send(ctx context.Context, method, path string, body any, callback func(error)) {
	if callback == nil {
		callback = func(error) {}
	}
	select {
	case c.sendQueue <- sendRequest{ctx: ctx, method: method, path: path, body: body, callback: callback}:
	case <-c.closed:
		callback(errors.New("client is closed"))
	}
}

func (c *Client) runSendQueue() {
	for {
		select {
		case req := <-c.sendQueue:
			err := c.doSend(req.ctx, req.method, req.path, req.body)
			req.callback(err)
		case <-c.closed:
			return
		}
	}
}

func (c *Client) doSend(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Method: method, Path: path, Err: err}
		}
		reader = bytes.NewReader(raw)
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: err}
	}
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	slog.DebugContext(ctx, "sending status request", "method", method, "path", path)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &TransportError{Method: method, Path: path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	return nil
}

// SendStatus pushes a status frame over the control WebSocket. Fire-and-
// forget from the Job's perspective, like Send: callback fires once the
// write completes or fails.
func (c *Client) SendStatus(ctx context.Context, payload any, callback func(error)) {
	if callback == nil {
		callback = func(error) {}
	}
	if c.ws == nil {
		callback(errors.New("status websocket not connected"))
		return
	}
	c.ws.send(ctx, payload, callback)
}

// registerPath is the web UI endpoint workers re-handshake against
// (spec.md §4.1 register).
const registerPath = "api/v1/workers"

// Register re-handshakes with the web UI, posting the worker's capabilities
// and returning the worker id the web UI assigns. Used after a fatal
// websocket disconnect to re-establish the control channel before the core
// lifecycle resumes; unlike Send/SendStatus this blocks on the network call
// since callers need the assigned id back before continuing.
func (c *Client) Register(ctx context.Context, capabilities map[string]any) (int64, error) {
	raw, err := json.Marshal(capabilities)
	if err != nil {
		return 0, &TransportError{Method: http.MethodPost, Path: registerPath, Err: err}
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + registerPath

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return 0, &TransportError{Method: http.MethodPost, Path: registerPath, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	slog.InfoContext(ctx, "registering with web UI", "url", u.String())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, &TransportError{Method: http.MethodPost, Path: registerPath, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return 0, &TransportError{Method: http.MethodPost, Path: registerPath, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, &TransportError{Method: http.MethodPost, Path: registerPath, Err: err}
	}
	return out.ID, nil
}

// Finished returns a channel closed when the WebSocket connection observes
// a close frame or a fatal read error.
func (c *Client) Finished() <-chan struct{} {
	if c.ws == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.ws.done
}

// Close stops the send-queue worker and the WebSocket connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	if c.ws != nil {
		return c.ws.close()
	}
	return nil
}
