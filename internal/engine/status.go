package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
)

// Snapshot is the runner's current execution status as reported by its local
// status endpoint. Shape is runner-defined; callers decode only the keys
// they need.
type Snapshot map[string]any

// IsotovideoClient polls the test-runner subprocess's own local status
// endpoint, grounded on the same net/http-direct style as the teacher's
// BOMRepoUploader but without its upload semantics: a GET, not a POST.
type IsotovideoClient struct {
	baseURL *url.URL
	client  *http.Client
}

func NewIsotovideoClient(baseURL string, client *http.Client) (*IsotovideoClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	return &IsotovideoClient{baseURL: u, client: client}, nil
}

// Status asynchronously fetches the runner's current snapshot, matching the
// spec's callback-style contract. A connection refused (the subprocess has
// not opened its status endpoint yet) yields an empty Snapshot, not an
// error: the caller's poll loop treats "nothing to report yet" as routine.
func (c *IsotovideoClient) Status(ctx context.Context, callback func(Snapshot, error)) {
	go func() {
		snap, err := c.fetch(ctx)
		callback(snap, err)
	}()
}

func (c *IsotovideoClient) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return Snapshot{}, nil
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, nil
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return snap, nil
}
