package job_test

import (
	"context"
	"log/slog"
	"sync"

	"github.com/os-autoinst/openqa-worker-go/internal/job"
)

type restMessage struct {
	method string
	path   string
	body   any
}

// mockClient is the reactor-tick harness the Job's tests are driven
// against: Send invokes its callback immediately (the "mocked reactor tick"
// spec.md §4.1 describes), while SendStatus can be told to hold its
// callback so a test can interleave a competing event before releasing it.
type mockClient struct {
	mu sync.Mutex

	rest []restMessage
	ws   []any

	holdStatus bool
	heldStatus func(error)
	finishedCh chan struct{}
	finishOnce sync.Once
}

func newMockClient() *mockClient {
	return &mockClient{finishedCh: make(chan struct{})}
}

func (m *mockClient) Send(_ context.Context, method, path string, body any, callback func(error)) {
	m.mu.Lock()
	m.rest = append(m.rest, restMessage{method: method, path: path, body: body})
	m.mu.Unlock()
	callback(nil)
}

func (m *mockClient) SendStatus(_ context.Context, payload any, callback func(error)) {
	m.mu.Lock()
	m.ws = append(m.ws, payload)
	if m.holdStatus {
		m.heldStatus = callback
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	callback(nil)
}

// release invokes a SendStatus callback held back by holdStatus.
func (m *mockClient) release(err error) {
	m.mu.Lock()
	cb := m.heldStatus
	m.heldStatus = nil
	m.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (m *mockClient) finish() {
	m.finishOnce.Do(func() { close(m.finishedCh) })
}

func (m *mockClient) Finished() <-chan struct{} {
	return m.finishedCh
}

func (m *mockClient) restMessages() []restMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]restMessage(nil), m.rest...)
}

func (m *mockClient) wsMessages() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.ws...)
}

// mockEngine implements job.EngineAdapter, either failing Workit or handing
// back a mockHandle the test controls directly.
type mockEngine struct {
	err    error
	handle *mockHandle
}

func (m *mockEngine) Workit(context.Context, job.Info) (job.EngineHandle, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.handle, nil
}

type mockHandle struct {
	mu      sync.Mutex
	pid     int
	running bool
	waitCh  chan job.EngineResult
}

func newMockHandle(pid int) *mockHandle {
	return &mockHandle{pid: pid, running: true, waitCh: make(chan job.EngineResult, 1)}
}

func (h *mockHandle) PID() int { return h.pid }

func (h *mockHandle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *mockHandle) Stop() {
	h.exit(job.EngineResult{ExitCode: -1, Err: nil})
}

func (h *mockHandle) exit(res job.EngineResult) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()
	h.waitCh <- res
}

func (h *mockHandle) Wait() <-chan job.EngineResult { return h.waitCh }

// mockPool implements job.PoolDirectory, recording Cleanup calls and
// returning a preconfigured test_order.json result.
type mockPool struct {
	mu           sync.Mutex
	cleanups     int
	cleanupErr   error
	testOrder    []string
	testOrderErr error
	root         string
}

func (p *mockPool) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups++
	return p.cleanupErr
}

func (p *mockPool) OpenLog() (*slog.Logger, error) {
	return slog.Default(), nil
}

func (p *mockPool) Root() string {
	return p.root
}

func (p *mockPool) cleanupCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanups
}

func (p *mockPool) ReadTestOrder() ([]string, error) {
	if p.testOrderErr != nil {
		return nil, p.testOrderErr
	}
	if p.testOrder == nil {
		return []string{}, nil
	}
	return p.testOrder, nil
}
