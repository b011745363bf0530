package job

import (
	"context"
	"log/slog"
)

// Client is the outbound channel to the web UI that a Job needs: fire-and-forget,
// FIFO-ordered REST sends (spec.md §4.1) plus a synchronous status-websocket push.
type Client interface {
	// Send enqueues a REST call; callback is invoked, in submission order
	// relative to other Send calls on this Client, once the call completes
	// (or fails). Send never blocks on network I/O.
	Send(ctx context.Context, method, path string, body any, callback func(error))
	// SendStatus pushes a status frame over the control websocket. Like
	// Send, it is fire-and-forget from the Job's perspective: callback is
	// invoked once the write completes or fails.
	SendStatus(ctx context.Context, payload any, callback func(error))
	// Finished returns a channel that is closed when the underlying
	// websocket connection observes a close frame (spec.md §4.1 "finish").
	Finished() <-chan struct{}
}

// EngineAdapter starts the test-runner subprocess for a job (spec.md §4.2).
type EngineAdapter interface {
	Workit(ctx context.Context, info Info) (EngineHandle, error)
}

// EngineHandle is the observable surface of a started test-runner subprocess.
type EngineHandle interface {
	PID() int
	IsRunning() bool
	Stop()
	// Wait returns a channel that receives exactly one EngineResult when the
	// subprocess exits, then is closed.
	Wait() <-chan EngineResult
}

// EngineResult is the outcome of a test-runner subprocess run.
type EngineResult struct {
	ExitCode int
	Err      error
}

// PoolDirectory is the per-worker-instance scratch directory a Job uses for
// logs and artifacts (spec.md §4.4).
type PoolDirectory interface {
	// Cleanup removes previous-run artifacts, notably autoinst-log.txt, and
	// creates a fresh worker-log.txt.
	Cleanup() error
	// OpenLog opens worker-log.txt for appending and returns a logger
	// writing to it. Called once Cleanup has run, so the job's own logging
	// is redirected into the pool directory for the rest of its run
	// (spec.md §4.4 step 2).
	OpenLog() (*slog.Logger, error)
	// Root returns the pool directory's filesystem path, so collaborators
	// like the artifact manifest builder can walk it directly.
	Root() string
	// ReadTestOrder reads testresults/test_order.json, returning an empty
	// slice (not an error) if the file does not exist.
	ReadTestOrder() ([]string, error)
}

// StatusPoller is the IsotovideoClient's surface a Job can poll while
// running, for the runner's own execution snapshot (spec.md §4.2).
type StatusPoller interface {
	Status(ctx context.Context, callback func(map[string]any, error))
}
