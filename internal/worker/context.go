package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/os-autoinst/openqa-worker-go/internal/client"
	"github.com/os-autoinst/openqa-worker-go/internal/engine"
	"github.com/os-autoinst/openqa-worker-go/internal/job"
	"github.com/os-autoinst/openqa-worker-go/internal/pool"
)

// Context is the parent container a worker instance runs with: its settings,
// its pool directory, and the currently active Job, if any (spec.md §2's
// WorkerContext). Non-goals exclude concurrent multi-job support, so at most
// one Job is ever live at a time.
type Context struct {
	cfg     Config
	engine  *engine.Adapter
	poolDir *pool.Directory

	mu  sync.Mutex
	cur *job.Job
}

func New(cfg Config, launchCfg engine.LaunchConfig) (*Context, error) {
	dir, err := pool.Open(cfg.PoolDirectory)
	if err != nil {
		return nil, fmt.Errorf("opening pool directory %s: %w", cfg.PoolDirectory, err)
	}
	return &Context{
		cfg:     cfg,
		engine:  engine.NewAdapter(launchCfg),
		poolDir: dir,
	}, nil
}

// AcceptJob connects a Client for jobInfo and creates the Job bound to it,
// this worker's EngineAdapter and pool directory. Only one Job may be active
// at a time; AcceptJob replaces any previous reference once that Job has
// stopped.
func (c *Context) AcceptJob(ctx context.Context, id *int64, info job.Info) (*job.Job, error) {
	if prev := c.Current(); prev != nil && prev.Status() != job.StatusStopped {
		return nil, fmt.Errorf("a job is already active (status %s)", prev.Status())
	}

	cl, err := client.New(c.cfg.WebUIURL, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing client: %w", err)
	}

	wsURL := info.Raw["ws_url"]
	if url, ok := wsURL.(string); ok && url != "" {
		if err := cl.Connect(ctx, url); err != nil {
			return nil, fmt.Errorf("connecting status websocket: %w", err)
		}
	}

	jobCfg := job.Config{
		WorkerID:       fmt.Sprintf("%d", c.cfg.InstanceNumber),
		WorkerHostname: c.cfg.WorkerHostname,
		CmdSrvURL:      c.cfg.WebUIURL,
		Backend:        c.cfg.Backend,
	}

	var poller job.StatusPoller
	if ic, err := engine.NewIsotovideoClient(isotovideoStatusURL(c.cfg.InstanceNumber), nil); err != nil {
		slog.WarnContext(ctx, "constructing isotovideo status client failed", "error", err)
	} else {
		poller = &statusPollerAdapter{client: ic}
	}

	j := job.New(id, info, cl, c.engine, c.poolDir, jobCfg, poller)

	c.mu.Lock()
	c.cur = j
	c.mu.Unlock()

	slog.InfoContext(ctx, "accepted job", "job_id", derefID(id))
	return j, nil
}

// statusPollerAdapter adapts an *engine.IsotovideoClient to job.StatusPoller:
// job can't import engine (engine already imports job for Info/EngineResult),
// and engine.Snapshot's named type doesn't satisfy a map[string]any-typed
// interface method directly, so the conversion happens here at the
// composition boundary instead.
type statusPollerAdapter struct {
	client *engine.IsotovideoClient
}

func (a *statusPollerAdapter) Status(ctx context.Context, callback func(map[string]any, error)) {
	a.client.Status(ctx, func(snap engine.Snapshot, err error) {
		callback(map[string]any(snap), err)
	})
}

// isotovideoStatusURL follows the real worker's convention of deriving each
// instance's local isotovideo port from its instance number.
func isotovideoStatusURL(instanceNumber int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/isotovideo/status", 20002+instanceNumber)
}

// Current returns the currently active Job, or nil if none.
func (c *Context) Current() *job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Context) Close() error {
	return c.poolDir.Close()
}

func derefID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
