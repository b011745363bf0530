// Package job implements the Worker Job Lifecycle Engine's central state
// machine (spec.md §3-§4.3): a single Job coordinates a websocket control
// channel, a REST status/upload channel, a local test-runner subprocess, a
// pool directory and the livelog/developer-session side channels, and
// serializes every mutation of its own state through one owning goroutine
// (spec.md §5's single-threaded reactor, realized here as a mailbox of
// closures rather than a literal single OS thread).
package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/os-autoinst/openqa-worker-go/internal/artifact"
	"github.com/os-autoinst/openqa-worker-go/internal/job/eventbus"
)

const (
	// EventStatusChanged fires after the internal status field has been
	// updated, carrying a statusChangedEvent.
	EventStatusChanged = "status_changed"
	// EventUploadingResultsConcluded fires once outstanding uploads drain to
	// zero.
	EventUploadingResultsConcluded = "uploading_results_concluded"

	defaultWatchdog      = 15 * time.Second
	defaultLivelogPeriod = 10 * time.Second
	defaultStatusPoll    = 10 * time.Second
	artifactConcurrency  = 4
	statusPathTemplate   = "jobs/%d/status"
	setDonePathTemplate  = "jobs/%d/set_done"
	progressPathTemplate = "/liveviewhandler/api/v1/jobs/%d/upload_progress"
)

// Job is the central entity of the lifecycle engine (spec.md §3). Every
// field below is mutated only on the loop goroutine; Status/SetupError/
// IsUploadingResults/LivelogViewers take a snapshot lock so any goroutine can
// read them without going through the mailbox.
type Job struct {
	id   *int64
	info Info

	client       Client
	engine       EngineAdapter
	pool         PoolDirectory
	statusPoller StatusPoller
	cfg          Config
	bus          *eventbus.Bus
	log          *slog.Logger

	watchdogDuration time.Duration
	livelogPeriod    time.Duration
	statusPollPeriod time.Duration

	ops chan func()

	snapMu             chan struct{} // binary semaphore guarding the fields below
	status             Status
	setupErr           string
	hasSetupErr        bool
	isUploadingResults bool
	outstandingUploads int
	lastSnapshot       map[string]any
	livelogViewers     int
	devSessionRunning  bool
	acceptedSent       bool
	livelogStop        chan struct{}
	statusPollStop     chan struct{}
	watchdog           *time.Timer
	handle             EngineHandle
}

// New creates a Job bound to client/engine/pool. id may be nil; Start will
// then fail with ErrMissingID. statusPoller may be nil, in which case the
// Job never polls the runner's own status endpoint.
func New(id *int64, info Info, client Client, engine EngineAdapter, pool PoolDirectory, cfg Config, statusPoller StatusPoller) *Job {
	j := &Job{
		id:               id,
		info:             info,
		client:           client,
		engine:           engine,
		pool:             pool,
		statusPoller:     statusPoller,
		cfg:              cfg,
		bus:              eventbus.New(),
		watchdogDuration: defaultWatchdog,
		livelogPeriod:    defaultLivelogPeriod,
		statusPollPeriod: defaultStatusPoll,
		ops:              make(chan func(), 64),
		snapMu:           make(chan struct{}, 1),
		status:           StatusNew,
	}
	j.snapMu <- struct{}{}

	go j.loop()

	j.bus.On(EventUploadingResultsConcluded, func(any) {
		j.call(func() { j.doStop("done") })
	})

	if client != nil {
		go j.watchFinish(client.Finished())
	}

	return j
}

func (j *Job) loop() {
	for fn := range j.ops {
		fn()
	}
}

// call enqueues fn to run on the loop goroutine; it never blocks forever
// since ops is generously buffered and the loop never exits while the
// process holding the Job is alive.
func (j *Job) call(fn func()) {
	j.ops <- fn
}

// callSync runs fn on the loop goroutine and waits for its result.
func (j *Job) callSync(fn func() error) error {
	result := make(chan error, 1)
	j.call(func() { result <- fn() })
	return <-result
}

// logger returns the pool directory's worker-log.txt logger once the setup
// transition has opened it, falling back to the default logger before then
// (spec.md §4.4 step 2).
func (j *Job) logger() *slog.Logger {
	if j.log != nil {
		return j.log
	}
	return slog.Default()
}

func (j *Job) lockSnapshot() {
	<-j.snapMu
}

func (j *Job) unlockSnapshot() {
	j.snapMu <- struct{}{}
}

// Status returns the Job's current status. Safe to call from any goroutine.
func (j *Job) Status() Status {
	j.lockSnapshot()
	defer j.unlockSnapshot()
	return j.status
}

// SetupError returns the recorded engine startup failure, if any.
func (j *Job) SetupError() (string, bool) {
	j.lockSnapshot()
	defer j.unlockSnapshot()
	return j.setupErr, j.hasSetupErr
}

// IsUploadingResults reports whether an artifact upload is currently
// outstanding (spec.md §3 Invariant 2).
func (j *Job) IsUploadingResults() bool {
	j.lockSnapshot()
	defer j.unlockSnapshot()
	return j.isUploadingResults
}

// LivelogViewers returns the current reference count (spec.md §3 Invariant 3).
func (j *Job) LivelogViewers() int {
	j.lockSnapshot()
	defer j.unlockSnapshot()
	return j.livelogViewers
}

// On subscribes handler to a named event for the lifetime of the Job.
func (j *Job) On(name string, handler eventbus.Handler) eventbus.Token {
	return j.bus.On(name, handler)
}

// Once subscribes handler to fire at most once.
func (j *Job) Once(name string, handler eventbus.Handler) eventbus.Token {
	return j.bus.Once(name, handler)
}

// Unsubscribe removes a subscription registered with On/Once.
func (j *Job) Unsubscribe(name string, token eventbus.Token) {
	j.bus.Unsubscribe(name, token)
}

func (j *Job) setStatus(s Status) {
	j.lockSnapshot()
	from := j.status
	if !canTransition(from, s) {
		j.unlockSnapshot()
		panic(fmt.Sprintf("job: illegal status transition %s -> %s", from, s))
	}
	j.status = s
	j.unlockSnapshot()

	j.rearmWatchdog(s)
	j.bus.Emit(EventStatusChanged, StatusChangedEvent{Status: s})
}

func (j *Job) rearmWatchdog(s Status) {
	if j.watchdog != nil {
		j.watchdog.Stop()
		j.watchdog = nil
	}
	if s == StatusStopped || j.watchdogDuration <= 0 {
		return
	}
	j.watchdog = time.AfterFunc(j.watchdogDuration, func() {
		j.call(func() { j.doStop("timeout") })
	})
}

// Accept is only valid from StatusNew. See spec.md §4.3.
func (j *Job) Accept(ctx context.Context) error {
	return j.callSync(func() error { return j.doAccept(ctx) })
}

func (j *Job) doAccept(ctx context.Context) error {
	if j.status != StatusNew {
		return ErrInvalidState
	}
	j.setStatus(StatusAccepting)

	var jobID any
	if j.id != nil {
		jobID = *j.id
	}
	j.client.SendStatus(ctx, map[string]any{"jobid": jobID, "type": "accepted"}, func(err error) {
		j.call(func() { j.onAcceptResult(ctx, err) })
	})
	return nil
}

// onAcceptResult observes the outcome of the accepted-message send. A
// websocket finish arriving first (spec.md §8 S2) already moved status past
// Accepting by the time this fires, making it a no-op.
func (j *Job) onAcceptResult(ctx context.Context, err error) {
	if j.status != StatusAccepting {
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "sending accepted message failed", "error", err)
		return
	}
	j.lockSnapshot()
	j.acceptedSent = true
	j.unlockSnapshot()
	j.setStatus(StatusAccepted)
}

// Start requires status Accepted and a non-nil id (spec.md §4.3).
func (j *Job) Start(ctx context.Context) error {
	return j.callSync(func() error { return j.doStart(ctx) })
}

func (j *Job) doStart(ctx context.Context) error {
	if j.id == nil {
		return ErrMissingID
	}
	if j.status != StatusAccepted {
		return ErrNotAccepted
	}

	j.setStatus(StatusSetup)

	if err := j.pool.Cleanup(); err != nil {
		slog.ErrorContext(ctx, "pool directory cleanup failed", "job_id", *j.id, "error", err)
	}

	if logger, err := j.pool.OpenLog(); err != nil {
		slog.WarnContext(ctx, "opening worker-log.txt failed, logging to default sink", "job_id", *j.id, "error", err)
	} else {
		j.log = logger
	}

	handle, err := j.engine.Workit(ctx, j.info)
	if err != nil {
		j.lockSnapshot()
		j.setupErr = err.Error()
		j.hasSetupErr = true
		j.unlockSnapshot()
		j.logger().ErrorContext(ctx, fmt.Sprintf("Unable to setup job %d: %s", *j.id, err.Error()))
		j.doStop("setup failed")
		return nil
	}

	j.handle = handle
	j.setStatus(StatusRunning)
	j.logger().InfoContext(ctx, "isotovideo has been started", "job_id", *j.id, "pid", handle.PID())

	j.sendRunningFrame(ctx)
	go j.watchEngine(ctx, handle)
	j.startStatusPollTicker(ctx)
	return nil
}

func (j *Job) sendRunningFrame(ctx context.Context) {
	status := map[string]any{
		"cmd_srv_url":            j.cfg.CmdSrvURL,
		"test_execution_paused": 0,
		"worker_hostname":       j.cfg.WorkerHostname,
		"worker_id":             j.cfg.WorkerID,
	}
	if j.LivelogViewers() > 0 {
		status["log"] = map[string]any{}
		status["serial_log"] = map[string]any{}
		status["serial_terminal"] = map[string]any{}
	}
	j.client.Send(ctx, "POST", fmt.Sprintf(statusPathTemplate, *j.id), map[string]any{"status": status}, func(error) {})
}

func (j *Job) watchEngine(ctx context.Context, handle EngineHandle) {
	res, ok := <-handle.Wait()
	if !ok {
		return
	}
	j.call(func() { j.onEngineExit(ctx, res) })
}

func (j *Job) onEngineExit(ctx context.Context, res EngineResult) {
	if j.status == StatusStopping || j.status == StatusStopped {
		return
	}
	if res.Err != nil || res.ExitCode != 0 {
		j.logger().WarnContext(ctx, "isotovideo exited unexpectedly", "error", res.Err, "exit_code", res.ExitCode)
		j.doStop("died")
		return
	}
	j.logger().InfoContext(ctx, "isotovideo finished, uploading results", "job_id", *j.id)
	go j.uploadArtifacts(ctx)
}

// uploadArtifacts walks the pool directory for result files and drives
// BeginUpload/FinishUpload for each, following the spec's success path
// ("on uploading_results_concluded the Job calls stop('done')", spec.md
// §8 S5): once this drains to zero, the EventUploadingResultsConcluded
// handler registered in New transitions the Job to stopping. If the run
// produced no result files at all, an empty Begin/Finish pair is still
// issued so the drain fires and the Job isn't left running forever waiting
// on an upload that never starts.
func (j *Job) uploadArtifacts(ctx context.Context) {
	builder := artifact.NewBuilder(*j.id)
	count, err := builder.BuildFromDirectory(ctx, j.pool.Root(), artifactConcurrency, j.BeginUpload, func(err error) {
		j.FinishUpload(ctx, err)
	})
	if err != nil {
		j.logger().ErrorContext(ctx, "listing result artifacts failed", "job_id", *j.id, "error", err)
	}
	if count == 0 {
		j.BeginUpload()
		j.FinishUpload(ctx, nil)
	}
}

func (j *Job) watchFinish(finished <-chan struct{}) {
	<-finished
	j.call(func() { j.onWSFinish() })
}

func (j *Job) onWSFinish() {
	switch j.status {
	case StatusNew, StatusAccepting:
		// Fatal before the accepted handshake completes: the web UI never
		// learned this worker owns the job, so abandon without running the
		// normal stop sequence (no set_done is owed).
		j.abandon()
	default:
		// Non-fatal: the web UI already knows this worker owns the job.
	}
}

// abandon moves a New or Accepting job straight to Stopped without the
// normal stop sequence: no accepted handshake ever completed, so no set_done
// is owed and no intermediate status_changed(accepting) should be observed
// for a job that was never offered to a collaborator (spec.md §8 Invariant
// 1/6).
func (j *Job) abandon() {
	j.setStatus(StatusStopped)
}

// Stop transitions any non-terminal status to stopping and runs the shutdown
// sequence described in spec.md §4.3. Idempotent: a no-op in stopping or
// stopped.
func (j *Job) Stop(reason string) {
	j.call(func() { j.doStop(reason) })
}

func (j *Job) doStop(reason string) {
	if j.status == StatusStopping || j.status == StatusStopped {
		return
	}
	if j.status == StatusNew || j.status == StatusAccepting {
		// The job was never accepted (or never finished the handshake): no
		// set_done is owed, abandon it the same way onWSFinish does.
		j.abandon()
		return
	}

	if j.handle != nil {
		j.handle.Stop()
	}

	j.setStatus(StatusStopping)
	ctx := context.Background()

	j.stopStatusPollTicker()

	if j.LivelogViewers() > 0 {
		j.postUploadProgress(ctx)
		// Livelog is only valid while setup/running; leaving both drops it.
		j.lockSnapshot()
		j.livelogViewers = 0
		j.unlockSnapshot()
		j.stopLivelogTicker()
	}

	jobID := *j.id
	j.client.Send(ctx, "POST", fmt.Sprintf(statusPathTemplate, jobID),
		map[string]any{"status": map[string]any{"uploading": 1, "worker_id": j.cfg.WorkerID}},
		func(error) {
			j.call(func() { j.sendTerminalFrame(ctx, reason) })
		})
}

func (j *Job) sendTerminalFrame(ctx context.Context, reason string) {
	testOrder, err := j.pool.ReadTestOrder()
	if err != nil {
		slog.WarnContext(ctx, "reading test_order.json failed", "error", err)
		testOrder = []string{}
	}

	result := map[string]any{}
	if errMsg, ok := j.SetupError(); ok {
		result["setup_error"] = errMsg
	} else {
		result["reason"] = reason
	}

	status := map[string]any{
		"backend":                j.cfg.Backend,
		"cmd_srv_url":            j.cfg.CmdSrvURL,
		"result":                 result,
		"test_execution_paused": 0,
		"test_order":             testOrder,
		"worker_hostname":        j.cfg.WorkerHostname,
		"worker_id":              j.cfg.WorkerID,
	}
	jobID := *j.id
	j.client.Send(ctx, "POST", fmt.Sprintf(statusPathTemplate, jobID), map[string]any{"status": status}, func(error) {
		j.call(func() { j.sendSetDone(ctx) })
	})
}

func (j *Job) sendSetDone(ctx context.Context) {
	jobID := *j.id
	j.client.Send(ctx, "POST", fmt.Sprintf(setDonePathTemplate, jobID), nil, func(error) {
		j.call(func() { j.setStatus(StatusStopped) })
	})
}

func (j *Job) postUploadProgress(ctx context.Context) {
	jobID := *j.id
	j.client.Send(ctx, "POST", fmt.Sprintf(progressPathTemplate, jobID), j.currentUploadProgress(), func(error) {})
}

func (j *Job) currentUploadProgress() UploadProgress {
	j.lockSnapshot()
	defer j.unlockSnapshot()
	outstanding := j.outstandingUploads
	progress := UploadProgress{
		OutstandingFiles:  &outstanding,
		OutstandingImages: &outstanding,
	}
	if module, ok := j.lastSnapshot["current_test"].(string); ok && module != "" {
		progress.UploadUpToCurrentModule = &module
	}
	return progress
}

// BeginUpload marks one artifact upload as outstanding.
func (j *Job) BeginUpload() {
	j.call(func() {
		j.lockSnapshot()
		j.outstandingUploads++
		j.isUploadingResults = true
		j.unlockSnapshot()
	})
}

// FinishUpload marks one outstanding artifact upload as complete. Once the
// outstanding count drains to zero, uploading_results_concluded fires.
func (j *Job) FinishUpload(ctx context.Context, err error) {
	j.call(func() {
		if err != nil {
			slog.ErrorContext(ctx, "artifact upload failed", "error", err)
		}
		j.lockSnapshot()
		if j.outstandingUploads > 0 {
			j.outstandingUploads--
		}
		drained := j.outstandingUploads == 0
		j.isUploadingResults = !drained
		j.unlockSnapshot()
		if drained {
			j.bus.Emit(EventUploadingResultsConcluded, nil)
		}
	})
}

// StartLivelog increments the viewer count, starting the periodic enriched
// status frames on a 0->1 transition. Only valid while setup/running.
func (j *Job) StartLivelog(ctx context.Context) error {
	return j.callSync(func() error { return j.doStartLivelog(ctx) })
}

func (j *Job) doStartLivelog(ctx context.Context) error {
	if j.status != StatusSetup && j.status != StatusRunning {
		return ErrInvalidState
	}
	j.lockSnapshot()
	j.livelogViewers++
	becameActive := j.livelogViewers == 1
	j.unlockSnapshot()

	if becameActive {
		slog.InfoContext(ctx, "Starting livelog", "job_id", *j.id)
		j.startLivelogTicker(ctx)
	}
	return nil
}

// StopLivelog decrements the viewer count, stopping periodic frames on a
// 1->0 transition. Decrementing below zero is a programmer error.
func (j *Job) StopLivelog(ctx context.Context) error {
	return j.callSync(func() error { return j.doStopLivelog(ctx) })
}

func (j *Job) doStopLivelog(ctx context.Context) error {
	if j.status != StatusSetup && j.status != StatusRunning {
		return ErrInvalidState
	}
	j.lockSnapshot()
	if j.livelogViewers == 0 {
		j.unlockSnapshot()
		panic("job: stop_livelog called with livelog_viewers already zero")
	}
	j.livelogViewers--
	becameInactive := j.livelogViewers == 0
	j.unlockSnapshot()

	if becameInactive {
		slog.InfoContext(ctx, "Stopping livelog", "job_id", *j.id)
		j.stopLivelogTicker()
	}
	return nil
}

func (j *Job) startLivelogTicker(ctx context.Context) {
	stop := make(chan struct{})
	j.livelogStop = stop
	go func() {
		ticker := time.NewTicker(j.livelogPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				j.call(func() {
					if j.status == StatusSetup || j.status == StatusRunning {
						j.sendRunningFrame(ctx)
					}
				})
			}
		}
	}()
}

func (j *Job) stopLivelogTicker() {
	if j.livelogStop != nil {
		close(j.livelogStop)
		j.livelogStop = nil
	}
}

// startStatusPollTicker periodically polls the test runner's own status
// endpoint, when one was supplied to New, stashing the result for
// currentUploadProgress to enrich the next /upload_progress POST (spec.md
// §4.2, §6). A nil statusPoller makes this a no-op, matching the teacher's
// optional-collaborator pattern elsewhere in this file.
func (j *Job) startStatusPollTicker(ctx context.Context) {
	if j.statusPoller == nil {
		return
	}
	stop := make(chan struct{})
	j.statusPollStop = stop
	go func() {
		ticker := time.NewTicker(j.statusPollPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				j.statusPoller.Status(ctx, func(snap map[string]any, err error) {
					if err != nil {
						j.logger().WarnContext(ctx, "polling runner status failed", "error", err)
						return
					}
					j.call(func() {
						j.lockSnapshot()
						j.lastSnapshot = snap
						j.unlockSnapshot()
					})
				})
			}
		}
	}()
}

func (j *Job) stopStatusPollTicker() {
	if j.statusPollStop != nil {
		close(j.statusPollStop)
		j.statusPollStop = nil
	}
}

// SetDeveloperSessionRunning updates the observable developer-session flag.
func (j *Job) SetDeveloperSessionRunning(running bool) {
	j.call(func() {
		j.lockSnapshot()
		j.devSessionRunning = running
		j.unlockSnapshot()
	})
}

// DeveloperSessionRunning reports the current developer-session flag.
func (j *Job) DeveloperSessionRunning() bool {
	j.lockSnapshot()
	defer j.unlockSnapshot()
	return j.devSessionRunning
}

// AcceptedSent reports whether the {jobid, type:"accepted"} websocket message
// was ever successfully sent (spec.md §3 Invariant 6 / §8 Invariant 1).
func (j *Job) AcceptedSent() bool {
	j.lockSnapshot()
	defer j.unlockSnapshot()
	return j.acceptedSent
}

// Close stops the Job's loop goroutine. Callers must not use the Job after
// calling Close. Intended for test teardown and WorkerContext shutdown.
func (j *Job) Close() {
	j.call(func() {
		j.stopLivelogTicker()
		j.stopStatusPollTicker()
	})
	close(j.ops)
}
