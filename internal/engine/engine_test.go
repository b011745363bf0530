package engine_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/os-autoinst/openqa-worker-go/internal/engine"
	"github.com/os-autoinst/openqa-worker-go/internal/job"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAdapterWorkitKilledAtTimeout(t *testing.T) {
	t.Parallel()
	yes, err := exec.LookPath("yes")
	if err != nil {
		t.Skipf("skipped, binary yes not available: %v", err)
	}

	cfg := engine.LaunchConfig{}
	cfg.Command.Path = yes
	cfg.Command.Args = []string{"openqa"}
	cfg.Command.Timeout = "100ms"

	a := engine.NewAdapter(cfg)
	handle, err := a.Workit(t.Context(), job.Info{URL: "http://127.0.0.1/jobs/1"})
	require.NoError(t, err)
	require.NotZero(t, handle.PID())
	require.True(t, handle.IsRunning())

	res := <-handle.Wait()
	require.Error(t, res.Err)
	require.False(t, handle.IsRunning())
}

func TestAdapterWorkitExecError(t *testing.T) {
	t.Parallel()
	cfg := engine.LaunchConfig{}
	cfg.Command.Path = "does not exist"

	a := engine.NewAdapter(cfg)
	handle, err := a.Workit(t.Context(), job.Info{URL: "http://127.0.0.1/jobs/1"})
	require.Error(t, err)
	require.Nil(t, handle)

	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
}

func TestAdapterWorkitStop(t *testing.T) {
	t.Parallel()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}

	cfg := engine.LaunchConfig{}
	cfg.Command.Path = sleep
	cfg.Command.Args = []string{"5"}

	a := engine.NewAdapter(cfg)
	handle, err := a.Workit(t.Context(), job.Info{URL: "http://127.0.0.1/jobs/1"})
	require.NoError(t, err)

	handle.Stop()
	select {
	case <-handle.Wait():
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not stop in time")
	}
	require.False(t, handle.IsRunning())
}
