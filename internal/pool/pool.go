// Package pool manages a worker instance's scratch directory: the
// per-job-run working directory isotovideo reads and writes logs and
// results into (spec.md §4.4).
package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/os-autoinst/openqa-worker-go/internal/log"
)

const (
	autoinstLog = "autoinst-log.txt"
	workerLog   = "worker-log.txt"
	testOrder   = "testresults/test_order.json"
)

// Directory is a job.PoolDirectory scoped to one worker instance's pool
// directory with os.Root, following the teacher's OSRootUploader pattern in
// internal/service/supervisor.go.
type Directory struct {
	root *os.Root
	path string
}

func Open(path string) (*Directory, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &Directory{root: root, path: path}, nil
}

// Cleanup removes a previous run's autoinst-log.txt, if present, and creates
// a fresh, empty worker-log.txt.
func (d *Directory) Cleanup() error {
	if d.root == nil {
		return errors.New("pool directory already closed")
	}

	if err := d.root.Remove(autoinstLog); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", autoinstLog, err)
	}

	f, err := d.root.Create(workerLog)
	if err != nil {
		return fmt.Errorf("creating %s: %w", workerLog, err)
	}
	return f.Close()
}

// OpenLog returns a *slog.Logger writing to worker-log.txt, wired through
// the same ContextHandler the rest of the worker logs through so per-job
// attributes set via log.ContextAttrs still apply.
func (d *Directory) OpenLog() (*slog.Logger, error) {
	if d.root == nil {
		return nil, errors.New("pool directory already closed")
	}
	f, err := d.root.OpenFile(workerLog, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", workerLog, err)
	}
	base := slog.NewJSONHandler(f, nil)
	return slog.New(log.NewContextHandler(base)), nil
}

// Root returns the pool directory's filesystem path.
func (d *Directory) Root() string {
	return d.path
}

// ReadTestOrder reads testresults/test_order.json. Returns an empty slice,
// not an error, if the file does not exist (the test runner never got far
// enough to write it).
func (d *Directory) ReadTestOrder() ([]string, error) {
	if d.root == nil {
		return nil, errors.New("pool directory already closed")
	}
	f, err := d.root.Open(testOrder)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var order []string
	if err := json.NewDecoder(f).Decode(&order); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", testOrder, err)
	}
	return order, nil
}

func (d *Directory) Close() error {
	if d.root == nil {
		return nil
	}
	err := d.root.Close()
	d.root = nil
	return err
}
