package job

import "errors"

// Programmer-error categories: reported directly to the caller of Start/Stop,
// Job state is left unchanged.
var (
	ErrMissingID    = errors.New("attempt to start job without ID and job info")
	ErrNotAccepted  = errors.New("attempt to start job which is not accepted")
	ErrInvalidState = errors.New("invalid state for requested operation")
)

// SetupError wraps the message returned by an EngineAdapter that failed to
// start the test-runner subprocess. It is recoverable: the Job records it,
// logs it, and walks the normal stop path.
type SetupError struct {
	JobID   int64
	Message string
}

func (e *SetupError) Error() string {
	return "unable to setup job: " + e.Message
}
