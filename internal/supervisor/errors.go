package supervisor

import (
	"errors"
	"fmt"

	"github.com/497672776/zenow/pkg/types"
)

// ErrShuttingDown is returned by Start once ShutdownAll has been called.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// IsShuttingDown reports whether err came from a start after shutdown.
func IsShuttingDown(err error) bool { return errors.Is(err, ErrShuttingDown) }

// busyError signals that another transition for the mode is in flight (429).
type busyError struct{ mode types.Mode }

func (e busyError) Error() string {
	return fmt.Sprintf("%s server is busy: another start, stop or restart is in progress", e.mode)
}

// IsBusy reports whether err indicates a rejected concurrent transition.
func IsBusy(err error) bool {
	var e busyError
	return errors.As(err, &e)
}

// notRunningError signals that the mode has no ready server (503).
type notRunningError struct{ mode types.Mode }

func (e notRunningError) Error() string {
	return fmt.Sprintf("%s server is not running; load a %s model first", e.mode, e.mode)
}

// ErrNotRunning constructs a notRunningError for mode.
func ErrNotRunning(mode types.Mode) error { return notRunningError{mode: mode} }

// IsNotRunning reports whether err indicates a missing server.
func IsNotRunning(err error) bool {
	var e notRunningError
	return errors.As(err, &e)
}

// invalidArtifactError signals an unusable model file (400).
type invalidArtifactError struct{ msg string }

func (e invalidArtifactError) Error() string { return e.msg }

// IsInvalidArtifact reports whether err was raised by the model file checks.
func IsInvalidArtifact(err error) bool {
	var e invalidArtifactError
	return errors.As(err, &e)
}

// dependencyUnavailableError signals a missing llama-server binary or an
// occupied port so the HTTP layer can return 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// startFailedError carries the diagnostic of a spawn that never became ready.
type startFailedError struct {
	mode types.Mode
	msg  string
}

func (e startFailedError) Error() string { return fmt.Sprintf("%s server failed to start: %s", e.mode, e.msg) }

// IsStartFailed reports whether err is a timeout or early exit during startup.
func IsStartFailed(err error) bool {
	var e startFailedError
	return errors.As(err, &e)
}
