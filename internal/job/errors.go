package job

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTestsFailed is returned by a runner when the build succeeded but its tests did not
	ErrTestsFailed = errors.New("tests failed")

	// ErrCanceled is the cause attached to a run stopped by the watchdog
	ErrCanceled = errors.New("job canceled by liveness inspector")
)

// ScriptError is a failure of the build script itself
type ScriptError struct {
	ExitCode int
	Err      error
}

func (e *ScriptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("script failed with exit code %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("script failed with exit code %d", e.ExitCode)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// VMError is a failure of the environment the script runs in rather than of the script
type VMError struct {
	Err error
}

func (e *VMError) Error() string {
	return fmt.Sprintf("execution environment failure: %v", e.Err)
}

func (e *VMError) Unwrap() error { return e.Err }
