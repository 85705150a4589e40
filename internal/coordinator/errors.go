package coordinator

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/contexts"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
)

var (
	// ErrRunActive is returned by Start and Reset while a run is in progress.
	ErrRunActive = errors.New("a run is already active")
	// ErrNotReset is returned by Start when the previous run ended and Reset was not called.
	ErrNotReset = errors.New("previous run has not been reset")
	// ErrNoRun is returned by run controls when nothing is running.
	ErrNoRun = errors.New("no run in progress")
	// ErrNotPaused is returned by Resume when the run is not paused.
	ErrNotPaused = errors.New("run is not paused")
	// ErrCancelled ends a run stopped through Cancel.
	ErrCancelled = errors.New("run cancelled")
	// ErrStepFailed wraps the failure of a step that stops the run.
	ErrStepFailed = errors.New("step failed")
)

// Describe maps an error to a single user-facing line.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "Run cancelled."
	case errors.Is(err, schemas.ErrValidation):
		return "The sequence is invalid: " + firstLine(err)
	case errors.Is(err, messaging.ErrExecutorUnavailable):
		return "The page cannot be automated. It may be a browser-internal page or it blocked the script."
	case errors.Is(err, contexts.ErrCannotCloseMain):
		return "The main window cannot be closed."
	case errors.Is(err, contexts.ErrNoPreviousContext):
		return "There is no previous window to return to."
	case errors.Is(err, contexts.ErrNoCurrentContext):
		return "There is no active window."
	case errors.Is(err, contexts.ErrSwitchFailed):
		return "Could not switch windows; the window may have been closed."
	case errors.Is(err, contexts.ErrReset):
		return "Waiting for a window was interrupted by a reset."
	case errors.Is(err, schemas.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timed out: " + firstLine(err)
	case errors.Is(err, schemas.ErrHostDelivery):
		return "The window could not be reached; it may have been closed."
	case errors.Is(err, messaging.ErrActionFailed):
		return "The page reported an error: " + firstLine(err)
	}
	return firstLine(err)
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
