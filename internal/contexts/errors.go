package contexts

import "errors"

var (
	// ErrSwitchFailed is returned when the host cannot activate a context.
	ErrSwitchFailed = errors.New("context switch failed")
	// ErrCannotCloseMain is returned when the current context is the main one.
	ErrCannotCloseMain = errors.New("cannot close the main context")
	// ErrNoPreviousContext is returned when nothing sits below the current context.
	ErrNoPreviousContext = errors.New("no previous context to return to")
	// ErrNoCurrentContext is returned when the tracker has no current context.
	ErrNoCurrentContext = errors.New("no current context")
	// ErrReset settles waiters that were outstanding when the tracker was reset.
	ErrReset = errors.New("tracker reset")
)
