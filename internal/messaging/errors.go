package messaging

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

var (
	// ErrNoReply is returned when a delivered request is not answered in time.
	ErrNoReply = fmt.Errorf("%w: no reply from executor", schemas.ErrTimeout)
	// ErrExecutorUnavailable is returned when the executor could neither be
	// reached nor installed.
	ErrExecutorUnavailable = errors.New("executor unavailable")
	// ErrActionFailed wraps an executor reply with success=false.
	ErrActionFailed = errors.New("executor reported failure")
	// ErrClientClosed settles requests still pending when the client shuts down.
	ErrClientClosed = errors.New("messaging client closed")
)
