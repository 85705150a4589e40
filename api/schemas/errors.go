package schemas

import "errors"

// Error classes shared across components. Components wrap these with %w so callers
// can classify with errors.Is.
var (
	// ErrTimeout means a bounded wait elapsed. The remote side may still be alive.
	ErrTimeout = errors.New("timed out")
	// ErrHostDelivery means the host could not reach the context at all, usually
	// because it is gone or its page does not accept scripts.
	ErrHostDelivery = errors.New("host delivery failed")
)
