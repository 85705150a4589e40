package browser

import (
	"context"
)

// combineContext derives a context from primary that is also cancelled when
// secondary ends. Values, including the chromedp target, come from primary
// while the caller's deadline comes from secondary.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
