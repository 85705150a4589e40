package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineContext(t *testing.T) {
	type ctxKey string
	const key ctxKey = "target"

	t.Run("values come from the tab context", func(t *testing.T) {
		tabCtx := context.WithValue(context.Background(), key, "tab-1")
		callerCtx := context.WithValue(context.Background(), key, "caller")

		combined, cancel := combineContext(tabCtx, callerCtx)
		defer cancel()

		assert.Equal(t, "tab-1", combined.Value(key))
		assert.NoError(t, combined.Err())
	})

	t.Run("closing the tab cancels the call", func(t *testing.T) {
		tabCtx, closeTab := context.WithCancel(context.Background())
		combined, cancel := combineContext(tabCtx, context.Background())
		defer cancel()

		closeTab()
		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("the caller deadline bounds the call", func(t *testing.T) {
		callerCtx, cancelCaller := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancelCaller()

		combined, cancel := combineContext(context.Background(), callerCtx)
		defer cancel()

		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context outlived the caller deadline")
		}
		// The tab context is cancelled, not timed out.
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("cancel releases the caller watch", func(t *testing.T) {
		callerCtx, cancelCaller := context.WithCancel(context.Background())
		defer cancelCaller()

		combined, cancel := combineContext(context.Background(), callerCtx)
		cancel()
		require.ErrorIs(t, combined.Err(), context.Canceled)

		// Ending the caller afterwards must not panic or block.
		cancelCaller()
	})
}
