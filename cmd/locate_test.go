package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

func TestLocate(t *testing.T) {
	ctx := context.Background()

	t.Run("should open the page and report the match count", func(t *testing.T) {
		sess := newFakeSession()
		sess.host.On("Open", mock.Anything, "https://shop.test/").Return(nil).Once()
		sess.host.SetOnOpen(func(string) { sess.tracker.OnContextCreated("tab-2") })
		sess.host.On("Lookup", mock.Anything, "tab-2").
			Return(schemas.ContextInfo{ID: "tab-2", State: schemas.ContextReady, URL: "https://shop.test/"}, nil)
		sess.messenger.On("TestLocator", mock.Anything, "tab-2", css(".product"), time.Duration(0)).Return(3, nil).Once()

		var out bytes.Buffer
		err := locate(ctx, zaptest.NewLogger(t), newTestConfig(t), sess.factory(), "https://shop.test/", css(".product"), 0, &out)
		require.NoError(t, err)

		assert.Equal(t, "3 element(s) match css=.product on https://shop.test/\n", out.String())
		assert.Equal(t, 1, sess.closed)
		sess.host.AssertExpectations(t)
		sess.messenger.AssertExpectations(t)
	})

	t.Run("should fail when the page cannot be opened", func(t *testing.T) {
		sess := newFakeSession()
		sess.host.On("Open", mock.Anything, "https://down.test/").Return(errors.New("net::ERR_NAME_NOT_RESOLVED"))

		err := locate(ctx, zaptest.NewLogger(t), newTestConfig(t), sess.factory(), "https://down.test/", css("a"), 0, new(bytes.Buffer))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
		assert.Zero(t, sess.tracker.PendingWaiters())
		assert.Equal(t, 1, sess.closed)
	})

	t.Run("should reject an unknown strategy before starting a browser", func(t *testing.T) {
		sess := newFakeSession()
		cmd := newLocateCmd(sess.factory())
		cmd.SetContext(context.WithValue(ctx, configKey, config.Interface(newTestConfig(t))))
		cmd.SetArgs([]string{"https://shop.test/", "//a", "--strategy", "jquery"})
		cmd.SetOut(new(bytes.Buffer))
		cmd.SetErr(new(bytes.Buffer))

		err := cmd.Execute()
		assert.ErrorIs(t, err, schemas.ErrValidation)
		assert.Zero(t, sess.created)
	})
}
