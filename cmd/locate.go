package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

type locateOptions struct {
	strategy string
	hold     time.Duration
	headless bool
	remote   string
}

func newLocateCmd(newSession sessionFactory) *cobra.Command {
	var opts locateOptions

	locateCmd := &cobra.Command{
		Use:   "locate <url> <value>",
		Short: "Open a page and count the elements a locator matches",
		Long: `Opens url in a new tab and runs a locator test against it. Matching elements
are outlined in the page until the highlight TTL expires; use --hold to keep the
browser open long enough to look at them.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("headless") {
				cfg.SetBrowserHeadless(opts.headless)
			}
			if flags.Changed("remote") {
				cfg.SetBrowserRemoteURL(opts.remote)
			}

			loc := schemas.Locator{Strategy: schemas.LocatorStrategy(opts.strategy), Value: args[1]}
			if err := loc.Validate(); err != nil {
				return err
			}
			return locate(cmd.Context(), observability.GetLogger(), cfg, newSession, args[0], loc, opts.hold, cmd.OutOrStdout())
		},
	}
	locateCmd.Flags().StringVarP(&opts.strategy, "strategy", "s", string(schemas.StrategyCSS), "Locator strategy (css, xpath, id, name, className, tagName, text)")
	locateCmd.Flags().DurationVar(&opts.hold, "hold", 0, "Keep the browser open this long after the test")
	locateCmd.Flags().BoolVar(&opts.headless, "headless", false, "Run the browser without a window")
	locateCmd.Flags().StringVar(&opts.remote, "remote", "", "DevTools websocket URL of a running browser")
	return locateCmd
}

func locate(ctx context.Context, logger *zap.Logger, cfg config.Interface, newSession sessionFactory, url string, loc schemas.Locator, hold time.Duration, w io.Writer) error {
	sess, err := newSession(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to start browser session: %w", err)
	}
	defer func() {
		if err := sess.close(); err != nil {
			logger.Warn("Failed to close browser session", zap.Error(err))
		}
	}()

	waiter := sess.tracker.WaitForNewContext(0)
	if err := sess.host.Open(ctx, url); err != nil {
		waiter.Cancel()
		return fmt.Errorf("failed to open %s: %w", url, err)
	}
	id, err := waiter.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for the new tab: %w", err)
	}
	if _, err := sess.tracker.WaitUntilReady(ctx, id, 0); err != nil {
		return err
	}
	if !sess.messenger.EnsureExecutorReady(ctx, id) {
		return fmt.Errorf("%w: context %s", messaging.ErrExecutorUnavailable, id)
	}

	count, err := sess.messenger.TestLocator(ctx, id, loc, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d element(s) match %s on %s\n", count, loc, url)

	if hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		}
	}
	return nil
}
