package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/coordinator"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type runOptions struct {
	name       string
	headless   bool
	remoteURL  string
	stepDelay  time.Duration
	reportPath string
	noSave     bool
}

// runError ends the run command. Its message is the user-facing description.
type runError struct {
	phase schemas.RunPhase
	err   error
}

func (e *runError) Error() string {
	return fmt.Sprintf("run %s: %s", e.phase, coordinator.Describe(e.err))
}

func (e *runError) Unwrap() error { return e.err }

func newRunCmd(newSession sessionFactory, openStore storeOpener) *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run <sequence.json>",
		Short: "Replay a step sequence in the browser",
		Long: `Loads a sequence exported by the recorder, launches (or attaches to) a browser
and executes the steps in order. Progress is written to stderr and a result
table to stdout. Ctrl-C cancels the run at the next step boundary.`,
		Args: cobra.ExactArgs(1),
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
				cfg.SetBrowserRemoteURL(opts.remoteURL)
			}
			if flags.Changed("step-delay") {
				cfg.SetCoordinatorStepDelay(opts.stepDelay)
			}

			seq, err := readSequence(args[0])
			if err != nil {
				return err
			}
			if err := schemas.ValidateSteps(seq.Steps); err != nil {
				return fmt.Errorf("invalid sequence %s: %w", args[0], err)
			}
			if opts.name == "" {
				base := filepath.Base(args[0])
				opts.name = strings.TrimSuffix(base, filepath.Ext(base))
			}

			return runSequence(cmd.Context(), observability.GetLogger(), cfg, seq.Steps, opts,
				newSession, openStore, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	runCmd.Flags().StringVarP(&opts.name, "name", "n", "", "Name recorded in run history (default: file name)")
	runCmd.Flags().BoolVar(&opts.headless, "headless", false, "Run the browser without a window")
	runCmd.Flags().StringVar(&opts.remoteURL, "remote", "", "DevTools websocket URL of a running browser")
	runCmd.Flags().DurationVar(&opts.stepDelay, "step-delay", 0, "Pause between top-level steps")
	runCmd.Flags().StringVarP(&opts.reportPath, "report", "o", "", "Write the JSON run report to this file")
	runCmd.Flags().BoolVar(&opts.noSave, "no-save", false, "Do not record the run in history")
	return runCmd
}

// runSequence executes steps in a fresh session and prints the outcome.
func runSequence(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	steps []schemas.Step,
	opts runOptions,
	newSession sessionFactory,
	openStore storeOpener,
	stdout, stderr io.Writer,
) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The session outlives a signal so the run can end as cancelled.
	sess, err := newSession(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to start browser session: %w", err)
	}
	defer func() {
		if err := sess.close(); err != nil {
			logger.Warn("Failed to close browser session", zap.Error(err))
		}
	}()

	statuses := make(chan coordinator.Status, 64)
	coord := coordinator.New(logger, sess.tracker, sess.host, sess.messenger, cfg.Coordinator(),
		coordinator.WithStatusFunc(func(s coordinator.Status) {
			select {
			case statuses <- s:
			default:
			}
		}),
	)
	events, unsubscribe := sess.tracker.Subscribe(32)
	defer unsubscribe()

	var (
		report *schemas.RunReport
		runErr error
	)
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(done)
		report, runErr = coord.Run(gctx, steps)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case s := <-statuses:
				printStatus(stderr, s)
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				logger.Debug("Context event",
					zap.String("event", string(ev.Type)),
					zap.String(observability.FieldContextID, ev.ContextID),
					zap.Int("depth", ev.Depth))
			case <-done:
				for {
					select {
					case s := <-statuses:
						printStatus(stderr, s)
					default:
						return nil
					}
				}
			}
		}
	})

	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			select {
			case <-done:
				return nil
			default:
			}
			fmt.Fprintln(stderr, "Cancelling run...")
			if err := coord.Cancel(); err != nil && !errors.Is(err, coordinator.ErrNoRun) {
				return err
			}
		case <-done:
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if report == nil {
		return fmt.Errorf("run produced no report: %w", runErr)
	}

	printReport(stdout, report)
	if opts.reportPath != "" {
		if err := writeReport(opts.reportPath, report); err != nil {
			return err
		}
	}
	if !opts.noSave {
		saveReport(ctx, logger, cfg, openStore, opts.name, report)
	}

	if runErr != nil {
		return &runError{phase: report.Phase, err: runErr}
	}
	return nil
}

// saveReport records the run in history. Failures are logged and do not fail
// the run.
func saveReport(ctx context.Context, logger *zap.Logger, cfg config.Interface, openStore storeOpener, name string, report *schemas.RunReport) {
	st, err := openStore(ctx, logger, cfg)
	if errors.Is(err, errNoDatabase) {
		logger.Debug("Run history disabled; report not saved")
		return
	}
	if err != nil {
		logger.Warn("Could not open run history", zap.Error(err))
		return
	}
	defer st.Close()

	if err := st.SaveReport(ctx, name, report); err != nil {
		logger.Warn("Could not save run report", zap.String(observability.FieldRunID, report.RunID), zap.Error(err))
		return
	}
	logger.Info("Run saved to history", zap.String(observability.FieldRunID, report.RunID))
}

func printStatus(w io.Writer, s coordinator.Status) {
	if s.Total > 0 && !s.Phase.Terminal() {
		fmt.Fprintf(w, "[%d/%d] ", s.StepIndex+1, s.Total)
	}
	if s.Message != "" {
		fmt.Fprintln(w, s.Message)
		return
	}
	fmt.Fprintln(w, string(s.Phase))
}

func printReport(w io.Writer, r *schemas.RunReport) {
	elapsed := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(w, "Run %s %s in %s: %d steps, %d failed\n", r.RunID, r.Phase, elapsed, r.Total, r.Failures())
	if r.Error != "" {
		fmt.Fprintf(w, "  %s\n", r.Error)
	}

	if len(r.Results) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, res := range r.Results {
			path := res.Path
			if res.Iteration > 0 {
				path = fmt.Sprintf("%s#%d", path, res.Iteration)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
				outcomeLabel(res.Outcome), path, res.Kind, res.ContextID,
				res.Duration.Round(time.Millisecond), res.Error)
		}
		tw.Flush()
	}

	if len(r.Variables) > 0 {
		fmt.Fprintln(w, "Variables:")
		keys := make([]string, 0, len(r.Variables))
		for k := range r.Variables {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", k, r.Variables[k])
		}
	}
}

func outcomeLabel(o schemas.StepOutcome) string {
	switch o {
	case schemas.OutcomePassed:
		return "PASS"
	case schemas.OutcomeFailed:
		return "FAIL"
	case schemas.OutcomeSkipped:
		return "SKIP"
	}
	return strings.ToUpper(string(o))
}

func writeReport(path string, r *schemas.RunReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}
	return nil
}
