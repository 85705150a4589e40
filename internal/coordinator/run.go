package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// errStopRun carries a failure that ends the whole run.
type errStopRun struct{ err error }

func (e *errStopRun) Error() string { return e.err.Error() }
func (e *errStopRun) Unwrap() error { return e.err }

// run is the body of the run goroutine.
func (c *Coordinator) run(ctx context.Context, st *execState) {
	logger := c.logger.With(zap.String(observability.FieldRunID, st.runID))
	defer st.cancel()

	if err := schemas.ValidateSteps(st.steps); err != nil {
		logger.Warn("Sequence failed validation", zap.Error(err))
		c.finish(st, schemas.PhaseFailed, err)
		return
	}

	logger.Info("Run started", zap.Int("steps", st.total))
	c.emit(c.Status())

	for i, step := range st.steps {
		if err := c.gate(ctx); err != nil {
			c.finish(st, schemas.PhaseCancelled, err)
			return
		}
		c.mu.Lock()
		st.index = i
		st.stepID = step.ID
		c.mu.Unlock()

		err := c.execute(ctx, st, step, fmt.Sprintf("steps[%d]", i), 0)
		if errors.Is(err, ErrCancelled) {
			c.finish(st, schemas.PhaseCancelled, err)
			return
		}
		var stop *errStopRun
		if errors.As(err, &stop) || (err != nil && step.StopOnError) {
			c.finish(st, schemas.PhaseFailed, fmt.Errorf("%w: %s: %w", ErrStepFailed, step.Label(), err))
			return
		}

		if i < len(st.steps)-1 && c.cfg.StepDelay > 0 {
			if err := c.sleep(ctx, c.cfg.StepDelay); err != nil {
				c.finish(st, schemas.PhaseCancelled, err)
				return
			}
		}
	}

	c.finish(st, schemas.PhaseCompleted, nil)
}

// finish moves the run into a terminal phase and releases Wait.
func (c *Coordinator) finish(st *execState, phase schemas.RunPhase, err error) {
	c.mu.Lock()
	if st.cancelled && phase == schemas.PhaseCompleted {
		// Cancel arrived after the last check point.
		phase = schemas.PhaseCancelled
		err = ErrCancelled
	}
	st.phase = phase
	st.paused = false
	st.err = err
	st.report.Phase = phase
	st.report.FinishedAt = c.now()
	if err != nil {
		st.report.Error = Describe(err)
	}
	msg := "Run " + string(phase)
	if err != nil {
		msg += ": " + Describe(err)
	}
	status := c.statusLocked(msg)
	failures := st.report.Failures()
	close(st.done)
	c.mu.Unlock()

	c.logger.Info("Run finished",
		zap.String(observability.FieldRunID, st.runID),
		zap.String("phase", string(phase)),
		zap.Int("failures", failures),
		zap.Error(err))
	c.emit(status)
}

// execute runs one step, records its result, and returns the step's error.
func (c *Coordinator) execute(ctx context.Context, st *execState, step schemas.Step, path string, iteration int) error {
	res := schemas.StepResult{
		StepID:    step.ID,
		Kind:      step.Kind,
		Path:      path,
		Iteration: iteration,
		StartedAt: c.now(),
	}
	logger := c.logger.With(
		zap.String(observability.FieldRunID, st.runID),
		zap.String(observability.FieldStepID, step.ID),
		zap.String(observability.FieldKind, string(step.Kind)),
	)
	logger.Debug("Executing step", zap.String("path", path), zap.String("label", step.Label()))

	err := c.dispatch(ctx, st, step, path, &res)
	res.Duration = c.now().Sub(res.StartedAt)

	switch {
	case errors.Is(err, ErrCancelled):
		res.Outcome = schemas.OutcomeSkipped
		res.Error = Describe(err)
	case err != nil:
		res.Outcome = schemas.OutcomeFailed
		res.Error = Describe(err)
		logger.Warn("Step failed", zap.String(observability.FieldContextID, res.ContextID), zap.Error(err))
		c.emit(c.withMessage(fmt.Sprintf("%s failed: %s", step.Label(), res.Error)))
	default:
		res.Outcome = schemas.OutcomePassed
	}

	c.mu.Lock()
	st.report.Results = append(st.report.Results, res)
	c.mu.Unlock()
	return err
}

// executeChildren runs a nested list for condition branches. Children follow
// their own StopOnError; other failures are recorded and skipped over.
func (c *Coordinator) executeChildren(ctx context.Context, st *execState, steps []schemas.Step, path string, iteration int) error {
	var firstErr error
	for i, child := range steps {
		if err := c.gate(ctx); err != nil {
			return err
		}
		err := c.execute(ctx, st, child, fmt.Sprintf("%s[%d]", path, i), iteration)
		if err != nil {
			var stop *errStopRun
			switch {
			case errors.Is(err, ErrCancelled), errors.As(err, &stop):
				return err
			case child.StopOnError:
				return &errStopRun{err: err}
			case firstErr == nil:
				firstErr = err
			}
		}
		if err := c.settle(ctx, i, len(steps)); err != nil {
			return err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("branch had failures: %w", firstErr)
	}
	return nil
}

// settle applies the inter-step delay after child i of n.
func (c *Coordinator) settle(ctx context.Context, i, n int) error {
	if i >= n-1 || c.cfg.StepDelay <= 0 {
		return nil
	}
	return c.sleep(ctx, c.cfg.StepDelay)
}

func (c *Coordinator) withMessage(msg string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(msg)
}
