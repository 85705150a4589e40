package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/contexts"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

// smartWaitMargin is added to the transport timeout of a smartWait so the
// executor's own deadline fires first.
const smartWaitMargin = time.Second

func (c *Coordinator) dispatch(ctx context.Context, st *execState, step schemas.Step, path string, res *schemas.StepResult) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultStepTimeout
	}

	switch p := step.Params.(type) {
	case *schemas.ClickParams:
		_, err := c.remote(ctx, res, schemas.ActionClick, schemas.Payload{Locator: &p.Locator}, timeout)
		return err

	case *schemas.InputParams:
		_, err := c.remote(ctx, res, schemas.ActionInput, schemas.Payload{Locator: &p.Locator, Text: p.Text, Clear: p.Clear}, timeout)
		return err

	case *schemas.ExtractParams:
		reply, err := c.remote(ctx, res, schemas.ActionExtract, schemas.Payload{Locator: &p.Locator, Attribute: p.Attribute}, timeout)
		if err != nil {
			return err
		}
		res.Value = reply.Value
		key := p.Variable
		if key == "" {
			key = step.ID
		}
		c.mu.Lock()
		st.report.Variables[key] = reply.Value
		c.mu.Unlock()
		return nil

	case *schemas.CheckStateParams:
		reply, err := c.remote(ctx, res, schemas.ActionCheckState, schemas.Payload{Locator: &p.Locator, State: p.State}, timeout)
		if err != nil {
			return err
		}
		met := reply.ConditionMet
		res.ConditionMet = &met
		res.Value = reply.ActualValue
		if !met {
			return fmt.Errorf("element %s is not %s", p.Locator, p.State)
		}
		return nil

	case *schemas.DragParams:
		_, err := c.remote(ctx, res, schemas.ActionDrag, schemas.Payload{Locator: &p.Locator, Target: &p.Target}, timeout)
		return err

	case *schemas.SmartWaitParams:
		payload := schemas.Payload{Locator: &p.Locator, TimeoutMs: timeout.Milliseconds(), Visible: p.VisibleOnly}
		_, err := c.remote(ctx, res, schemas.ActionSmartWait, payload, timeout+smartWaitMargin)
		return err

	case *schemas.WaitParams:
		return c.sleep(ctx, p.Duration)

	case *schemas.LoopParams:
		return c.runLoop(ctx, st, p, path)

	case *schemas.ConditionParams:
		return c.runCondition(ctx, st, p, path, res, timeout)

	case *schemas.WindowOpenParams:
		return c.openWindow(ctx, p, res, timeout)

	case *schemas.WindowCloseParams:
		id, err := c.tracker.CloseCurrentAndReturnToPrevious(ctx)
		res.ContextID = id
		return err

	case *schemas.WindowSwitchParams:
		return c.switchWindow(ctx, p, res)

	case *schemas.WindowWaitParams:
		return c.awaitWindow(ctx, c.tracker.WaitForNewContext(p.CreateTimeout), c.tracker.Current(), p.ReadyTimeout, p.SwitchTo, res)
	}
	return fmt.Errorf("%w: unsupported step kind %q", schemas.ErrValidation, step.Kind)
}

// remote sends one executor action to the current context. The call runs to
// completion even if the run is cancelled meanwhile.
func (c *Coordinator) remote(ctx context.Context, res *schemas.StepResult, action schemas.Action, payload schemas.Payload, timeout time.Duration) (schemas.Reply, error) {
	callCtx, id, err := c.readyTarget(ctx, res)
	if err != nil {
		return schemas.Reply{}, err
	}
	return c.messenger.Call(callCtx, id, action, payload, timeout)
}

// readyTarget resolves the current context and makes sure its executor answers.
func (c *Coordinator) readyTarget(ctx context.Context, res *schemas.StepResult) (context.Context, string, error) {
	id := c.tracker.Current()
	res.ContextID = id
	if id == "" {
		return nil, "", contexts.ErrNoCurrentContext
	}
	callCtx := context.WithoutCancel(ctx)
	if !c.messenger.EnsureExecutorReady(callCtx, id) {
		return nil, "", fmt.Errorf("%w: context %s", messaging.ErrExecutorUnavailable, id)
	}
	return callCtx, id, nil
}

func (c *Coordinator) runLoop(ctx context.Context, st *execState, p *schemas.LoopParams, path string) error {
	iterations := max(p.Iterations, 1)
	mode := p.ErrorHandling
	if mode == "" {
		mode = schemas.LoopContinue
	}
	selection := p.Selection()

	var failures int
	for iter := 0; iter < iterations; iter++ {
		for n, idx := range selection {
			if err := c.gate(ctx); err != nil {
				return err
			}
			child := p.Steps[idx]
			err := c.execute(ctx, st, child, fmt.Sprintf("%s.loopSteps[%d]", path, idx), iter)
			if err != nil {
				var stop *errStopRun
				if errors.Is(err, ErrCancelled) || errors.As(err, &stop) {
					return err
				}
				if child.StopOnError {
					return &errStopRun{err: fmt.Errorf("loop child %s failed: %w", child.Label(), err)}
				}
				failures++
				switch mode {
				case schemas.LoopStop:
					return &errStopRun{err: fmt.Errorf("loop child %s failed: %w", child.Label(), err)}
				case schemas.LoopBreak:
					return fmt.Errorf("loop stopped at child %s in iteration %d: %w", child.Label(), iter+1, err)
				}
			}
			last := iter == iterations-1 && n == len(selection)-1
			if !last && c.cfg.StepDelay > 0 {
				if err := c.sleep(ctx, c.cfg.StepDelay); err != nil {
					return err
				}
			}
		}
	}
	if failures > 0 {
		c.logger.Debug("Loop finished with tolerated failures", zap.Int("failures", failures))
	}
	return nil
}

func (c *Coordinator) runCondition(ctx context.Context, st *execState, p *schemas.ConditionParams, path string, res *schemas.StepResult, timeout time.Duration) error {
	cond := p.Condition
	callCtx, id, err := c.readyTarget(ctx, res)
	if err != nil {
		return err
	}
	reply, err := c.messenger.TestCondition(callCtx, id, cond, timeout)
	if err != nil {
		return err
	}
	met := reply.ConditionMet
	res.ConditionMet = &met
	res.Value = reply.ActualValue

	branch, name := p.OnFalse, ".falseSteps"
	if met {
		branch, name = p.OnTrue, ".trueSteps"
	}
	if len(p.OnTrue) == 0 && len(p.OnFalse) == 0 {
		if !met {
			return fmt.Errorf("condition not met: %s %s %q (actual %q)", cond.ConditionType, cond.ComparisonType, cond.ExpectedValue, reply.ActualValue)
		}
		return nil
	}
	if len(branch) == 0 {
		return nil
	}
	return c.executeChildren(ctx, st, branch, path+name, res.Iteration)
}

func (c *Coordinator) openWindow(ctx context.Context, p *schemas.WindowOpenParams, res *schemas.StepResult, timeout time.Duration) error {
	opener := c.tracker.Current()
	// Register before triggering so the creation event cannot be missed.
	waiter := c.tracker.WaitForNewContext(p.CreateTimeout)

	var err error
	if p.Locator != nil {
		_, err = c.remote(ctx, res, schemas.ActionClick, schemas.Payload{Locator: p.Locator}, timeout)
	} else {
		err = c.host.Open(context.WithoutCancel(ctx), p.URL)
	}
	if err != nil {
		waiter.Cancel()
		return fmt.Errorf("failed to trigger new window: %w", err)
	}
	return c.awaitWindow(ctx, waiter, opener, p.ReadyTimeout, p.SwitchTo, res)
}

// awaitWindow resolves a creation waiter, waits for the new context to load and
// then either keeps it active or returns to the opener.
func (c *Coordinator) awaitWindow(ctx context.Context, waiter *contexts.CreationWaiter, opener string, readyTimeout time.Duration, switchTo bool, res *schemas.StepResult) error {
	id, err := waiter.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrCancelled
		}
		return fmt.Errorf("waiting for new window: %w", err)
	}
	res.ContextID = id
	logger := c.logger.With(zap.String(observability.FieldContextID, id))

	info, err := c.tracker.WaitUntilReady(ctx, id, readyTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrCancelled
		}
		return fmt.Errorf("new window %s did not become ready: %w", id, err)
	}
	res.Value = info.URL
	logger.Debug("New window ready", zap.String("url", info.URL))

	target := id
	if !switchTo && opener != "" {
		target = opener
	}
	if err := c.tracker.SwitchTo(context.WithoutCancel(ctx), target); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) switchWindow(ctx context.Context, p *schemas.WindowSwitchParams, res *schemas.StepResult) error {
	stack := c.tracker.Stack()
	var target string

	switch p.Target {
	case schemas.SwitchMain:
		target = c.tracker.Main()
	case schemas.SwitchPrevious:
		prev, ok := c.tracker.Previous()
		if !ok {
			return contexts.ErrNoPreviousContext
		}
		target = prev
	case schemas.SwitchLatest:
		if len(stack) > 0 {
			target = stack[len(stack)-1]
		}
	case schemas.SwitchIndex:
		if p.Index < 0 || p.Index >= len(stack) {
			return fmt.Errorf("%w: window index %d out of range (have %d)", contexts.ErrSwitchFailed, p.Index, len(stack))
		}
		target = stack[p.Index]
	case schemas.SwitchMatch:
		target = c.findWindow(ctx, stack, p.Match)
		if target == "" {
			return fmt.Errorf("%w: no window title or address contains %q", contexts.ErrSwitchFailed, p.Match)
		}
	}
	if target == "" {
		return fmt.Errorf("%w: no window for target %q", contexts.ErrSwitchFailed, p.Target)
	}

	res.ContextID = target
	return c.tracker.SwitchTo(context.WithoutCancel(ctx), target)
}

// findWindow returns the most recent context whose title or address contains
// needle, case-insensitively.
func (c *Coordinator) findWindow(ctx context.Context, stack []string, needle string) string {
	needle = strings.ToLower(needle)
	for _, id := range slices.Backward(stack) {
		info, err := c.host.Lookup(ctx, id)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(info.Title), needle) || strings.Contains(strings.ToLower(info.URL), needle) {
			return id
		}
	}
	return ""
}
