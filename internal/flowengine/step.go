package flowengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// errStepSettled stops the retry loop once a step has reached a final
// status. It never escapes executeStep.
var errStepSettled = errors.New("step settled")

// errStepDeclined is wrapped as retryable when a handler returns false.
var errStepDeclined = errors.New("step declined")

// executeStep runs one forward step to its final status.
//
// It returns true when the step reached COMPLETED. A false result with a nil
// error means the step failed or was blocked, and the caller must roll back.
// The error is set only for store failures.
//
// Retry semantics: a handler returning false is retried while RetryCount <
// MaxRetries, with exponential backoff between attempts. A handler error is
// a hard failure and is not retried. A step whose dependency has not
// completed stays PENDING and consumes no retry.
func (e *Engine) executeStep(ctx context.Context, parent zerolog.Logger, a *Activation, step *ActivationStep) (bool, error) {
	logger := stepLogger(parent, step)

	if err := ctx.Err(); err != nil {
		return false, e.failStep(ctx, logger, a, step, err.Error())
	}

	if step.DependsOnStepID != nil {
		dep, err := e.store.GetStep(ctx, *step.DependsOnStepID)
		if err != nil && !errors.Is(err, ErrStepNotFound) {
			return false, err
		}
		if dep == nil || dep.Status != StepCompleted {
			details := Metadata{"depends_on_step_id": *step.DependsOnStepID}
			if dep != nil {
				details["dependency_name"] = dep.Name
				details["dependency_status"] = string(dep.Status)
			}
			e.audit(ctx, logger, a, step, LevelWarning,
				fmt.Sprintf("Step %s blocked: %v", step.Name, ErrDependencyNotMet), details)
			return false, nil
		}
	}

	if err := e.startAttempt(ctx, logger, a, step); err != nil {
		return false, err
	}

	handler, ok := e.registry.Handler(step.Name)
	if !ok {
		return false, e.failStep(ctx, logger, a, step, fmt.Sprintf("%s: %s", ErrNoHandler, step.Name))
	}

	var (
		completed bool
		storeErr  error
	)
	runErr := retry.Do(ctx, e.backoff(step.MaxRetries), func(ctx context.Context) error {
		if step.Status != StepInProgress {
			if err := e.startAttempt(ctx, logger, a, step); err != nil {
				storeErr = err
				return err
			}
		}

		ok, err := invokeHandler(ctx, handler, step, a.Metadata)
		switch {
		case err != nil:
			storeErr = e.failStep(ctx, logger, a, step, err.Error())
			return errStepSettled

		case ok:
			storeErr = e.completeStep(ctx, logger, a, step)
			if storeErr == nil {
				completed = true
			}
			return errStepSettled

		case ctx.Err() != nil:
			storeErr = e.failStep(ctx, logger, a, step, ctx.Err().Error())
			return errStepSettled

		case step.RetryCount < step.MaxRetries:
			step.RetryCount++
			step.Status = StepPending
			if err := e.store.UpdateStep(ctx, step); err != nil {
				storeErr = err
				return err
			}
			e.audit(ctx, logger, a, step, LevelWarning,
				fmt.Sprintf("Step %s declined, retrying (attempt %d/%d)", step.Name, step.RetryCount, step.MaxRetries),
				Metadata{"retry_count": step.RetryCount, "max_retries": step.MaxRetries})
			return retry.RetryableError(errStepDeclined)

		default:
			storeErr = e.failStep(ctx, logger, a, step, ErrRetriesExhausted.Error())
			return errStepSettled
		}
	})

	if storeErr != nil {
		return false, storeErr
	}
	if runErr != nil && !errors.Is(runErr, errStepSettled) {
		// Context done while waiting to retry.
		return false, e.failStep(ctx, logger, a, step, runErr.Error())
	}
	return completed, nil
}

// stepLogger tags parent with the step's identity.
func stepLogger(parent zerolog.Logger, step *ActivationStep) zerolog.Logger {
	return parent.With().
		Str("step_id", step.ID).
		Str("step_name", step.Name).
		Int("order_index", step.OrderIndex).
		Logger()
}

// startAttempt moves a step to IN_PROGRESS and records the attempt.
func (e *Engine) startAttempt(ctx context.Context, logger zerolog.Logger, a *Activation, step *ActivationStep) error {
	now := e.now()
	step.Status = StepInProgress
	step.StartedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	e.audit(ctx, logger, a, step, LevelInfo,
		fmt.Sprintf("Starting step %s (attempt %d)", step.Name, step.RetryCount+1),
		Metadata{"retry_count": step.RetryCount})
	return nil
}

func (e *Engine) completeStep(ctx context.Context, logger zerolog.Logger, a *Activation, step *ActivationStep) error {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	now := e.now()
	step.Status = StepCompleted
	step.CompletedAt = &now
	step.ErrorMessage = nil
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	e.audit(ctx, logger, a, step, LevelInfo, fmt.Sprintf("Step %s completed", step.Name), nil)
	return nil
}

// failStep records a step failure. It is also reached after ctx is done, so
// it writes through settleContext.
func (e *Engine) failStep(ctx context.Context, logger zerolog.Logger, a *Activation, step *ActivationStep, reason string) error {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	step.Status = StepFailed
	step.ErrorMessage = &reason
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	e.audit(ctx, logger, a, step, LevelError,
		fmt.Sprintf("Step %s failed: %s", step.Name, reason),
		Metadata{"error": reason, "retry_count": step.RetryCount})
	return nil
}

// backoff returns the wait policy between declined attempts of one step.
func (e *Engine) backoff(maxRetries int) retry.Backoff {
	var b retry.Backoff
	if e.config.RetryInitialInterval <= 0 {
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	} else {
		b = retry.NewExponential(e.config.RetryInitialInterval)
		if e.config.RetryMaxInterval > 0 {
			b = retry.WithCappedDuration(e.config.RetryMaxInterval, b)
		}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), b)
}

// invokeHandler calls a handler, converting a panic into an error.
func invokeHandler(ctx context.Context, fn HandlerFunc, step *ActivationStep, metadata Metadata) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, step, metadata)
}
