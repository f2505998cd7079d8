package flowengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// settleTimeout bounds the writes and compensations that record an
// activation's outcome after the caller's context is done.
const settleTimeout = 5 * time.Minute

// DefaultEngineConfig returns engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RetryInitialInterval: 1 * time.Second,
		RetryMaxInterval:     30 * time.Second,
		LeaseDuration:        10 * time.Minute,
		NodeID:               resolveNodeID(),
	}
}

// EngineConfig holds tunable parameters for the Engine.
type EngineConfig struct {
	// RetryInitialInterval is the delay before the first retry of a declined
	// step. It doubles on every further retry. Zero disables the delay.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the exponential backoff delay.
	RetryMaxInterval time.Duration

	// LeaseDuration is how long an execution lease is held before another
	// process may take over the activation.
	LeaseDuration time.Duration

	// NodeID identifies this process as lease owner.
	NodeID string
}

// PrerequisiteChecker is the eligibility gate run before any step executes.
type PrerequisiteChecker interface {
	CheckPrerequisites(ctx context.Context, a *Activation) (PrerequisiteCheckResult, error)
}

// PrerequisiteCheckerFunc adapts a function to PrerequisiteChecker.
type PrerequisiteCheckerFunc func(ctx context.Context, a *Activation) (PrerequisiteCheckResult, error)

// CheckPrerequisites implements PrerequisiteChecker.
func (f PrerequisiteCheckerFunc) CheckPrerequisites(ctx context.Context, a *Activation) (PrerequisiteCheckResult, error) {
	return f(ctx, a)
}

// PaymentVerifier confirms payment before any step executes.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, a *Activation) (bool, error)
}

// PaymentVerifierFunc adapts a function to PaymentVerifier.
type PaymentVerifierFunc func(ctx context.Context, a *Activation) (bool, error)

// VerifyPayment implements PaymentVerifier.
func (f PaymentVerifierFunc) VerifyPayment(ctx context.Context, a *Activation) (bool, error) {
	return f(ctx, a)
}

// AlwaysEligible passes every prerequisite check.
var AlwaysEligible = PrerequisiteCheckerFunc(func(context.Context, *Activation) (PrerequisiteCheckResult, error) {
	return PrerequisiteCheckResult{Passed: true, Message: "All prerequisites met"}, nil
})

// AlwaysPaid accepts every payment verification.
var AlwaysPaid = PaymentVerifierFunc(func(context.Context, *Activation) (bool, error) {
	return true, nil
})

// TerminalHook is called after an activation reaches a terminal status.
// Hooks run in their own goroutine; panics are recovered and logged.
type TerminalHook func(ctx context.Context, a Activation)

// Option customises an Engine.
type Option func(*Engine)

// WithPrerequisiteChecker sets the eligibility gate. Defaults to AlwaysEligible.
func WithPrerequisiteChecker(c PrerequisiteChecker) Option {
	return func(e *Engine) { e.prereqs = c }
}

// WithPaymentVerifier sets the payment gate. Defaults to AlwaysPaid.
func WithPaymentVerifier(v PaymentVerifier) Option {
	return func(e *Engine) { e.payments = v }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine walks an activation's forward plan, retrying declined steps and
// rolling back completed steps on permanent failure. It holds no persistent
// state of its own: everything lives in the Store.
//
// Thread-safety: ExecuteWorkflow is safe for concurrent use. Calls for the
// same activation are serialised by an in-process lock and a store lease;
// the loser gets ErrActivationLocked.
type Engine struct {
	store    Store
	registry *Registry
	prereqs  PrerequisiteChecker
	payments PaymentVerifier
	config   EngineConfig
	locks    *activationLocks
	hooks    []TerminalHook
	now      func() time.Time
}

// NewEngine creates an engine over the given store and handler registry.
func NewEngine(store Store, registry *Registry, config EngineConfig, opts ...Option) *Engine {
	if config.NodeID == "" {
		config.NodeID = resolveNodeID()
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = DefaultEngineConfig().LeaseDuration
	}

	e := &Engine{
		store:    store,
		registry: registry,
		prereqs:  AlwaysEligible,
		payments: AlwaysPaid,
		config:   config,
		locks:    newActivationLocks(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnTerminal registers a hook fired when an activation reaches COMPLETED,
// FAILED, ROLLBACK_COMPLETED or ROLLBACK_FAILED. Register hooks before the
// first execution; not safe for concurrent use.
func (e *Engine) OnTerminal(hook TerminalHook) {
	e.hooks = append(e.hooks, hook)
}

// NodeID returns the lease owner identity of this engine.
func (e *Engine) NodeID() string {
	return e.config.NodeID
}

// ExecuteWorkflow runs an activation's workflow to a terminal decision.
//
// It returns true only when every forward step completed. Business failures
// (prerequisites, payment, step failure followed by rollback) return false
// with a nil error and are fully described by the audit log. A non-nil error
// is returned only for a missing activation, a concurrent execution
// (ErrActivationLocked), a non-PENDING activation (ErrInvalidState) or a
// store failure.
func (e *Engine) ExecuteWorkflow(ctx context.Context, activationID string) (bool, error) {
	logger := log.With().Str("activation_id", activationID).Logger()

	release, err := e.acquire(ctx, activationID)
	if err != nil {
		if errors.Is(err, ErrActivationNotFound) {
			logger.Error().Msg("Activation not found")
		} else {
			logger.Warn().Err(err).Msg("Could not acquire activation lock")
		}
		return false, err
	}
	defer release()

	a, err := e.store.GetActivation(ctx, activationID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load activation")
		return false, err
	}
	logger = logger.With().Int64("customer_id", a.CustomerID).Int64("service_id", a.ServiceID).Logger()

	from := a.Status
	if err := Fire(ctx, a, TriggerStart); err != nil {
		e.audit(ctx, logger, a, nil, LevelWarning,
			fmt.Sprintf("Activation cannot start from status %s", from), nil)
		return false, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := e.saveActivation(ctx, a); err != nil {
		logger.Error().Err(err).Msg("Failed to persist IN_PROGRESS status")
		return false, err
	}
	e.audit(ctx, logger, a, nil, LevelInfo, "Activation workflow started",
		Metadata{"from_status": string(from), "to_status": string(a.Status)})

	if !a.PrerequisitesChecked {
		result, checkErr := e.prereqs.CheckPrerequisites(ctx, a)
		if checkErr != nil || !result.Passed {
			msg := result.Message
			if checkErr != nil {
				msg = checkErr.Error()
			}
			return false, e.failActivation(ctx, logger, a, "Prerequisite check failed: "+msg)
		}
		a.PrerequisitesChecked = true
		if err := e.saveActivation(ctx, a); err != nil {
			return false, err
		}
		e.audit(ctx, logger, a, nil, LevelInfo, "Prerequisites check passed",
			Metadata{"message": result.Message})
	}

	if !a.PaymentVerified {
		paid, payErr := e.payments.VerifyPayment(ctx, a)
		if payErr != nil || !paid {
			msg := "payment not confirmed"
			if payErr != nil {
				msg = payErr.Error()
			}
			return false, e.failActivation(ctx, logger, a, "Payment verification failed: "+msg)
		}
		a.PaymentVerified = true
		if err := e.saveActivation(ctx, a); err != nil {
			return false, err
		}
		e.audit(ctx, logger, a, nil, LevelInfo, "Payment verified", nil)
	}

	steps, err := e.store.ListSteps(ctx, a.ID, ForwardSteps())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load activation steps")
		return false, err
	}

	for i := range steps {
		step := &steps[i]
		ok, err := e.executeStep(ctx, logger, a, step)
		if err != nil {
			logger.Error().Err(err).Str("step_name", step.Name).Msg("Store failure during step execution")
			return false, err
		}
		if !ok {
			logger.Error().
				Int("order_index", step.OrderIndex).
				Str("step_name", step.Name).
				Msg("Step failed, initiating rollback")
			rbCtx, cancel := settleContext(ctx)
			defer cancel()
			if _, err := e.rollback(rbCtx, logger, a); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	ctx, cancel := settleContext(ctx)
	defer cancel()
	if err := Fire(ctx, a, TriggerComplete); err != nil {
		return false, err
	}
	completedAt := e.now()
	a.CompletedAt = &completedAt
	if err := e.saveActivation(ctx, a); err != nil {
		logger.Error().Err(err).Msg("Failed to mark activation completed")
		return false, err
	}
	e.audit(ctx, logger, a, nil, LevelInfo, "Activation completed successfully",
		Metadata{"steps": len(steps)})
	e.fireTerminalHooks(a)

	return true, nil
}

// failActivation moves an activation that never ran a step to FAILED.
// Nothing has been done yet, so no rollback is attempted.
func (e *Engine) failActivation(ctx context.Context, logger zerolog.Logger, a *Activation, reason string) error {
	ctx, cancel := settleContext(ctx)
	defer cancel()
	if err := Fire(ctx, a, TriggerFail); err != nil {
		return err
	}
	if err := e.saveActivation(ctx, a); err != nil {
		logger.Error().Err(err).Msg("Failed to mark activation failed")
		return err
	}
	e.audit(ctx, logger, a, nil, LevelError, reason, nil)
	e.fireTerminalHooks(a)
	return nil
}

// settleContext returns ctx while it is live. Once ctx is done it returns a
// detached context bounded by settleTimeout, so the outcome is still
// persisted and completed steps are still compensated.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (e *Engine) saveActivation(ctx context.Context, a *Activation) error {
	a.UpdatedAt = e.now()
	return e.store.UpdateActivation(ctx, a)
}

// audit appends an ActivationLog entry and mirrors it to the process log.
// Audit writes are best-effort: a failed append is logged, not propagated.
// For step entries, logger is expected to carry the step fields already.
func (e *Engine) audit(ctx context.Context, logger zerolog.Logger, a *Activation, step *ActivationStep, level LogLevel, msg string, details Metadata) {
	entry := &ActivationLog{
		ActivationID: a.ID,
		Level:        level,
		Message:      msg,
		Details:      details,
		CreatedAt:    e.now(),
	}

	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = logger.Debug()
	case LevelWarning:
		ev = logger.Warn()
	case LevelError:
		ev = logger.Error()
	default:
		ev = logger.Info()
	}
	if step != nil {
		stepID := step.ID
		entry.StepID = &stepID
	}
	ev.Str("status", string(a.Status)).Fields(map[string]any(details)).Msg(msg)

	if err := e.store.AppendLog(ctx, entry); err != nil {
		logger.Error().Err(err).Str("message", msg).Msg("Failed to append activation log")
	}
}

func (e *Engine) fireTerminalHooks(a *Activation) {
	if len(e.hooks) == 0 {
		return
	}
	snapshot := *a
	snapshot.Metadata = a.Metadata.Clone()

	for _, hook := range e.hooks {
		go func(hook TerminalHook) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("activation_id", snapshot.ID).
						Msg("Terminal hook panicked")
				}
			}()
			hook(context.Background(), snapshot)
		}(hook)
	}
}
