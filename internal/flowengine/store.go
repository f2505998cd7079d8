package flowengine

import (
	"context"
	"time"
)

// StepQuery filters and orders a step listing.
type StepQuery struct {
	// Status restricts the listing to one step status. Empty matches all.
	Status StepStatus
	// Rollback restricts the listing to the forward (false) or rollback (true)
	// plan. Nil matches both.
	Rollback *bool
	// Descending orders by order index descending instead of ascending.
	Descending bool
}

// ForwardSteps matches the forward plan in execution order.
func ForwardSteps() StepQuery {
	f := false
	return StepQuery{Rollback: &f}
}

// CompletedForwardStepsReversed matches completed forward steps in rollback order.
func CompletedForwardStepsReversed() StepQuery {
	f := false
	return StepQuery{Status: StepCompleted, Rollback: &f, Descending: true}
}

// Matches reports whether a step satisfies the query's filters.
func (q StepQuery) Matches(step *ActivationStep) bool {
	if q.Status != "" && step.Status != q.Status {
		return false
	}
	if q.Rollback != nil && step.IsRollbackStep != *q.Rollback {
		return false
	}
	return true
}

// Store persists the activation aggregate: the activation header, its ordered
// steps and its audit log. Every write is committed before it returns.
type Store interface {
	// CreateActivation inserts an activation together with its steps atomically.
	CreateActivation(ctx context.Context, a *Activation, steps []ActivationStep) error
	// GetActivation returns ErrActivationNotFound if the ID doesn't exist.
	GetActivation(ctx context.Context, id string) (*Activation, error)
	// UpdateActivation writes status, flags, metadata and timestamps.
	UpdateActivation(ctx context.Context, a *Activation) error
	// DeleteActivation removes the activation with its steps and logs.
	DeleteActivation(ctx context.Context, id string) error
	// ListCustomerActivations returns a customer's activations, newest first.
	ListCustomerActivations(ctx context.Context, customerID int64) ([]Activation, error)

	ListSteps(ctx context.Context, activationID string, q StepQuery) ([]ActivationStep, error)
	GetStep(ctx context.Context, id string) (*ActivationStep, error)
	UpdateStep(ctx context.Context, step *ActivationStep) error

	// AppendLog inserts an audit entry and assigns its ID.
	AppendLog(ctx context.Context, entry *ActivationLog) error
	// ListLogs returns an activation's audit entries in insertion order.
	ListLogs(ctx context.Context, activationID string) ([]ActivationLog, error)

	// AcquireLease takes the single-writer lease on an activation. It succeeds
	// if the activation is unleased, the lease expired, or owner already holds it.
	AcquireLease(ctx context.Context, activationID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, activationID, owner string) error
	// ReleaseExpiredLeases clears leases whose deadline has passed.
	ReleaseExpiredLeases(ctx context.Context) (int64, error)
}
