// Package activation is the entry point for service activations. It creates
// activations with their materialized step plan, starts them on the workflow
// engine and exposes the read and administrative operations on them.
package activation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/activities"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/workflows"
	"github.com/DotmacTech/isp-management-main-sub004/internal/provisioning"
)

// ErrInvalidRequest marks a create or update request that failed validation.
var ErrInvalidRequest = errors.New("invalid activation request")

// alertTimeout bounds the operator alert sent after a failed rollback.
const alertTimeout = 30 * time.Second

// CreateRequest describes a new activation.
type CreateRequest struct {
	CustomerID int64               `json:"customer_id"`
	ServiceID  int64               `json:"service_id"`
	TariffID   int64               `json:"tariff_id"`
	Metadata   flowengine.Metadata `json:"metadata,omitempty"`
}

// Validate checks the identifiers are set.
func (r CreateRequest) Validate() error {
	switch {
	case r.CustomerID <= 0:
		return fmt.Errorf("%w: customer_id must be positive", ErrInvalidRequest)
	case r.ServiceID <= 0:
		return fmt.Errorf("%w: service_id must be positive", ErrInvalidRequest)
	case r.TariffID <= 0:
		return fmt.Errorf("%w: tariff_id must be positive", ErrInvalidRequest)
	}
	return nil
}

// UpdateRequest holds the administratively mutable fields of an activation.
// Nil fields are left unchanged; a non-nil Metadata replaces the stored one.
type UpdateRequest struct {
	Status               *flowengine.ActivationStatus `json:"status,omitempty"`
	PaymentVerified      *bool                        `json:"payment_verified,omitempty"`
	PrerequisitesChecked *bool                        `json:"prerequisites_checked,omitempty"`
	Metadata             flowengine.Metadata          `json:"metadata,omitempty"`
}

// Service manages activations.
type Service struct {
	store    flowengine.Store
	engine   *flowengine.Engine
	catalog  *workflows.Catalog
	prereqs  flowengine.PrerequisiteChecker
	notifier provisioning.Notifier
	newID    func() string
	now      func() time.Time
}

// NewService creates the activation service. The prerequisite checker should
// be the one the engine was built with; a nil checker passes everything.
// When notifier is set, operators are alerted about failed rollbacks.
func NewService(store flowengine.Store, engine *flowengine.Engine, catalog *workflows.Catalog,
	prereqs flowengine.PrerequisiteChecker, notifier provisioning.Notifier) *Service {
	if catalog == nil {
		catalog = workflows.NewCatalog()
	}
	if prereqs == nil {
		prereqs = flowengine.AlwaysEligible
	}

	s := &Service{
		store:    store,
		engine:   engine,
		catalog:  catalog,
		prereqs:  prereqs,
		notifier: notifier,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if notifier != nil {
		engine.OnTerminal(s.alertOnRollbackFailure)
	}
	return s
}

// CreateActivation persists a PENDING activation with the forward and
// rollback steps of the workflow its service resolves to.
func (s *Service) CreateActivation(ctx context.Context, req CreateRequest) (*flowengine.Activation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	a := &flowengine.Activation{
		ID:         s.newID(),
		CustomerID: req.CustomerID,
		ServiceID:  req.ServiceID,
		TariffID:   req.TariffID,
		Status:     flowengine.StatusPending,
		Metadata:   req.Metadata.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if a.Metadata == nil {
		a.Metadata = flowengine.Metadata{}
	}

	def, serviceType := s.catalog.Resolve(a.ServiceID, a.Metadata)
	enrich(a, serviceType)
	steps := def.Materialize(a.ID, s.newID)

	if err := s.store.CreateActivation(ctx, a, steps); err != nil {
		return nil, fmt.Errorf("create activation: %w", err)
	}

	log.Info().
		Str("activation_id", a.ID).
		Int64("customer_id", a.CustomerID).
		Int64("service_id", a.ServiceID).
		Str("service_type", serviceType).
		Int("workflow_version", def.Version).
		Int("steps", len(steps)).
		Msg("Activation created")

	entry := &flowengine.ActivationLog{
		ActivationID: a.ID,
		Level:        flowengine.LevelInfo,
		Message:      "Activation created",
		Details: flowengine.Metadata{
			"service_type":     serviceType,
			"workflow_version": def.Version,
			"forward_steps":    len(def.Steps),
		},
		CreatedAt: now,
	}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("activation_id", a.ID).Msg("Failed to append activation log")
	}
	return a, nil
}

// StartActivation runs a PENDING activation's workflow. Any other status is
// rejected with ErrInvalidState before the engine is involved.
func (s *Service) StartActivation(ctx context.Context, id string) (bool, error) {
	a, err := s.store.GetActivation(ctx, id)
	if err != nil {
		return false, err
	}
	if a.Status != flowengine.StatusPending {
		return false, fmt.Errorf("%w: activation %s is %s", flowengine.ErrInvalidState, id, a.Status)
	}
	return s.engine.ExecuteWorkflow(ctx, id)
}

func (s *Service) GetActivation(ctx context.Context, id string) (*flowengine.Activation, error) {
	return s.store.GetActivation(ctx, id)
}

// UpdateActivation applies an administrative change. A status change must be
// a permitted transition to a settled status: IN_PROGRESS and
// ROLLBACK_IN_PROGRESS are entered only by the engine. An activation whose
// lease is held cannot be updated.
func (s *Service) UpdateActivation(ctx context.Context, id string, req UpdateRequest) (*flowengine.Activation, error) {
	a, err := s.store.GetActivation(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.LockedBy != nil && a.LockedUntil != nil && a.LockedUntil.After(s.now()) {
		return nil, fmt.Errorf("%w: %s", flowengine.ErrActivationLocked, id)
	}

	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, *req.Status)
		}
		if *req.Status != a.Status && engineOnly(*req.Status) {
			return nil, fmt.Errorf("%w: status %s is set only by workflow execution", flowengine.ErrInvalidState, *req.Status)
		}
		if err := flowengine.TransitionTo(ctx, a, *req.Status); err != nil {
			return nil, err
		}
		if a.Status == flowengine.StatusCompleted && a.CompletedAt == nil {
			now := s.now()
			a.CompletedAt = &now
		}
	}
	if req.PaymentVerified != nil {
		a.PaymentVerified = *req.PaymentVerified
	}
	if req.PrerequisitesChecked != nil {
		a.PrerequisitesChecked = *req.PrerequisitesChecked
	}
	if req.Metadata != nil {
		a.Metadata = req.Metadata.Clone()
	}

	a.UpdatedAt = s.now()
	if err := s.store.UpdateActivation(ctx, a); err != nil {
		return nil, fmt.Errorf("update activation: %w", err)
	}
	log.Info().Str("activation_id", a.ID).Str("status", string(a.Status)).Msg("Activation updated")
	return a, nil
}

func engineOnly(status flowengine.ActivationStatus) bool {
	return status == flowengine.StatusInProgress || status == flowengine.StatusRollbackInProgress
}

// DeleteActivation removes an activation with its steps and logs. An
// activation that is executing or rolling back cannot be deleted.
func (s *Service) DeleteActivation(ctx context.Context, id string) error {
	a, err := s.store.GetActivation(ctx, id)
	if err != nil {
		return err
	}
	if engineOnly(a.Status) {
		return fmt.Errorf("%w: activation %s is %s", flowengine.ErrInvalidState, id, a.Status)
	}
	if err := s.store.DeleteActivation(ctx, id); err != nil {
		return err
	}
	log.Info().Str("activation_id", id).Msg("Activation deleted")
	return nil
}

// GetActivationSteps returns the forward plan followed by the rollback plan.
func (s *Service) GetActivationSteps(ctx context.Context, id string) ([]flowengine.ActivationStep, error) {
	if _, err := s.store.GetActivation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, id, flowengine.StepQuery{})
}

// GetCustomerActivations returns a customer's activations, newest first.
func (s *Service) GetCustomerActivations(ctx context.Context, customerID int64) ([]flowengine.Activation, error) {
	return s.store.ListCustomerActivations(ctx, customerID)
}

// GetActivationLogs returns the audit trail in insertion order.
func (s *Service) GetActivationLogs(ctx context.Context, id string) ([]flowengine.ActivationLog, error) {
	if _, err := s.store.GetActivation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, id)
}

// CheckPrerequisites runs the eligibility gate without changing the activation.
func (s *Service) CheckPrerequisites(ctx context.Context, id string) (flowengine.PrerequisiteCheckResult, error) {
	a, err := s.store.GetActivation(ctx, id)
	if err != nil {
		return flowengine.PrerequisiteCheckResult{}, err
	}
	return s.prereqs.CheckPrerequisites(ctx, a)
}

func (s *Service) alertOnRollbackFailure(_ context.Context, a flowengine.Activation) {
	if a.Status != flowengine.StatusRollbackFailed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	reason := "rollback failed; manual cleanup required"
	if err := s.notifier.AlertOperators(ctx, subscriberOf(&a), reason); err != nil {
		log.Error().Err(err).Str("activation_id", a.ID).Msg("Failed to alert operators")
		return
	}
	log.Warn().Str("activation_id", a.ID).Msg("Operators alerted about failed rollback")
}

// enrich records the identifiers step handlers need in the metadata,
// keeping values the caller supplied.
func enrich(a *flowengine.Activation, serviceType string) {
	defaults := flowengine.Metadata{
		activities.MetaActivationID: a.ID,
		activities.MetaCustomerID:   a.CustomerID,
		activities.MetaServiceID:    a.ServiceID,
		activities.MetaTariffID:     a.TariffID,
		activities.MetaServiceType:  serviceType,
	}
	for k, v := range defaults {
		if _, ok := a.Metadata[k]; !ok {
			a.Metadata[k] = v
		}
	}
}

func subscriberOf(a *flowengine.Activation) provisioning.Subscriber {
	return provisioning.Subscriber{
		ActivationID: a.ID,
		CustomerID:   a.CustomerID,
		ServiceID:    a.ServiceID,
		TariffID:     a.TariffID,
		ServiceType:  a.Metadata.String(activities.MetaServiceType),
	}
}
