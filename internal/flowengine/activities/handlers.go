package activities

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
	"github.com/DotmacTech/isp-management-main-sub004/internal/provisioning"
)

// RollbackNotice is the reason sent to the customer when an activation is undone.
const RollbackNotice = "service activation could not be completed and has been rolled back"

// Handlers implements ActivationSteps over provisioning collaborators.
type Handlers struct {
	c provisioning.Collaborators
}

var _ ActivationSteps = (*Handlers)(nil)

// NewHandlers creates the built-in handlers.
func NewHandlers(c provisioning.Collaborators) *Handlers {
	return &Handlers{c: c}
}

func (h *Handlers) VerifyPayment(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	s := SubscriberFromMetadata(md)
	paid, err := h.c.Billing.VerifyPayment(ctx, s)
	if err != nil {
		return outcome(step, err)
	}
	if !paid {
		log.Info().Str("activation_id", s.ActivationID).Msg("Payment not confirmed yet")
	}
	return paid, nil
}

func (h *Handlers) RefundPayment(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Billing.Refund(ctx, SubscriberFromMetadata(md)))
}

func (h *Handlers) CreateRadiusAccount(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	account, err := h.c.Radius.CreateAccount(ctx, SubscriberFromMetadata(md))
	if err != nil {
		return outcome(step, err)
	}
	if account.Username != "" {
		md[MetaRadiusUsername] = account.Username
	}
	return true, nil
}

func (h *Handlers) RemoveRadiusAccount(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Radius.RemoveAccount(ctx, SubscriberFromMetadata(md)))
}

func (h *Handlers) ConfigureNAS(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Network.ApplyNASConfig(ctx, SubscriberFromMetadata(md)))
}

func (h *Handlers) RemoveNASConfig(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Network.RemoveNASConfig(ctx, SubscriberFromMetadata(md)))
}

func (h *Handlers) ProvisionService(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Services.Provision(ctx, SubscriberFromMetadata(md)))
}

func (h *Handlers) DeprovisionService(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Services.Deprovision(ctx, SubscriberFromMetadata(md)))
}

func (h *Handlers) UpdateCustomerStatus(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Customers.SetStatus(ctx, md.Int64(MetaCustomerID), provisioning.CustomerStatusActive))
}

func (h *Handlers) RevertCustomerStatus(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Customers.SetStatus(ctx, md.Int64(MetaCustomerID), provisioning.CustomerStatusPending))
}

func (h *Handlers) NotifyCustomer(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Notifier.NotifyActivated(ctx, SubscriberFromMetadata(md)))
}

func (h *Handlers) NotifyCustomerFailure(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error) {
	return outcome(step, h.c.Notifier.NotifyFailure(ctx, SubscriberFromMetadata(md), RollbackNotice))
}
