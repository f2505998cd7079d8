// Package activities provides the built-in activation step handlers. Each
// forward step and its rollback delegate to one provisioning collaborator.
package activities

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
	"github.com/DotmacTech/isp-management-main-sub004/internal/provisioning"
)

// Metadata keys read and written by the handlers.
const (
	MetaActivationID   = "activation_id"
	MetaCustomerID     = "customer_id"
	MetaServiceID      = "service_id"
	MetaTariffID       = "tariff_id"
	MetaServiceType    = "service_type"
	MetaRadiusUsername = "radius_username"
)

// ActivationSteps is the full set of built-in forward and rollback actions.
// Register binds every method, so an implementation cannot leave one out.
type ActivationSteps interface {
	VerifyPayment(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)
	RefundPayment(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)

	CreateRadiusAccount(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)
	RemoveRadiusAccount(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)

	ConfigureNAS(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)
	RemoveNASConfig(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)

	ProvisionService(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)
	DeprovisionService(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)

	UpdateCustomerStatus(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)
	RevertCustomerStatus(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)

	NotifyCustomer(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)
	NotifyCustomerFailure(ctx context.Context, step *flowengine.ActivationStep, md flowengine.Metadata) (bool, error)
}

// Register binds all built-in step kinds to s.
func Register(b *flowengine.RegistryBuilder, s ActivationSteps) *flowengine.RegistryBuilder {
	return b.
		Register(flowengine.StepVerifyPayment, s.VerifyPayment).
		RegisterRollback(flowengine.StepVerifyPayment, s.RefundPayment).
		Register(flowengine.StepCreateRadiusAccount, s.CreateRadiusAccount).
		RegisterRollback(flowengine.StepCreateRadiusAccount, s.RemoveRadiusAccount).
		Register(flowengine.StepConfigureNAS, s.ConfigureNAS).
		RegisterRollback(flowengine.StepConfigureNAS, s.RemoveNASConfig).
		Register(flowengine.StepProvisionService, s.ProvisionService).
		RegisterRollback(flowengine.StepProvisionService, s.DeprovisionService).
		Register(flowengine.StepUpdateCustomerStatus, s.UpdateCustomerStatus).
		RegisterRollback(flowengine.StepUpdateCustomerStatus, s.RevertCustomerStatus).
		Register(flowengine.StepNotifyCustomer, s.NotifyCustomer).
		RegisterRollback(flowengine.StepNotifyCustomer, s.NotifyCustomerFailure)
}

// SubscriberFromMetadata reads the subscriber identity the activation
// service stores in every activation's metadata.
func SubscriberFromMetadata(md flowengine.Metadata) provisioning.Subscriber {
	return provisioning.Subscriber{
		ActivationID: md.String(MetaActivationID),
		CustomerID:   md.Int64(MetaCustomerID),
		ServiceID:    md.Int64(MetaServiceID),
		TariffID:     md.Int64(MetaTariffID),
		ServiceType:  md.String(MetaServiceType),
	}
}

// outcome maps a collaborator error to a handler result. Permanent errors
// fail the step; anything else declines the attempt so the engine retries.
func outcome(step *flowengine.ActivationStep, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if flowengine.IsPermanent(err) {
		return false, err
	}
	log.Warn().
		Err(err).
		Str("step_name", step.Name).
		Int("retry_count", step.RetryCount).
		Msg("Collaborator unavailable, declining attempt")
	return false, nil
}
