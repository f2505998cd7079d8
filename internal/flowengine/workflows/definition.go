// Package workflows holds the activation workflow definitions: the per
// service-type templates that are materialized into step rows when an
// activation is created.
package workflows

import (
	"errors"
	"fmt"
	"sort"

	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
)

const (
	// DefaultServiceType is used when a service has no mapped type.
	DefaultServiceType = "default"
	// DefaultVersion is the current version of the built-in definition.
	DefaultVersion = 1
	// DefaultMaxRetries applies to steps that don't set max_retries.
	DefaultMaxRetries = 3
)

// StepSpec describes one step in a Definition.
type StepSpec struct {
	// Name must match a registered handler.
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	// MaxRetries is how often a declined attempt is retried. Nil uses DefaultMaxRetries.
	MaxRetries *int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	// DependsOn names an earlier step that must be COMPLETED first.
	// Empty means the immediately preceding step.
	DependsOn string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Retries returns the effective retry limit.
func (s StepSpec) Retries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

// Definition is the template of forward and rollback steps for a service type.
// It is never persisted; only the steps it materializes are.
type Definition struct {
	ServiceType   string     `yaml:"service_type" json:"service_type"`
	Version       int        `yaml:"version" json:"version"`
	Steps         []StepSpec `yaml:"steps" json:"steps"`
	RollbackSteps []StepSpec `yaml:"rollback_steps,omitempty" json:"rollback_steps,omitempty"`
}

// Default returns the six-step definition used for every service type that
// has no definition of its own.
func Default() Definition {
	return Definition{
		ServiceType: DefaultServiceType,
		Version:     DefaultVersion,
		Steps: []StepSpec{
			{Name: string(flowengine.StepVerifyPayment), Description: "Verify customer payment"},
			{Name: string(flowengine.StepCreateRadiusAccount), Description: "Create RADIUS authentication account"},
			{Name: string(flowengine.StepConfigureNAS), Description: "Configure NAS for the subscriber"},
			{Name: string(flowengine.StepProvisionService), Description: "Provision service in inventory"},
			{Name: string(flowengine.StepUpdateCustomerStatus), Description: "Update customer status to active"},
			{Name: string(flowengine.StepNotifyCustomer), Description: "Send activation notification to customer"},
		},
	}
}

// Validate checks that the definition can be materialized.
func (d Definition) Validate() error {
	if d.ServiceType == "" {
		return errors.New("workflow definition: service_type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q: at least one step is required", d.ServiceType)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %q: step %d has no name", d.ServiceType, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %q: duplicate step %q", d.ServiceType, s.Name)
		}
		if s.DependsOn != "" && !seen[s.DependsOn] {
			return fmt.Errorf("workflow %q: step %q depends on %q, which is not an earlier step",
				d.ServiceType, s.Name, s.DependsOn)
		}
		if s.MaxRetries != nil && *s.MaxRetries < 0 {
			return fmt.Errorf("workflow %q: step %q has negative max_retries", d.ServiceType, s.Name)
		}
		seen[s.Name] = true
	}
	for i, s := range d.RollbackSteps {
		if s.Name == "" {
			return fmt.Errorf("workflow %q: rollback step %d has no name", d.ServiceType, i)
		}
	}
	return nil
}

// RollbackPlan returns the rollback step specs. Without explicit rollback
// steps, one is derived per forward step, ordered by forward name descending.
func (d Definition) RollbackPlan() []StepSpec {
	if len(d.RollbackSteps) > 0 {
		return d.RollbackSteps
	}

	plan := make([]StepSpec, 0, len(d.Steps))
	for _, s := range d.Steps {
		plan = append(plan, StepSpec{
			Name:        "rollback_" + s.Name,
			Description: "Roll back: " + s.Description,
			MaxRetries:  s.MaxRetries,
		})
	}
	sort.SliceStable(plan, func(i, j int) bool { return plan[i].Name > plan[j].Name })
	return plan
}

// Materialize builds the step rows for an activation. Forward steps get
// order indexes 1..n and a dependency on the preceding (or named) step.
// Rollback rows follow with indexes n+1.. and carry no dependency.
func (d Definition) Materialize(activationID string, newID func() string) []flowengine.ActivationStep {
	rollback := d.RollbackPlan()
	steps := make([]flowengine.ActivationStep, 0, len(d.Steps)+len(rollback))
	ids := make(map[string]string, len(d.Steps))

	for i, spec := range d.Steps {
		step := flowengine.ActivationStep{
			ID:           newID(),
			ActivationID: activationID,
			Name:         spec.Name,
			OrderIndex:   i + 1,
			Description:  spec.Description,
			Status:       flowengine.StepPending,
			MaxRetries:   spec.Retries(),
		}
		switch {
		case spec.DependsOn != "":
			if dep, ok := ids[spec.DependsOn]; ok {
				step.DependsOnStepID = &dep
			}
		case i > 0:
			prev := steps[i-1].ID
			step.DependsOnStepID = &prev
		}
		ids[spec.Name] = step.ID
		steps = append(steps, step)
	}

	for i, spec := range rollback {
		steps = append(steps, flowengine.ActivationStep{
			ID:             newID(),
			ActivationID:   activationID,
			Name:           spec.Name,
			OrderIndex:     len(d.Steps) + i + 1,
			Description:    spec.Description,
			Status:         flowengine.StepPending,
			MaxRetries:     spec.Retries(),
			IsRollbackStep: true,
		})
	}
	return steps
}
