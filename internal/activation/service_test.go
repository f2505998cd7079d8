package activation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/activities"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/memstore"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/workflows"
	"github.com/DotmacTech/isp-management-main-sub004/internal/provisioning"
)

// fakeCollaborators accepts everything except the calls named in errs.
type fakeCollaborators struct {
	provisioning.Stub

	mu       sync.Mutex
	errs     map[string]error
	eligible provisioning.EligibilityResult
	alerts   []string
}

func newFake() *fakeCollaborators {
	return &fakeCollaborators{
		errs:     map[string]error{},
		eligible: provisioning.EligibilityResult{Eligible: true},
	}
}

func (f *fakeCollaborators) err(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[name]
}

func (f *fakeCollaborators) Provision(context.Context, provisioning.Subscriber) error {
	return f.err("Provision")
}

func (f *fakeCollaborators) RemoveNASConfig(context.Context, provisioning.Subscriber) error {
	return f.err("RemoveNASConfig")
}

func (f *fakeCollaborators) Check(context.Context, provisioning.Subscriber) (provisioning.EligibilityResult, error) {
	return f.eligible, f.err("Check")
}

func (f *fakeCollaborators) AlertOperators(_ context.Context, s provisioning.Subscriber, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, s.ActivationID)
	return nil
}

func (f *fakeCollaborators) alerted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.alerts...)
}

func (f *fakeCollaborators) collaborators() provisioning.Collaborators {
	return provisioning.Collaborators{
		Billing: f, Radius: f, Network: f, Services: f,
		Customers: f, Notifier: f, Eligibility: f,
	}
}

type fixture struct {
	svc   *Service
	store *memstore.Store
	fake  *fakeCollaborators
}

func setup(t *testing.T, catalog *workflows.Catalog) *fixture {
	t.Helper()
	store, err := memstore.New()
	require.NoError(t, err)

	fake := newFake()
	collab := fake.collaborators()
	reg := activities.Register(flowengine.NewRegistryBuilder(), activities.NewHandlers(collab)).Build()
	prereqs := EligibilityGate(collab.Eligibility)
	engine := flowengine.NewEngine(store, reg,
		flowengine.EngineConfig{NodeID: "test", LeaseDuration: time.Minute},
		flowengine.WithPrerequisiteChecker(prereqs),
		flowengine.WithPaymentVerifier(PaymentGate(collab.Billing)),
	)

	svc := NewService(store, engine, catalog, prereqs, collab.Notifier)
	return &fixture{svc: svc, store: store, fake: fake}
}

func defaultRequest() CreateRequest {
	return CreateRequest{CustomerID: 42, ServiceID: 7, TariffID: 3}
}

func TestCreateActivation(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, CreateRequest{
		CustomerID: 42, ServiceID: 7, TariffID: 3,
		Metadata: flowengine.Metadata{"address": "1 Main St"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, flowengine.StatusPending, a.Status)
	assert.False(t, a.PaymentVerified)
	assert.False(t, a.PrerequisitesChecked)
	assert.Nil(t, a.CompletedAt)

	assert.Equal(t, "1 Main St", a.Metadata.String("address"))
	assert.Equal(t, a.ID, a.Metadata.String(activities.MetaActivationID))
	assert.Equal(t, int64(42), a.Metadata.Int64(activities.MetaCustomerID))
	assert.Equal(t, int64(7), a.Metadata.Int64(activities.MetaServiceID))
	assert.Equal(t, int64(3), a.Metadata.Int64(activities.MetaTariffID))
	assert.Equal(t, workflows.DefaultServiceType, a.Metadata.String(activities.MetaServiceType))

	steps, err := f.svc.GetActivationSteps(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, steps, 12)

	for i, step := range steps[:6] {
		assert.Equal(t, string(flowengine.BuiltinStepKinds[i]), step.Name)
		assert.Equal(t, i+1, step.OrderIndex)
		assert.Equal(t, flowengine.StepPending, step.Status)
		assert.False(t, step.IsRollbackStep)
		if i == 0 {
			assert.Nil(t, step.DependsOnStepID)
		} else {
			require.NotNil(t, step.DependsOnStepID)
			assert.Equal(t, steps[i-1].ID, *step.DependsOnStepID)
		}
	}
	for i, step := range steps[6:] {
		assert.True(t, step.IsRollbackStep)
		assert.Equal(t, 7+i, step.OrderIndex)
		if i > 0 {
			assert.Greater(t, steps[6+i-1].Name, step.Name, "rollback rows are in reverse name order")
		}
	}

	logs, err := f.svc.GetActivationLogs(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Activation created", logs[0].Message)
}

func TestCreateActivationKeepsCallerMetadata(t *testing.T) {
	f := setup(t, nil)

	a, err := f.svc.CreateActivation(context.Background(), CreateRequest{
		CustomerID: 1, ServiceID: 2, TariffID: 3,
		Metadata: flowengine.Metadata{activities.MetaServiceType: "fiber"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fiber", a.Metadata.String(activities.MetaServiceType))
}

func TestCreateActivationValidation(t *testing.T) {
	f := setup(t, nil)

	for _, req := range []CreateRequest{
		{ServiceID: 1, TariffID: 1},
		{CustomerID: 1, TariffID: 1},
		{CustomerID: 1, ServiceID: 1},
	} {
		_, err := f.svc.CreateActivation(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestCreateActivationUsesServiceWorkflow(t *testing.T) {
	catalog := workflows.NewCatalog()
	require.NoError(t, catalog.Add(workflows.Definition{
		ServiceType: "wireless",
		Version:     2,
		Steps: []workflows.StepSpec{
			{Name: string(flowengine.StepVerifyPayment)},
			{Name: string(flowengine.StepProvisionService)},
		},
	}))
	catalog.MapService(7, "wireless")
	f := setup(t, catalog)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)
	assert.Equal(t, "wireless", a.Metadata.String(activities.MetaServiceType))

	forward, err := f.store.ListSteps(ctx, a.ID, flowengine.ForwardSteps())
	require.NoError(t, err)
	require.Len(t, forward, 2)
	assert.Equal(t, "provision_service", forward[1].Name)

	ok, err := f.svc.StartActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartActivationHappyPath(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)

	ok, err := f.svc.StartActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.svc.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, flowengine.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, got.PaymentVerified)
	assert.True(t, got.PrerequisitesChecked)
	assert.Equal(t, "cust42-svc7", got.Metadata.String(activities.MetaRadiusUsername))

	steps, err := f.svc.GetActivationSteps(ctx, a.ID)
	require.NoError(t, err)
	for _, step := range steps {
		if step.IsRollbackStep {
			assert.Equal(t, flowengine.StepPending, step.Status, step.Name)
		} else {
			assert.Equal(t, flowengine.StepCompleted, step.Status, step.Name)
		}
	}
}

func TestStartActivationRejectsNonPending(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)
	ok, err := f.svc.StartActivation(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := f.svc.GetActivationSteps(ctx, a.ID)
	require.NoError(t, err)

	ok, err = f.svc.StartActivation(ctx, a.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, err, flowengine.ErrInvalidState)

	after, err := f.svc.GetActivationSteps(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStartActivationNotFound(t *testing.T) {
	f := setup(t, nil)
	_, err := f.svc.StartActivation(context.Background(), "missing")
	assert.ErrorIs(t, err, flowengine.ErrActivationNotFound)
}

func TestStartActivationIneligible(t *testing.T) {
	f := setup(t, nil)
	f.fake.eligible = provisioning.EligibilityResult{Eligible: false, Reason: "address not serviceable"}
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)

	ok, err := f.svc.StartActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.svc.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, flowengine.StatusFailed, got.Status)

	forward, err := f.store.ListSteps(ctx, a.ID, flowengine.ForwardSteps())
	require.NoError(t, err)
	for _, step := range forward {
		assert.Equal(t, flowengine.StepPending, step.Status)
	}
}

func TestRollbackFailureAlertsOperators(t *testing.T) {
	f := setup(t, nil)
	f.fake.errs["Provision"] = flowengine.NewPermanentError(errors.New("inventory rejected"))
	f.fake.errs["RemoveNASConfig"] = flowengine.NewPermanentError(errors.New("nas unreachable"))
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)

	ok, err := f.svc.StartActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.svc.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, flowengine.StatusRollbackFailed, got.Status)

	require.Eventually(t, func() bool { return len(f.fake.alerted()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{a.ID}, f.fake.alerted())
}

func TestRollbackSuccessDoesNotAlert(t *testing.T) {
	f := setup(t, nil)
	f.fake.errs["Provision"] = flowengine.NewPermanentError(errors.New("inventory rejected"))
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)
	ok, err := f.svc.StartActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.svc.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, flowengine.StatusRollbackCompleted, got.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.fake.alerted())
}

// forceStatus sets a status directly in the store, as the engine would.
func forceStatus(t *testing.T, f *fixture, id string, status flowengine.ActivationStatus) {
	t.Helper()
	ctx := context.Background()
	a, err := f.store.GetActivation(ctx, id)
	require.NoError(t, err)
	a.Status = status
	require.NoError(t, f.store.UpdateActivation(ctx, a))
}

func TestUpdateActivation(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)

	paid := true
	got, err := f.svc.UpdateActivation(ctx, a.ID, UpdateRequest{
		PaymentVerified: &paid,
		Metadata:        flowengine.Metadata{"note": "manual"},
	})
	require.NoError(t, err)
	assert.Equal(t, flowengine.StatusPending, got.Status)
	assert.True(t, got.PaymentVerified)
	assert.False(t, got.PrerequisitesChecked)
	assert.Equal(t, flowengine.Metadata{"note": "manual"}, got.Metadata)

	// An execution that died mid-flight is settled by hand.
	forceStatus(t, f, a.ID, flowengine.StatusInProgress)
	completed := flowengine.StatusCompleted
	got, err = f.svc.UpdateActivation(ctx, a.ID, UpdateRequest{Status: &completed})
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)

	stored, err := f.svc.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, flowengine.StatusCompleted, stored.Status)
}

func TestUpdateActivationRejectsEngineStatuses(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)

	inProgress := flowengine.StatusInProgress
	_, err = f.svc.UpdateActivation(ctx, a.ID, UpdateRequest{Status: &inProgress})
	assert.ErrorIs(t, err, flowengine.ErrInvalidState)

	forceStatus(t, f, a.ID, flowengine.StatusInProgress)
	rollingBack := flowengine.StatusRollbackInProgress
	_, err = f.svc.UpdateActivation(ctx, a.ID, UpdateRequest{Status: &rollingBack})
	assert.ErrorIs(t, err, flowengine.ErrInvalidState)

	stored, err := f.svc.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, flowengine.StatusInProgress, stored.Status)
}

func TestUpdateActivationRejectsLeasedActivation(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)
	forceStatus(t, f, a.ID, flowengine.StatusInProgress)

	held, err := f.store.AcquireLease(ctx, a.ID, "other-node", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	failed := flowengine.StatusFailed
	_, err = f.svc.UpdateActivation(ctx, a.ID, UpdateRequest{Status: &failed})
	assert.ErrorIs(t, err, flowengine.ErrActivationLocked)

	require.NoError(t, f.store.ReleaseLease(ctx, a.ID, "other-node"))
	got, err := f.svc.UpdateActivation(ctx, a.ID, UpdateRequest{Status: &failed})
	require.NoError(t, err)
	assert.Equal(t, flowengine.StatusFailed, got.Status)
}

func TestUpdateActivationRejectsBadStatus(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)

	unknown := flowengine.ActivationStatus("PAUSED")
	_, err = f.svc.UpdateActivation(ctx, a.ID, UpdateRequest{Status: &unknown})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	completed := flowengine.StatusCompleted
	_, err = f.svc.UpdateActivation(ctx, a.ID, UpdateRequest{Status: &completed})
	assert.ErrorIs(t, err, flowengine.ErrInvalidTransition)

	stored, err := f.svc.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, flowengine.StatusPending, stored.Status)
}

func TestDeleteActivation(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteActivation(ctx, a.ID))
	_, err = f.svc.GetActivation(ctx, a.ID)
	assert.ErrorIs(t, err, flowengine.ErrActivationNotFound)
	_, err = f.svc.GetActivationSteps(ctx, a.ID)
	assert.ErrorIs(t, err, flowengine.ErrActivationNotFound)

	assert.ErrorIs(t, f.svc.DeleteActivation(ctx, a.ID), flowengine.ErrActivationNotFound)
}

func TestDeleteActivationInProgress(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)
	forceStatus(t, f, a.ID, flowengine.StatusInProgress)

	assert.ErrorIs(t, f.svc.DeleteActivation(ctx, a.ID), flowengine.ErrInvalidState)
}

func TestGetCustomerActivationsNewestFirst(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	f.svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		a, err := f.svc.CreateActivation(ctx, CreateRequest{CustomerID: 42, ServiceID: int64(i + 1), TariffID: 1})
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}
	_, err := f.svc.CreateActivation(ctx, CreateRequest{CustomerID: 99, ServiceID: 1, TariffID: 1})
	require.NoError(t, err)

	list, err := f.svc.GetCustomerActivations(ctx, 42)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestCheckPrerequisites(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	a, err := f.svc.CreateActivation(ctx, defaultRequest())
	require.NoError(t, err)

	res, err := f.svc.CheckPrerequisites(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, "All prerequisites met", res.Message)

	f.fake.eligible = provisioning.EligibilityResult{Eligible: false, Reason: "no equipment"}
	res, err = f.svc.CheckPrerequisites(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "no equipment", res.Message)

	stored, err := f.svc.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, stored.PrerequisitesChecked)

	_, err = f.svc.CheckPrerequisites(ctx, "missing")
	assert.ErrorIs(t, err, flowengine.ErrActivationNotFound)
}

func TestEligibilityGateError(t *testing.T) {
	fake := newFake()
	fake.errs["Check"] = fmt.Errorf("eligibility service down")

	_, err := EligibilityGate(fake).CheckPrerequisites(context.Background(), &flowengine.Activation{ID: "a1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eligibility service down")
}
