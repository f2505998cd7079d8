// Package memstore is an in-memory flowengine.Store backed by go-memdb.
// It is used for tests and for running the activator without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
)

const (
	tableActivations = "activations"
	tableSteps       = "steps"
	tableLogs        = "logs"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableActivations: {
			Name: tableActivations,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"customer": {Name: "customer", Indexer: &memdb.IntFieldIndex{Field: "CustomerID"}},
			},
		},
		tableSteps: {
			Name: tableSteps,
			Indexes: map[string]*memdb.IndexSchema{
				"id":         {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"activation": {Name: "activation", Indexer: &memdb.StringFieldIndex{Field: "ActivationID"}},
			},
		},
		tableLogs: {
			Name: tableLogs,
			Indexes: map[string]*memdb.IndexSchema{
				"id":         {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
				"activation": {Name: "activation", Indexer: &memdb.StringFieldIndex{Field: "ActivationID"}},
			},
		},
	},
}

// Store implements flowengine.Store in memory. Every method runs in its own
// memdb transaction, so writes are atomic and reads see a consistent snapshot.
// Objects are copied on the way in and out.
type Store struct {
	db  *memdb.MemDB
	now func() time.Time
}

var _ flowengine.Store = (*Store)(nil)

// New creates an empty store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// CreateActivation inserts the activation and its steps in one transaction.
func (s *Store) CreateActivation(_ context.Context, a *flowengine.Activation, steps []flowengine.ActivationStep) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableActivations, "id", a.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("activation %s already exists", a.ID)
	}
	if err := txn.Insert(tableActivations, copyActivation(a)); err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}

	seen := make(map[int]bool, len(steps))
	for i := range steps {
		step := steps[i]
		if seen[step.OrderIndex] {
			return fmt.Errorf("insert step %d (%s): duplicate order index", step.OrderIndex, step.Name)
		}
		seen[step.OrderIndex] = true
		if err := txn.Insert(tableSteps, &step); err != nil {
			return fmt.Errorf("insert step %d (%s): %w", step.OrderIndex, step.Name, err)
		}
	}

	txn.Commit()
	return nil
}

// GetActivation retrieves an activation by ID.
func (s *Store) GetActivation(_ context.Context, id string) (*flowengine.Activation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	a, err := getActivation(txn, id)
	if err != nil {
		return nil, err
	}
	return copyActivation(a), nil
}

// UpdateActivation replaces the mutable fields, preserving the lease.
func (s *Store) UpdateActivation(_ context.Context, a *flowengine.Activation) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := getActivation(txn, a.ID)
	if err != nil {
		return err
	}
	updated := copyActivation(a)
	updated.LockedBy = current.LockedBy
	updated.LockedUntil = current.LockedUntil
	updated.CreatedAt = current.CreatedAt

	if err := txn.Insert(tableActivations, updated); err != nil {
		return fmt.Errorf("update activation: %w", err)
	}
	txn.Commit()
	return nil
}

// DeleteActivation removes an activation with its steps and logs.
func (s *Store) DeleteActivation(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	a, err := getActivation(txn, id)
	if err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableLogs, "activation", id); err != nil {
		return fmt.Errorf("delete logs: %w", err)
	}
	if _, err := txn.DeleteAll(tableSteps, "activation", id); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	if err := txn.Delete(tableActivations, a); err != nil {
		return fmt.Errorf("delete activation: %w", err)
	}
	txn.Commit()
	return nil
}

// ListCustomerActivations returns a customer's activations, newest first.
func (s *Store) ListCustomerActivations(_ context.Context, customerID int64) ([]flowengine.Activation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableActivations, "customer", customerID)
	if err != nil {
		return nil, err
	}

	activations := []flowengine.Activation{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		activations = append(activations, *copyActivation(obj.(*flowengine.Activation)))
	}
	sort.Slice(activations, func(i, j int) bool {
		if activations[i].CreatedAt.Equal(activations[j].CreatedAt) {
			return activations[i].ID > activations[j].ID
		}
		return activations[i].CreatedAt.After(activations[j].CreatedAt)
	})
	return activations, nil
}

// ListSteps returns an activation's steps matching q, ordered by order index.
func (s *Store) ListSteps(_ context.Context, activationID string, q flowengine.StepQuery) ([]flowengine.ActivationStep, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableSteps, "activation", activationID)
	if err != nil {
		return nil, err
	}

	steps := []flowengine.ActivationStep{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		step := obj.(*flowengine.ActivationStep)
		if q.Matches(step) {
			steps = append(steps, *step)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if q.Descending {
			return steps[i].OrderIndex > steps[j].OrderIndex
		}
		return steps[i].OrderIndex < steps[j].OrderIndex
	})
	return steps, nil
}

// GetStep retrieves a step by ID.
func (s *Store) GetStep(_ context.Context, id string) (*flowengine.ActivationStep, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	obj, err := txn.First(tableSteps, "id", id)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", flowengine.ErrStepNotFound, id)
	}
	step := *obj.(*flowengine.ActivationStep)
	return &step, nil
}

// UpdateStep writes a step's execution state.
func (s *Store) UpdateStep(_ context.Context, step *flowengine.ActivationStep) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableSteps, "id", step.ID)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: %s", flowengine.ErrStepNotFound, step.ID)
	}
	updated := *obj.(*flowengine.ActivationStep)
	updated.Status = step.Status
	updated.RetryCount = step.RetryCount
	updated.ErrorMessage = step.ErrorMessage
	updated.StartedAt = step.StartedAt
	updated.CompletedAt = step.CompletedAt

	if err := txn.Insert(tableSteps, &updated); err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	txn.Commit()
	return nil
}

// AppendLog inserts an audit entry and assigns it the next sequential ID.
func (s *Store) AppendLog(_ context.Context, entry *flowengine.ActivationLog) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	var next int64 = 1
	last, err := txn.Last(tableLogs, "id")
	if err != nil {
		return err
	}
	if last != nil {
		next = last.(*flowengine.ActivationLog).ID + 1
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.ID = next
	stored := *entry
	stored.Details = entry.Details.Clone()
	if err := txn.Insert(tableLogs, &stored); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	txn.Commit()
	return nil
}

// ListLogs returns an activation's audit entries in insertion order.
func (s *Store) ListLogs(_ context.Context, activationID string) ([]flowengine.ActivationLog, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableLogs, "activation", activationID)
	if err != nil {
		return nil, err
	}

	logs := []flowengine.ActivationLog{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		logs = append(logs, *obj.(*flowengine.ActivationLog))
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].ID < logs[j].ID })
	return logs, nil
}

// AcquireLease takes the execution lease if it is free, expired, or already owned.
func (s *Store) AcquireLease(_ context.Context, activationID, owner string, ttl time.Duration) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	current, err := getActivation(txn, activationID)
	if err != nil {
		return false, err
	}

	now := s.now()
	held := current.LockedUntil != nil && !current.LockedUntil.Before(now)
	if held && (current.LockedBy == nil || *current.LockedBy != owner) {
		return false, nil
	}

	updated := copyActivation(current)
	until := now.Add(ttl)
	updated.LockedBy = &owner
	updated.LockedUntil = &until
	if err := txn.Insert(tableActivations, updated); err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	txn.Commit()
	return true, nil
}

// ReleaseLease clears the lease if owner still holds it.
func (s *Store) ReleaseLease(_ context.Context, activationID, owner string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableActivations, "id", activationID)
	if err != nil {
		return err
	}
	if obj == nil {
		return nil
	}
	current := obj.(*flowengine.Activation)
	if current.LockedBy == nil || *current.LockedBy != owner {
		return nil
	}

	updated := copyActivation(current)
	updated.LockedBy = nil
	updated.LockedUntil = nil
	if err := txn.Insert(tableActivations, updated); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	txn.Commit()
	return nil
}

// ReleaseExpiredLeases clears every lease whose deadline has passed.
func (s *Store) ReleaseExpiredLeases(_ context.Context) (int64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableActivations, "id")
	if err != nil {
		return 0, err
	}

	now := s.now()
	var expired []*flowengine.Activation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		a := obj.(*flowengine.Activation)
		if a.LockedUntil != nil && a.LockedUntil.Before(now) {
			expired = append(expired, a)
		}
	}

	for _, a := range expired {
		updated := copyActivation(a)
		updated.LockedBy = nil
		updated.LockedUntil = nil
		if err := txn.Insert(tableActivations, updated); err != nil {
			return 0, fmt.Errorf("release expired lease: %w", err)
		}
	}
	txn.Commit()
	return int64(len(expired)), nil
}

func getActivation(txn *memdb.Txn, id string) (*flowengine.Activation, error) {
	obj, err := txn.First(tableActivations, "id", id)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", flowengine.ErrActivationNotFound, id)
	}
	return obj.(*flowengine.Activation), nil
}

func copyActivation(a *flowengine.Activation) *flowengine.Activation {
	out := *a
	out.Metadata = a.Metadata.Clone()
	return &out
}
