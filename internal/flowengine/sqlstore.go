package flowengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const activationColumns = `id, customer_id, service_id, tariff_id, status, metadata,
	prerequisites_checked, payment_verified, locked_by, locked_until,
	created_at, updated_at, completed_at`

const stepColumns = `id, activation_id, step_name, order_index, description, status,
	retry_count, max_retries, error_message, started_at, completed_at,
	is_rollback_step, depends_on_step_id`

const logColumns = `id, activation_id, step_id, level, message, details, created_at`

// SQLStore implements Store on SQLite or PostgreSQL through sqlx.
// Queries are written with '?' placeholders and rebound per driver.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a store backed by the given database handle.
// The activation tables must already exist (see database.Migrate).
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// CreateActivation inserts the activation row and all its step rows in one
// transaction. If any step insert fails, nothing is persisted.
func (s *SQLStore) CreateActivation(ctx context.Context, a *Activation, steps []ActivationStep) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO activations (id, customer_id, service_id, tariff_id, status, metadata,
			prerequisites_checked, payment_verified, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.CustomerID, a.ServiceID, a.TariffID, string(a.Status), a.Metadata,
		a.PrerequisitesChecked, a.PaymentVerified,
		a.CreatedAt, a.UpdatedAt, nullableTime(a.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert activation: %w", err)
	}

	for i := range steps {
		step := &steps[i]
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO activation_steps (id, activation_id, step_name, order_index, description,
				status, retry_count, max_retries, error_message, started_at, completed_at,
				is_rollback_step, depends_on_step_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			step.ID, step.ActivationID, step.Name, step.OrderIndex, step.Description,
			string(step.Status), step.RetryCount, step.MaxRetries, step.ErrorMessage,
			nullableTime(step.StartedAt), nullableTime(step.CompletedAt),
			step.IsRollbackStep, nullableString(step.DependsOnStepID),
		)
		if err != nil {
			return fmt.Errorf("insert step %d (%s): %w", step.OrderIndex, step.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetActivation retrieves an activation by ID.
func (s *SQLStore) GetActivation(ctx context.Context, id string) (*Activation, error) {
	var a Activation
	err := s.db.GetContext(ctx, &a, s.db.Rebind(`SELECT `+activationColumns+` FROM activations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrActivationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get activation: %w", err)
	}
	return &a, nil
}

// UpdateActivation writes the mutable activation columns. Lease columns are
// owned by AcquireLease/ReleaseLease and are left untouched.
func (s *SQLStore) UpdateActivation(ctx context.Context, a *Activation) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE activations
		SET status = ?, metadata = ?, prerequisites_checked = ?, payment_verified = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`),
		string(a.Status), a.Metadata, a.PrerequisitesChecked, a.PaymentVerified,
		a.UpdatedAt, nullableTime(a.CompletedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update activation: %w", err)
	}
	return checkRowsAffected(res, ErrActivationNotFound, a.ID)
}

// DeleteActivation removes an activation and everything it owns.
func (s *SQLStore) DeleteActivation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM activation_logs WHERE activation_id = ?`), id); err != nil {
		return fmt.Errorf("delete logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM activation_steps WHERE activation_id = ?`), id); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM activations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete activation: %w", err)
	}
	if err := checkRowsAffected(res, ErrActivationNotFound, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListCustomerActivations returns a customer's activations, newest first.
func (s *SQLStore) ListCustomerActivations(ctx context.Context, customerID int64) ([]Activation, error) {
	activations := []Activation{}
	err := s.db.SelectContext(ctx, &activations, s.db.Rebind(`
		SELECT `+activationColumns+` FROM activations
		WHERE customer_id = ?
		ORDER BY created_at DESC, id DESC`), customerID)
	if err != nil {
		return nil, fmt.Errorf("query customer activations: %w", err)
	}
	return activations, nil
}

// ListSteps returns an activation's steps matching q, ordered by order index.
func (s *SQLStore) ListSteps(ctx context.Context, activationID string, q StepQuery) ([]ActivationStep, error) {
	query := `SELECT ` + stepColumns + ` FROM activation_steps WHERE activation_id = ?`
	args := []any{activationID}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	if q.Rollback != nil {
		query += ` AND is_rollback_step = ?`
		args = append(args, *q.Rollback)
	}
	if q.Descending {
		query += ` ORDER BY order_index DESC`
	} else {
		query += ` ORDER BY order_index ASC`
	}

	steps := []ActivationStep{}
	if err := s.db.SelectContext(ctx, &steps, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	return steps, nil
}

// GetStep retrieves a step by ID.
func (s *SQLStore) GetStep(ctx context.Context, id string) (*ActivationStep, error) {
	var step ActivationStep
	err := s.db.GetContext(ctx, &step, s.db.Rebind(`SELECT `+stepColumns+` FROM activation_steps WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return &step, nil
}

// UpdateStep writes a step's execution state. Name, order and plan membership
// are fixed at creation and never rewritten.
func (s *SQLStore) UpdateStep(ctx context.Context, step *ActivationStep) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE activation_steps
		SET status = ?, retry_count = ?, error_message = ?, started_at = ?, completed_at = ?
		WHERE id = ?`),
		string(step.Status), step.RetryCount, step.ErrorMessage,
		nullableTime(step.StartedAt), nullableTime(step.CompletedAt), step.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return checkRowsAffected(res, ErrStepNotFound, step.ID)
}

// AppendLog inserts an audit entry and sets entry.ID.
func (s *SQLStore) AppendLog(ctx context.Context, entry *ActivationLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO activation_logs (activation_id, step_id, level, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		entry.ActivationID, nullableString(entry.StepID), string(entry.Level),
		entry.Message, entry.Details, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns an activation's audit entries in insertion order.
func (s *SQLStore) ListLogs(ctx context.Context, activationID string) ([]ActivationLog, error) {
	logs := []ActivationLog{}
	err := s.db.SelectContext(ctx, &logs, s.db.Rebind(`
		SELECT `+logColumns+` FROM activation_logs
		WHERE activation_id = ?
		ORDER BY id ASC`), activationID)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return logs, nil
}

// AcquireLease takes the execution lease with an optimistic update: it only
// succeeds if the activation is unleased, the lease expired, or owner holds it.
func (s *SQLStore) AcquireLease(ctx context.Context, activationID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE activations
		SET locked_by = ?, locked_until = ?
		WHERE id = ? AND (locked_until IS NULL OR locked_until < ? OR locked_by = ?)`),
		owner, now.Add(ttl), activationID, now, owner,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM activations WHERE id = ?`), activationID); err != nil {
		return false, fmt.Errorf("check activation: %w", err)
	}
	if count == 0 {
		return false, fmt.Errorf("%w: %s", ErrActivationNotFound, activationID)
	}
	return false, nil
}

// ReleaseLease clears the lease if owner still holds it.
func (s *SQLStore) ReleaseLease(ctx context.Context, activationID, owner string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE activations SET locked_by = NULL, locked_until = NULL
		WHERE id = ? AND locked_by = ?`), activationID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ReleaseExpiredLeases clears leases whose deadline has passed, so an
// activation held by a crashed process can be inspected and retried.
func (s *SQLStore) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE activations SET locked_by = NULL, locked_until = NULL
		WHERE locked_until IS NOT NULL AND locked_until < ?`), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	return res.RowsAffected()
}

// --- SQL helpers ---

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func checkRowsAffected(res sql.Result, notFound error, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
