package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Migration is one schema change, written once per dialect.
type Migration struct {
	Version     int
	Description string
	SQLite      []string
	Postgres    []string
}

func (m Migration) statements(driver string) []string {
	if driver == DriverPostgres {
		return m.Postgres
	}
	return m.SQLite
}

// migrations contains all schema migrations in order.
// Add new migrations to the end of this slice.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Create activations, activation_steps and activation_logs",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS activations (
				id                    TEXT PRIMARY KEY,
				customer_id           INTEGER NOT NULL,
				service_id            INTEGER NOT NULL,
				tariff_id             INTEGER NOT NULL,
				status                TEXT NOT NULL DEFAULT 'PENDING',
				metadata              TEXT NOT NULL DEFAULT '{}',
				prerequisites_checked BOOLEAN NOT NULL DEFAULT 0,
				payment_verified      BOOLEAN NOT NULL DEFAULT 0,
				created_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				completed_at          DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activations_customer ON activations (customer_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS activation_steps (
				id                 TEXT PRIMARY KEY,
				activation_id      TEXT NOT NULL REFERENCES activations(id) ON DELETE CASCADE,
				step_name          TEXT NOT NULL,
				order_index        INTEGER NOT NULL,
				description        TEXT NOT NULL DEFAULT '',
				status             TEXT NOT NULL DEFAULT 'PENDING',
				retry_count        INTEGER NOT NULL DEFAULT 0,
				max_retries        INTEGER NOT NULL DEFAULT 3,
				error_message      TEXT,
				started_at         DATETIME,
				completed_at       DATETIME,
				is_rollback_step   BOOLEAN NOT NULL DEFAULT 0,
				depends_on_step_id TEXT,
				UNIQUE (activation_id, order_index)
			)`,
			`CREATE TABLE IF NOT EXISTS activation_logs (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				activation_id TEXT NOT NULL REFERENCES activations(id) ON DELETE CASCADE,
				step_id       TEXT,
				level         TEXT NOT NULL,
				message       TEXT NOT NULL,
				details       TEXT NOT NULL DEFAULT '{}',
				created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activation_logs_activation ON activation_logs (activation_id, id)`,
		},
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS activations (
				id                    TEXT PRIMARY KEY,
				customer_id           BIGINT NOT NULL,
				service_id            BIGINT NOT NULL,
				tariff_id             BIGINT NOT NULL,
				status                TEXT NOT NULL DEFAULT 'PENDING',
				metadata              JSONB NOT NULL DEFAULT '{}',
				prerequisites_checked BOOLEAN NOT NULL DEFAULT FALSE,
				payment_verified      BOOLEAN NOT NULL DEFAULT FALSE,
				created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				completed_at          TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activations_customer ON activations (customer_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS activation_steps (
				id                 TEXT PRIMARY KEY,
				activation_id      TEXT NOT NULL REFERENCES activations(id) ON DELETE CASCADE,
				step_name          TEXT NOT NULL,
				order_index        INTEGER NOT NULL,
				description        TEXT NOT NULL DEFAULT '',
				status             TEXT NOT NULL DEFAULT 'PENDING',
				retry_count        INTEGER NOT NULL DEFAULT 0,
				max_retries        INTEGER NOT NULL DEFAULT 3,
				error_message      TEXT,
				started_at         TIMESTAMPTZ,
				completed_at       TIMESTAMPTZ,
				is_rollback_step   BOOLEAN NOT NULL DEFAULT FALSE,
				depends_on_step_id TEXT,
				UNIQUE (activation_id, order_index)
			)`,
			`CREATE TABLE IF NOT EXISTS activation_logs (
				id            BIGSERIAL PRIMARY KEY,
				activation_id TEXT NOT NULL REFERENCES activations(id) ON DELETE CASCADE,
				step_id       TEXT,
				level         TEXT NOT NULL,
				message       TEXT NOT NULL,
				details       JSONB NOT NULL DEFAULT '{}',
				created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activation_logs_activation ON activation_logs (activation_id, id)`,
		},
	},
	{
		Version:     2,
		Description: "Add execution lease columns to activations",
		SQLite: []string{
			`ALTER TABLE activations ADD COLUMN locked_by TEXT`,
			`ALTER TABLE activations ADD COLUMN locked_until DATETIME`,
			`CREATE INDEX IF NOT EXISTS idx_activations_lease ON activations (locked_until)`,
		},
		Postgres: []string{
			`ALTER TABLE activations ADD COLUMN IF NOT EXISTS locked_by TEXT`,
			`ALTER TABLE activations ADD COLUMN IF NOT EXISTS locked_until TIMESTAMPTZ`,
			`CREATE INDEX IF NOT EXISTS idx_activations_lease ON activations (locked_until)`,
		},
	},
}

// LatestVersion is the schema version after all migrations have run.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// Migrate runs all pending migrations. It's safe to call multiple times;
// applied versions are tracked in schema_migrations. Each migration runs in
// its own transaction.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	currentVersion, err := SchemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	log.Info().Int("current_version", currentVersion).Int("target_version", LatestVersion()).Msg("Checking migrations")

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		log.Info().Int("version", m.Version).Str("description", m.Description).Msg("Running migration")

		if err := apply(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}

		log.Info().Int("version", m.Version).Msg("Migration completed")
	}

	return nil
}

func apply(ctx context.Context, db *sqlx.DB, m Migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements(db.DriverName()) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`),
		m.Version, m.Description); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration version, or 0.
func SchemaVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	var version int
	err := db.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	return version, err
}
