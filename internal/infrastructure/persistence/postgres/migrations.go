package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator handles database migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a new migrator with embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return NewMigratorWithMigrations(conn, GetMigrations())
}

// NewMigratorWithMigrations creates a migrator with custom migrations.
func NewMigratorWithMigrations(conn *Connection, migrations []Migration) *Migrator {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Migrator{
		conn:       conn,
		migrations: sorted,
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Querier(ctx).Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return nil
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Querier(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time

		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}

		applied[version] = appliedAt
	}

	return applied, rows.Err()
}

// Migrate applies all pending migrations and returns how many ran.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, mig := range m.migrations {
		if _, isApplied := applied[mig.Version]; isApplied {
			continue
		}

		if mig.UpSQL == "" {
			return ran, fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithinTx(ctx, func(ctx context.Context) error {
			q := m.conn.Querier(ctx)
			if _, err := q.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}

			insertQuery := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName)
			_, err := q.Exec(ctx, insertQuery, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		ran++
	}

	return ran, nil
}

// Rollback rolls back the last applied migration. It returns the version
// rolled back, or 0 when nothing was applied.
func (m *Migrator) Rollback(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	var lastVersion int
	for v := range applied {
		if v > lastVersion {
			lastVersion = v
		}
	}

	if lastVersion == 0 {
		return 0, nil
	}

	var migration *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == lastVersion {
			migration = &m.migrations[i]
			break
		}
	}

	if migration == nil || migration.DownSQL == "" {
		return 0, fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, lastVersion)
	}

	err = m.conn.WithinTx(ctx, func(ctx context.Context) error {
		q := m.conn.Querier(ctx)
		if _, err := q.Exec(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", lastVersion, err)
		}

		deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName)
		_, err := q.Exec(ctx, deleteQuery, lastVersion)
		return err
	})
	if err != nil {
		return 0, err
	}
	return lastVersion, nil
}

// Status returns every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Migration, len(m.migrations))
	copy(result, m.migrations)

	for i := range result {
		if appliedAt, ok := applied[result[i].Version]; ok {
			result[i].IsApplied = true
			result[i].AppliedAt = appliedAt
		}
	}

	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_crowdsales",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_purchases",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_tokens",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE CROWDSALES
// ══════════════════════════════════════════════════════════════════════════════

// Amounts are NUMERIC(78,0), wide enough for any 256-bit unsigned value.
const migration001Up = `
CREATE TABLE IF NOT EXISTS crowdsales (
    id UUID PRIMARY KEY,
    minter VARCHAR(42) NOT NULL,
    current_round_id INTEGER NOT NULL DEFAULT 0,
    quota_divisor BIGINT NOT NULL,
    global_value_raised NUMERIC(78,0) NOT NULL DEFAULT 0,
    global_tokens_issued NUMERIC(78,0) NOT NULL DEFAULT 0,
    global_tokens_cap NUMERIC(78,0) NOT NULL,
    min_deposit NUMERIC(78,0) NOT NULL,
    unit_scale NUMERIC(78,0) NOT NULL,
    remainder_policy VARCHAR(10) NOT NULL DEFAULT 'first',
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_remainder_policy CHECK (remainder_policy IN ('first', 'last')),
    CONSTRAINT valid_quota_divisor CHECK (quota_divisor > 0),
    CONSTRAINT tokens_within_cap CHECK (global_tokens_issued <= global_tokens_cap)
);

CREATE TABLE IF NOT EXISTS crowdsale_rounds (
    crowdsale_id UUID NOT NULL REFERENCES crowdsales(id) ON DELETE CASCADE,
    round_id INTEGER NOT NULL,
    starts_at TIMESTAMP WITH TIME ZONE NOT NULL,
    ends_at TIMESTAMP WITH TIME ZONE,
    rate NUMERIC(78,0) NOT NULL,
    value_raised NUMERIC(78,0) NOT NULL DEFAULT 0,
    tokens_issued NUMERIC(78,0) NOT NULL DEFAULT 0,
    tokens_cap NUMERIC(78,0) NOT NULL DEFAULT 0,
    cap_unbounded BOOLEAN NOT NULL DEFAULT FALSE,
    quota_frozen BOOLEAN NOT NULL DEFAULT FALSE,

    PRIMARY KEY (crowdsale_id, round_id),
    CONSTRAINT valid_round_window CHECK (ends_at IS NULL OR ends_at > starts_at)
);

CREATE TABLE IF NOT EXISTS crowdsale_beneficiaries (
    crowdsale_id UUID NOT NULL REFERENCES crowdsales(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    account VARCHAR(42) NOT NULL,

    PRIMARY KEY (crowdsale_id, position),
    UNIQUE (crowdsale_id, account)
);

CREATE TABLE IF NOT EXISTS crowdsale_administrators (
    crowdsale_id UUID NOT NULL REFERENCES crowdsales(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    account VARCHAR(42) NOT NULL,

    PRIMARY KEY (crowdsale_id, position),
    UNIQUE (crowdsale_id, account)
);
`

const migration001Down = `
DROP TABLE IF EXISTS crowdsale_administrators;
DROP TABLE IF EXISTS crowdsale_beneficiaries;
DROP TABLE IF EXISTS crowdsale_rounds;
DROP TABLE IF EXISTS crowdsales;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE PURCHASES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS purchases (
    id UUID PRIMARY KEY,
    crowdsale_id UUID NOT NULL REFERENCES crowdsales(id) ON DELETE CASCADE,
    contributor VARCHAR(42) NOT NULL,
    value NUMERIC(78,0) NOT NULL,
    tokens NUMERIC(78,0) NOT NULL,
    round_id INTEGER NOT NULL,
    settled_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purchases_crowdsale_settled ON purchases(crowdsale_id, settled_at DESC);
CREATE INDEX IF NOT EXISTS idx_purchases_contributor ON purchases(contributor);

CREATE TABLE IF NOT EXISTS purchase_payouts (
    purchase_id UUID NOT NULL REFERENCES purchases(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    account VARCHAR(42) NOT NULL,
    amount NUMERIC(78,0) NOT NULL,

    PRIMARY KEY (purchase_id, position)
);
`

const migration002Down = `
DROP TABLE IF EXISTS purchase_payouts;
DROP TABLE IF EXISTS purchases;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: CREATE TOKENS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS tokens (
    symbol VARCHAR(16) PRIMARY KEY,
    name VARCHAR(64) NOT NULL,
    decimals SMALLINT NOT NULL,
    cap NUMERIC(78,0) NOT NULL,
    total_supply NUMERIC(78,0) NOT NULL DEFAULT 0,
    owner VARCHAR(42) NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT positive_cap CHECK (cap > 0),
    CONSTRAINT supply_within_cap CHECK (total_supply <= cap)
);

CREATE TABLE IF NOT EXISTS token_balances (
    symbol VARCHAR(16) NOT NULL REFERENCES tokens(symbol) ON DELETE CASCADE,
    account VARCHAR(42) NOT NULL,
    balance NUMERIC(78,0) NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (symbol, account)
);

CREATE TABLE IF NOT EXISTS token_minters (
    symbol VARCHAR(16) NOT NULL REFERENCES tokens(symbol) ON DELETE CASCADE,
    account VARCHAR(42) NOT NULL,
    granted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (symbol, account)
);
`

const migration003Down = `
DROP TABLE IF EXISTS token_minters;
DROP TABLE IF EXISTS token_balances;
DROP TABLE IF EXISTS tokens;
`
