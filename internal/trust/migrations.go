package trust

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step, applied in order and recorded
// in schema_migrations so Open is idempotent across restarts.
type migration struct {
	version int
	upSQL   string
}

var migrations = []migration{
	{
		version: 1,
		upSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trusted_devices (
	public_key TEXT PRIMARY KEY,
	user_email TEXT NOT NULL,
	device_name TEXT NOT NULL,
	paired_at INTEGER NOT NULL,
	last_seen INTEGER,
	rowid_order INTEGER
);
`,
	},
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	var current int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		// schema_migrations doesn't exist yet on a brand-new database.
		current = 0
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("trust: begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("trust: apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("trust: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("trust: commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
