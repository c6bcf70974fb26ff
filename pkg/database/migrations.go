package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
)

// createSupportingIndexes creates indexes (the two claim indexes partial)
// that are cheap to keep
// out of the plain migration set because they only ever narrow (never
// widen) what a query planner can already do with the base schema, and
// are safe to (re)create unconditionally on every startup.
func createSupportingIndexes(ctx context.Context, db *stdsql.DB) error {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_wh_outbox_claimable
			ON wh_outbox (partition, status, scheduled_for)
			WHERE status & 1 != 0 AND status & 32768 = 0`,
		`CREATE INDEX IF NOT EXISTS idx_wh_inbox_claimable
			ON wh_inbox (partition, status, scheduled_for)
			WHERE status & 1 != 0 AND status & 32768 = 0`,
		`CREATE INDEX IF NOT EXISTS idx_wh_active_streams_lease
			ON wh_active_streams (lease_expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create supporting index: %w", err)
		}
	}
	return nil
}
