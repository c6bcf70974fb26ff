// Package dedup implements the permanent message-deduplication table:
// a first-seen record per message id, consulted by the coordinator before
// inserting a new outbox/inbox row and by HasProcessed on both buffers.
package dedup

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/whizbang-io/whizbang/pkg/envelope"
)

// Dedup is the SQL-backed repository over wh_message_deduplication.
type Dedup struct {
	db *stdsql.DB
}

// New returns a Dedup repository backed by db.
func New(db *stdsql.DB) *Dedup {
	return &Dedup{db: db}
}

// Seen reports whether messageID has been recorded before, inserting it
// as first-seen if not. Returns true if the message had already been
// seen (the caller should treat the corresponding work as a no-op).
func (d *Dedup) Seen(ctx context.Context, messageID envelope.MessageID) (alreadySeen bool, err error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO wh_message_deduplication (message_id) VALUES ($1)
		ON CONFLICT (message_id) DO NOTHING`,
		messageID.UUID(),
	)
	if err != nil {
		return false, fmt.Errorf("dedup: seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup: seen: %w", err)
	}
	return n == 0, nil
}

// GC deletes dedup records older than retention. Dedup rows grow without
// logical bound (spec §3); this is purely an operational retention sweep,
// safe to run as long as retention exceeds any plausible message retry
// window, since a deleted row can no longer suppress a duplicate.
func (d *Dedup) GC(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := d.db.ExecContext(ctx, `DELETE FROM wh_message_deduplication WHERE first_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dedup: gc: %w", err)
	}
	return res.RowsAffected()
}
