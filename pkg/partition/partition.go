// Package partition implements consistent hashing of stream keys to
// partitions and the active_streams ownership table (spec component C5).
package partition

import (
	"context"
	"crypto/md5" //nolint:gosec // used only as a deterministic hash, not for security
	stdsql "database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whizbang-io/whizbang/pkg/envelope"
	"github.com/whizbang-io/whizbang/pkg/metrics"
)

// Compute returns the partition for streamID under partitionCount,
// matching the compute_partition SQL function byte for byte: both hash
// with MD5, take the first 8 bytes as a big-endian uint64, and reduce
// modulo partitionCount. Determinism across languages and restarts is the
// entire point of this function; changing the hash algorithm is a
// breaking change to the topology.
func Compute(streamID string, partitionCount int) int {
	sum := md5.Sum([]byte(streamID)) //nolint:gosec
	h := binary.BigEndian.Uint64(sum[:8])
	return int(h % uint64(partitionCount))
}

// Ownership is the SQL-backed repository over wh_active_streams and
// wh_partition_assignments.
type Ownership struct {
	db *stdsql.DB
}

// New returns an Ownership repository backed by db.
func New(db *stdsql.DB) *Ownership {
	return &Ownership{db: db}
}

// StreamLease describes the current ownership state of one stream.
type StreamLease struct {
	StreamID           string
	PartitionNumber    int
	AssignedInstanceID uuid.NullUUID
	LeaseExpiresAt     *time.Time
	LastActivityAt     time.Time
}

// AcquireStream upserts stream ownership for instanceID, extending the
// lease to leaseSeconds from now. Used when a worker begins handling a
// new stream, or renews a lease on one it already owns.
func (o *Ownership) AcquireStream(ctx context.Context, streamID envelope.StreamKey, partitionNumber int, instanceID uuid.UUID, leaseSeconds int) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO wh_active_streams (stream_id, partition_number, assigned_instance_id, lease_expires_at, last_activity_at)
		VALUES ($1, $2, $3, now() + ($4 || ' seconds')::interval, now())
		ON CONFLICT (stream_id) DO UPDATE SET
			assigned_instance_id = EXCLUDED.assigned_instance_id,
			lease_expires_at = EXCLUDED.lease_expires_at,
			last_activity_at = now()
		WHERE wh_active_streams.assigned_instance_id IS NULL
			OR wh_active_streams.assigned_instance_id = EXCLUDED.assigned_instance_id
			OR wh_active_streams.lease_expires_at <= now()`,
		streamID.String(), partitionNumber, instanceID, leaseSeconds,
	)
	if err != nil {
		return fmt.Errorf("partition: acquire stream: %w", err)
	}
	return nil
}

// ReleaseStream clears ownership of a stream, making it immediately
// claimable by any instance rather than waiting for its lease to expire.
func (o *Ownership) ReleaseStream(ctx context.Context, streamID envelope.StreamKey) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE wh_active_streams SET assigned_instance_id = NULL, lease_expires_at = NULL, last_activity_at = now()
		WHERE stream_id = $1`,
		streamID.String(),
	)
	if err != nil {
		return fmt.Errorf("partition: release stream: %w", err)
	}
	return nil
}

// ReapOrphanedStreams clears ownership on streams whose lease has expired,
// so another instance may claim them on the next coordinator call. It also
// deletes streams that have been idle (no activity, no owner) beyond
// idleTTL, per spec §4.5's "cleanup: streams idle beyond a configurable
// TTL are orphaned by a periodic sweep".
func (o *Ownership) ReapOrphanedStreams(ctx context.Context, idleTTL time.Duration) (expiredLeases int64, deletedIdle int64, err error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE wh_active_streams SET assigned_instance_id = NULL, lease_expires_at = NULL
		WHERE assigned_instance_id IS NOT NULL AND lease_expires_at <= now()`,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("partition: reap expired leases: %w", err)
	}
	expiredLeases, _ = res.RowsAffected()

	cutoff := time.Now().Add(-idleTTL)
	res, err = o.db.ExecContext(ctx, `
		DELETE FROM wh_active_streams
		WHERE assigned_instance_id IS NULL AND last_activity_at < $1`,
		cutoff,
	)
	if err != nil {
		return expiredLeases, 0, fmt.Errorf("partition: delete idle streams: %w", err)
	}
	deletedIdle, _ = res.RowsAffected()

	metrics.StreamsReapedTotal.WithLabelValues("expired_lease").Add(float64(expiredLeases))
	metrics.StreamsReapedTotal.WithLabelValues("idle").Add(float64(deletedIdle))
	return expiredLeases, deletedIdle, nil
}

// ReleaseByInstance clears ownership of every stream held by instanceID,
// making them immediately claimable rather than waiting for their leases
// to expire. Used by the operator CLI's force-reap command.
func (o *Ownership) ReleaseByInstance(ctx context.Context, instanceID uuid.UUID) (int64, error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE wh_active_streams SET assigned_instance_id = NULL, lease_expires_at = NULL
		WHERE assigned_instance_id = $1`,
		instanceID,
	)
	if err != nil {
		return 0, fmt.Errorf("partition: release by instance: %w", err)
	}
	return res.RowsAffected()
}

// AssignPartitions load-balances the fixed partition space (0..partitionCount-1)
// deterministically across the given live instance ids: partition p is
// assigned to instances[p % len(instances)]. Callers run this on a
// recurring interval against the coordinator's current live instance set
// (see cmd/whizbangd's partition-assignment loop) so assignment stays
// current as instances join, leave, or are reaped.
func (o *Ownership) AssignPartitions(ctx context.Context, partitionCount int, instances []uuid.UUID) error {
	if len(instances) == 0 {
		return nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("partition: assign partitions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	counts := make(map[uuid.UUID]int, len(instances))
	for p := 0; p < partitionCount; p++ {
		owner := instances[p%len(instances)]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wh_partition_assignments (partition_number, instance_id, assigned_at, last_heartbeat)
			VALUES ($1, $2, now(), now())
			ON CONFLICT (partition_number) DO UPDATE SET
				instance_id = EXCLUDED.instance_id,
				last_heartbeat = now()`,
			p, owner,
		)
		if err != nil {
			return fmt.Errorf("partition: assign partition %d: %w", p, err)
		}
		counts[owner]++
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for instanceID, n := range counts {
		metrics.PartitionsOwned.WithLabelValues(instanceID.String()).Set(float64(n))
	}
	return nil
}

// OwnerOf returns the instance currently assigned to partitionNumber, or
// ok=false if no assignment exists yet.
func (o *Ownership) OwnerOf(ctx context.Context, partitionNumber int) (instanceID uuid.UUID, ok bool, err error) {
	err = o.db.QueryRowContext(ctx,
		`SELECT instance_id FROM wh_partition_assignments WHERE partition_number = $1`,
		partitionNumber,
	).Scan(&instanceID)
	if err == stdsql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("partition: owner of: %w", err)
	}
	return instanceID, true, nil
}
