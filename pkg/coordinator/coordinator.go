// Package coordinator implements the Work Coordinator (spec component C6):
// a single idempotent batch operation, executed as one database transaction,
// that registers the caller, reaps stale instances, persists completion and
// failure results, writes new outbox/inbox rows, extends leases, and claims
// the next batch of claimable work respecting per-stream ordering.
package coordinator

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/whizbang-io/whizbang/pkg/envelope"
	"github.com/whizbang-io/whizbang/pkg/inbox"
	"github.com/whizbang-io/whizbang/pkg/metrics"
	"github.com/whizbang-io/whizbang/pkg/outbox"
)

// Flags toggle coordinator behavior for a single call.
type Flags uint32

const (
	FlagNone  Flags = 0
	FlagDebug Flags = 1 << 0
)

// ReasonUnknown mirrors outbox.FailureUnknown / inbox.FailureUnknown for
// callers (like pkg/worker) that report a generic transport/handler error
// without classifying it further.
const ReasonUnknown = 99

// FailedResult reports a single completed-with-failure outcome.
type FailedResult struct {
	MessageID     envelope.MessageID
	FailureReason int
	Error         string
}

// ReceptorResult reports one per-handler outcome from the Dispatcher's
// ReceptorInvoke stage (spec §4.1 receptor_completions/receptor_failures),
// distinct from InboxCompletedIDs/InboxFailed, which report the envelope's
// single overall inbox-level outcome. Only inbox work is routed through the
// dispatcher's lifecycle stages, so this has no outbox counterpart.
type ReceptorResult struct {
	MessageID   envelope.MessageID
	HandlerName string
	Error       string
}

// PerspectiveResult reports one projection-checkpoint outcome.
type PerspectiveResult struct {
	StreamID       string
	ProjectionName string
	LastEventID    envelope.MessageID
	Completed      bool
	Error          string
}

// NewMessage is one row to persist via new_outbox[]/new_inbox[].
type NewMessage struct {
	MessageID   envelope.MessageID
	Destination string
	MessageType string
	MessageData json.RawMessage
	Metadata    json.RawMessage
	Scope       envelope.Scope
	StreamID    string
	IsEvent     bool
	HandlerName string // inbox only
}

// Topology carries the parameters that govern one coordinator call.
// These normally come from pkg/config and are passed on every call rather
// than fixed at construction, so a running instance can pick up a config
// change (e.g. a wider lease) without a restart.
type Topology struct {
	PartitionCount        int
	LeaseSeconds          int
	StaleThresholdSeconds int
	ClaimQuotaPerPartition int
}

// Request is the full input to ProcessWorkBatch, matching spec §4.1's
// process_work_batch fields.
type Request struct {
	InstanceID  uuid.UUID
	ServiceName string
	Host        string
	PID         int
	Metadata    json.RawMessage

	OutboxCompletedIDs []envelope.MessageID
	OutboxFailed       []FailedResult
	InboxCompletedIDs  []envelope.MessageID
	InboxFailed        []FailedResult

	ReceptorCompletions []ReceptorResult
	ReceptorFailures    []ReceptorResult

	PerspectiveCompletions []PerspectiveResult
	PerspectiveFailures    []PerspectiveResult

	NewOutbox []NewMessage
	NewInbox  []NewMessage

	RenewOutboxLeaseIDs []envelope.MessageID
	RenewInboxLeaseIDs  []envelope.MessageID

	Flags    Flags
	Topology Topology
}

// OutboxWork and InboxWork are claimed-work projections returned to the
// worker loop: everything it needs to transmit or handle a message without
// another round-trip.
type OutboxWork struct {
	MessageID   envelope.MessageID
	Destination string
	MessageType string
	MessageData json.RawMessage
	Metadata    json.RawMessage
	Scope       envelope.Scope
	Attempts    int
}

type InboxWork struct {
	MessageID   envelope.MessageID
	Destination string
	MessageType string
	MessageData json.RawMessage
	Metadata    json.RawMessage
	Scope       envelope.Scope
	HandlerName string
	Attempts    int
}

// WorkBatch is the output of one ProcessWorkBatch call.
type WorkBatch struct {
	OutboxWork []OutboxWork
	InboxWork  []InboxWork
}

// Coordinator runs ProcessWorkBatch against a shared *sql.DB. It holds no
// per-instance state of its own: every fact it needs (topology, completion
// lists) arrives in the Request.
type Coordinator struct {
	db *stdsql.DB
}

// New returns a Coordinator backed by db.
func New(db *stdsql.DB) *Coordinator {
	return &Coordinator{db: db}
}

// LiveInstances returns the instance_id of every currently registered
// ServiceInstance row, for callers (like a periodic partition-assignment
// loop) that need the full live set rather than a single instance's
// membership.
func (c *Coordinator) LiveInstances(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT instance_id FROM wh_service_instances ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("coordinator: live instances: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("coordinator: scan live instance: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("coordinator: live instances rows: %w", err)
	}
	return ids, nil
}

// ForceReapInstance immediately removes instanceID's service_instances row,
// without waiting for its heartbeat to go stale. It does not by itself
// release the outbox/inbox rows or streams the instance held leases on;
// callers pair this with outbox/inbox ReleaseByInstance and
// partition.Ownership.ReleaseByInstance, which is exactly what
// cmd/whizbangctl's reap command does.
func (c *Coordinator) ForceReapInstance(ctx context.Context, instanceID uuid.UUID) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM wh_service_instances WHERE instance_id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("coordinator: force reap instance: %w", err)
	}
	return nil
}

// ProcessWorkBatch executes the full algorithm from spec §4.1 inside one
// transaction. A serialization failure or deadlock aborts the transaction;
// the caller should retry the whole call, which is safe because every input
// is idempotent (deduplicated by message id, completion/failure lists keyed
// by message id).
func (c *Coordinator) ProcessWorkBatch(ctx context.Context, req Request) (WorkBatch, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkBatchDuration)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return WorkBatch{}, fmt.Errorf("coordinator: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := registerHeartbeat(ctx, tx, req); err != nil {
		return WorkBatch{}, err
	}
	reaped, err := reapStaleInstances(ctx, tx, req.Topology.StaleThresholdSeconds)
	if err != nil {
		return WorkBatch{}, err
	}
	if err := persistResults(ctx, tx, req); err != nil {
		return WorkBatch{}, err
	}
	if err := writeNewRows(ctx, tx, req); err != nil {
		return WorkBatch{}, err
	}
	if err := extendLeases(ctx, tx, req); err != nil {
		return WorkBatch{}, err
	}
	batch, err := claimWork(ctx, tx, req)
	if err != nil {
		return WorkBatch{}, err
	}

	if err := tx.Commit(); err != nil {
		return WorkBatch{}, fmt.Errorf("coordinator: commit: %w", err)
	}

	recordBatchMetrics(req, batch, reaped)
	return batch, nil
}

func recordBatchMetrics(req Request, batch WorkBatch, reaped int64) {
	metrics.WorkClaimedTotal.WithLabelValues("outbox").Add(float64(len(batch.OutboxWork)))
	metrics.WorkClaimedTotal.WithLabelValues("inbox").Add(float64(len(batch.InboxWork)))
	metrics.WorkCompletedTotal.WithLabelValues("outbox", "success").Add(float64(len(req.OutboxCompletedIDs)))
	metrics.WorkCompletedTotal.WithLabelValues("outbox", "failure").Add(float64(len(req.OutboxFailed)))
	metrics.WorkCompletedTotal.WithLabelValues("inbox", "success").Add(float64(len(req.InboxCompletedIDs)))
	metrics.WorkCompletedTotal.WithLabelValues("inbox", "failure").Add(float64(len(req.InboxFailed)))
	metrics.ReceptorOutcomesTotal.WithLabelValues("success").Add(float64(len(req.ReceptorCompletions)))
	metrics.ReceptorOutcomesTotal.WithLabelValues("failure").Add(float64(len(req.ReceptorFailures)))
	metrics.LeaseRenewalsTotal.WithLabelValues("outbox").Add(float64(len(req.RenewOutboxLeaseIDs)))
	metrics.LeaseRenewalsTotal.WithLabelValues("inbox").Add(float64(len(req.RenewInboxLeaseIDs)))
	metrics.InstancesReapedTotal.Add(float64(reaped))
}

// registerHeartbeat upserts the ServiceInstance row (step 1).
func registerHeartbeat(ctx context.Context, tx *stdsql.Tx, req Request) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wh_service_instances (instance_id, service_name, host_name, process_id, metadata, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (instance_id) DO UPDATE SET
			service_name = EXCLUDED.service_name,
			host_name = EXCLUDED.host_name,
			process_id = EXCLUDED.process_id,
			metadata = EXCLUDED.metadata,
			last_heartbeat_at = now()`,
		req.InstanceID, req.ServiceName, req.Host, req.PID, nullableJSON(req.Metadata),
	)
	if err != nil {
		return fmt.Errorf("coordinator: register heartbeat: %w", err)
	}
	return nil
}

// reapStaleInstances deletes instances whose heartbeat is overdue (step 2).
// Their leases are treated as expired in step 6 because wh_active_streams
// and wh_outbox/wh_inbox check lease_expires_at against now(), not against
// instance liveness directly.
func reapStaleInstances(ctx context.Context, tx *stdsql.Tx, staleThresholdSeconds int) (int64, error) {
	if staleThresholdSeconds <= 0 {
		return 0, nil
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM wh_service_instances
		WHERE last_heartbeat_at < now() - ($1 || ' seconds')::interval`,
		staleThresholdSeconds,
	)
	if err != nil {
		return 0, fmt.Errorf("coordinator: reap stale instances: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// persistResults applies completion and failure outcomes to the outbox,
// inbox, and perspective checkpoint tables (step 3).
func persistResults(ctx context.Context, tx *stdsql.Tx, req Request) error {
	for _, id := range req.OutboxCompletedIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wh_outbox SET status = status | $2, processed_at = now(), published_at = now()
			WHERE message_id = $1`, id.UUID(), outbox.StatusPublished); err != nil {
			return fmt.Errorf("coordinator: complete outbox %s: %w", id, err)
		}
	}
	for _, f := range req.OutboxFailed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wh_outbox SET status = status | $2, failure_reason = $3, error = $4, attempts = attempts + 1
			WHERE message_id = $1`, f.MessageID.UUID(), outbox.StatusTerminalFailure, f.FailureReason, f.Error); err != nil {
			return fmt.Errorf("coordinator: fail outbox %s: %w", f.MessageID, err)
		}
	}
	for _, id := range req.InboxCompletedIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wh_inbox SET status = status | $2, processed_at = now(), received_at = now()
			WHERE message_id = $1`, id.UUID(), inbox.StatusProcessed); err != nil {
			return fmt.Errorf("coordinator: complete inbox %s: %w", id, err)
		}
	}
	for _, f := range req.InboxFailed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wh_inbox SET status = status | $2, failure_reason = $3, error = $4, attempts = attempts + 1
			WHERE message_id = $1`, f.MessageID.UUID(), inbox.StatusTerminalFailure, f.FailureReason, f.Error); err != nil {
			return fmt.Errorf("coordinator: fail inbox %s: %w", f.MessageID, err)
		}
	}
	for _, r := range req.ReceptorCompletions {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wh_inbox SET status = status | $2
			WHERE message_id = $1`, r.MessageID.UUID(), inbox.StatusReceptorProcessed); err != nil {
			return fmt.Errorf("coordinator: receptor complete inbox %s (%s): %w", r.MessageID, r.HandlerName, err)
		}
	}
	for _, r := range req.ReceptorFailures {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wh_inbox SET error = $2
			WHERE message_id = $1`, r.MessageID.UUID(), r.Error); err != nil {
			return fmt.Errorf("coordinator: receptor fail inbox %s (%s): %w", r.MessageID, r.HandlerName, err)
		}
	}
	for _, p := range req.PerspectiveCompletions {
		if err := applyPerspective(ctx, tx, p, true); err != nil {
			return err
		}
	}
	for _, p := range req.PerspectiveFailures {
		if err := applyPerspective(ctx, tx, p, false); err != nil {
			return err
		}
	}
	return nil
}

// applyPerspective mirrors pkg/checkpoint.Apply's CASE expression so the
// CatchingUp/Completed transition happens with the same semantics whether
// a checkpoint update arrives through this batch RPC or through a direct
// pkg/checkpoint call.
func applyPerspective(ctx context.Context, tx *stdsql.Tx, p PerspectiveResult, completed bool) error {
	const statusCatchingUp = 0x0008
	const statusCompleted = 0x0004
	status := 0
	if completed {
		status = statusCompleted
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wh_perspective_checkpoints (stream_id, projection_name, last_event_id, status, processed_at, error)
		VALUES ($1, $2, $3, $4, now(), NULLIF($5, ''))
		ON CONFLICT (stream_id, projection_name) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			processed_at = now(),
			error = EXCLUDED.error,
			status = CASE
				WHEN wh_perspective_checkpoints.status & $6 != 0 AND EXCLUDED.status & $7 != 0
					THEN (wh_perspective_checkpoints.status & ~$6) | $7
				ELSE wh_perspective_checkpoints.status | EXCLUDED.status
			END`,
		p.StreamID, p.ProjectionName, p.LastEventID.UUID(), status, p.Error,
		statusCatchingUp, statusCompleted,
	)
	if err != nil {
		return fmt.Errorf("coordinator: apply perspective %s/%s: %w", p.StreamID, p.ProjectionName, err)
	}
	return nil
}

// writeNewRows inserts new_outbox[]/new_inbox[], computing each row's
// partition and deduplicating by message id against wh_message_deduplication
// (step 4).
func writeNewRows(ctx context.Context, tx *stdsql.Tx, req Request) error {
	for _, m := range req.NewOutbox {
		if err := insertDeduplicated(ctx, tx, "wh_outbox", m, req.Topology.PartitionCount, false); err != nil {
			return fmt.Errorf("coordinator: new outbox %s: %w", m.MessageID, err)
		}
	}
	for _, m := range req.NewInbox {
		if err := insertDeduplicated(ctx, tx, "wh_inbox", m, req.Topology.PartitionCount, true); err != nil {
			return fmt.Errorf("coordinator: new inbox %s: %w", m.MessageID, err)
		}
	}
	return nil
}

func insertDeduplicated(ctx context.Context, tx *stdsql.Tx, table string, m NewMessage, partitionCount int, isInbox bool) error {
	if m.MessageID.IsZero() {
		m.MessageID = envelope.NewMessageID()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO wh_message_deduplication (message_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		m.MessageID.UUID(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already seen: the coordinator is idempotent, so this is not an
		// error, just a no-op for this message.
		return nil
	}

	var scopeJSON any
	if len(m.Scope) > 0 {
		b, err := json.Marshal(m.Scope)
		if err != nil {
			return fmt.Errorf("marshal scope: %w", err)
		}
		scopeJSON = []byte(b)
	}

	var partition *int
	if m.StreamID != "" {
		var p int
		if err := tx.QueryRowContext(ctx, `SELECT compute_partition($1, $2)`, m.StreamID, partitionCount).Scan(&p); err != nil {
			return fmt.Errorf("compute partition: %w", err)
		}
		partition = &p
	}

	if isInbox {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wh_inbox
				(message_id, destination, message_type, message_data, metadata, scope, stream_id, partition, is_event, status, handler_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.MessageID.UUID(), m.Destination, m.MessageType, []byte(m.MessageData), nullableJSON(m.Metadata), scopeJSON,
			nullableString(m.StreamID), partition, m.IsEvent, inbox.StatusPending, nullableString(m.HandlerName),
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wh_outbox
				(message_id, destination, message_type, message_data, metadata, scope, stream_id, partition, is_event, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.MessageID.UUID(), m.Destination, m.MessageType, []byte(m.MessageData), nullableJSON(m.Metadata), scopeJSON,
			nullableString(m.StreamID), partition, m.IsEvent, outbox.StatusPending,
		)
	}
	return err
}

// extendLeases renews the lease for renew_*_ids, provided the caller still
// owns the row (step 5). A lease held by a different instance id, or
// already expired, is left untouched rather than renewed out from under
// whoever actually owns it.
func extendLeases(ctx context.Context, tx *stdsql.Tx, req Request) error {
	leaseSeconds := req.Topology.LeaseSeconds
	for _, id := range req.RenewOutboxLeaseIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wh_outbox SET lease_expires_at = now() + ($2 || ' seconds')::interval
			WHERE message_id = $1 AND instance_id = $3`,
			id.UUID(), leaseSeconds, req.InstanceID); err != nil {
			return fmt.Errorf("coordinator: renew outbox lease %s: %w", id, err)
		}
	}
	for _, id := range req.RenewInboxLeaseIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wh_inbox SET lease_expires_at = now() + ($2 || ' seconds')::interval
			WHERE message_id = $1 AND instance_id = $3`,
			id.UUID(), leaseSeconds, req.InstanceID); err != nil {
			return fmt.Errorf("coordinator: renew inbox lease %s: %w", id, err)
		}
	}
	return nil
}

// claimWork selects up to Topology.ClaimQuotaPerPartition claimable rows
// from each of wh_outbox and wh_inbox, in (stream_id, created_at) order; the
// cap applies to each table as a whole, not to each partition separately.
// It enforces per-stream ordering: a row is
// only claimable if every prior row for the same stream_id has already
// reached a terminal state (step 6 and 7).
func claimWork(ctx context.Context, tx *stdsql.Tx, req Request) (WorkBatch, error) {
	outboxWork, err := claimTable(ctx, tx, "wh_outbox", req)
	if err != nil {
		return WorkBatch{}, err
	}
	inboxWork, err := claimTable(ctx, tx, "wh_inbox", req)
	if err != nil {
		return WorkBatch{}, err
	}

	batch := WorkBatch{}
	for _, r := range outboxWork {
		batch.OutboxWork = append(batch.OutboxWork, OutboxWork{
			MessageID: r.messageID, Destination: r.destination, MessageType: r.messageType,
			MessageData: r.data, Metadata: r.metadata, Scope: r.scope, Attempts: r.attempts,
		})
	}
	for _, r := range inboxWork {
		batch.InboxWork = append(batch.InboxWork, InboxWork{
			MessageID: r.messageID, Destination: r.destination, MessageType: r.messageType,
			MessageData: r.data, Metadata: r.metadata, Scope: r.scope, HandlerName: r.handlerName, Attempts: r.attempts,
		})
	}
	return batch, nil
}

type claimedRow struct {
	messageID   envelope.MessageID
	destination string
	messageType string
	data        json.RawMessage
	metadata    json.RawMessage
	scope       envelope.Scope
	handlerName string
	attempts    int
}

// claimTable implements the per-stream-ordering claim rule for one of
// wh_outbox/wh_inbox. A row is claimable when: its partition is assigned to
// the caller (or orphaned, i.e. unassigned); its status is still Pending (no
// terminal bits) and either unleased or lease-expired; and no earlier row
// (by created_at) for the same stream_id is still non-terminal. The last
// condition is expressed as a NOT EXISTS correlated subquery rather than a
// window function so it reads the same way in both the outbox and inbox
// variants despite their differing extra columns.
func claimTable(ctx context.Context, tx *stdsql.Tx, table string, req Request) ([]claimedRow, error) {
	quota := req.Topology.ClaimQuotaPerPartition
	if quota <= 0 {
		quota = 100
	}
	handlerColumn := "NULL"
	if table == "wh_inbox" {
		handlerColumn = "t.handler_name"
	}

	query := fmt.Sprintf(`
		SELECT t.message_id, t.destination, t.message_type, t.message_data, t.metadata, t.scope, %s, t.attempts
		FROM %s t
		LEFT JOIN wh_partition_assignments pa ON pa.partition_number = t.partition
		WHERE t.status & 1 != 0
			AND t.status & 32768 = 0
			AND (t.instance_id IS NULL OR t.lease_expires_at <= now())
			AND (pa.instance_id IS NULL OR pa.instance_id = $1)
			AND NOT EXISTS (
				SELECT 1 FROM %s earlier
				WHERE earlier.stream_id = t.stream_id
					AND earlier.created_at < t.created_at
					AND earlier.status & (32768 | 4) = 0
			)
		ORDER BY t.stream_id, t.created_at ASC
		FOR UPDATE OF t SKIP LOCKED
		LIMIT $2`,
		handlerColumn, table, table,
	)

	rows, err := tx.QueryContext(ctx, query, req.InstanceID, quota)
	if err != nil {
		return nil, fmt.Errorf("coordinator: claim %s: %w", table, err)
	}

	var claimed []claimedRow
	var ids []uuid.UUID
	for rows.Next() {
		var r claimedRow
		var id uuid.UUID
		var metadata, handler stdsql.NullString
		var scope stdsql.NullString
		if err := rows.Scan(&id, &r.destination, &r.messageType, &r.data, &metadata, &scope, &handler, &r.attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("coordinator: scan %s: %w", table, err)
		}
		r.messageID = envelope.MessageIDFromUUID(id)
		if metadata.Valid {
			r.metadata = json.RawMessage(metadata.String)
		}
		if scope.Valid {
			_ = json.Unmarshal([]byte(scope.String), &r.scope)
		}
		r.handlerName = handler.String
		claimed = append(claimed, r)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("coordinator: claim %s rows: %w", table, err)
	}
	rows.Close()

	for _, id := range ids {
		updateQuery := fmt.Sprintf(`
			UPDATE %s SET instance_id = $2, lease_expires_at = now() + ($3 || ' seconds')::interval, attempts = attempts + 1
			WHERE message_id = $1`, table)
		if _, err := tx.ExecContext(ctx, updateQuery, id, req.InstanceID, req.Topology.LeaseSeconds); err != nil {
			return nil, fmt.Errorf("coordinator: mark claimed %s %s: %w", table, id, err)
		}
	}
	return claimed, nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
