package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whizbang-io/whizbang/pkg/envelope"
)

// Role distinguishes which buffer (outbox or inbox) a completion, failure,
// or lease renewal applies to.
type Role int

const (
	RoleOutbox Role = iota
	RoleInbox
)

// Strategy is the interface the worker loop uses to queue outcomes and new
// messages without blocking on a coordinator round-trip, and to trigger a
// flush that turns the accumulated queues into one ProcessWorkBatch call
// (spec §4.2).
type Strategy interface {
	QueueOutbox(m NewMessage)
	QueueInbox(m NewMessage)
	QueueCompletion(role Role, id envelope.MessageID)
	QueueFailure(role Role, result FailedResult)
	QueueReceptorCompletion(result ReceptorResult)
	QueueReceptorFailure(result ReceptorResult)
	QueuePerspective(result PerspectiveResult, completed bool)
	QueueLeaseRenewal(role Role, id envelope.MessageID)
	Flush(ctx context.Context, flags Flags) (WorkBatch, error)
}

// Immediate issues one ProcessWorkBatch call per Flush, folding in whatever
// has been queued since the previous one. Called once per enqueue by a
// worker loop configured for lowest latency, per spec §4.2's "one
// coordinator call per enqueue or completion" description; higher-volume
// deployments should use Batched instead.
type Immediate struct {
	coordinator *Coordinator
	identity    Request // InstanceID/ServiceName/Host/PID/Topology only

	mu  sync.Mutex
	req Request
}

// NewImmediate returns an Immediate strategy. identity carries the caller's
// fixed instance identity and topology; its queue fields are ignored.
func NewImmediate(c *Coordinator, identity Request) *Immediate {
	s := &Immediate{coordinator: c, identity: identity}
	s.req = s.resetLocked()
	return s
}

func (s *Immediate) resetLocked() Request {
	req := s.identity
	req.OutboxCompletedIDs, req.OutboxFailed = nil, nil
	req.InboxCompletedIDs, req.InboxFailed = nil, nil
	req.ReceptorCompletions, req.ReceptorFailures = nil, nil
	req.PerspectiveCompletions, req.PerspectiveFailures = nil, nil
	req.NewOutbox, req.NewInbox = nil, nil
	req.RenewOutboxLeaseIDs, req.RenewInboxLeaseIDs = nil, nil
	return req
}

func (s *Immediate) QueueOutbox(m NewMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.NewOutbox = append(s.req.NewOutbox, m)
}

func (s *Immediate) QueueInbox(m NewMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.NewInbox = append(s.req.NewInbox, m)
}

func (s *Immediate) QueueCompletion(role Role, id envelope.MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == RoleOutbox {
		s.req.OutboxCompletedIDs = append(s.req.OutboxCompletedIDs, id)
	} else {
		s.req.InboxCompletedIDs = append(s.req.InboxCompletedIDs, id)
	}
}

func (s *Immediate) QueueFailure(role Role, result FailedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == RoleOutbox {
		s.req.OutboxFailed = append(s.req.OutboxFailed, result)
	} else {
		s.req.InboxFailed = append(s.req.InboxFailed, result)
	}
}

func (s *Immediate) QueueReceptorCompletion(result ReceptorResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.ReceptorCompletions = append(s.req.ReceptorCompletions, result)
}

func (s *Immediate) QueueReceptorFailure(result ReceptorResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.ReceptorFailures = append(s.req.ReceptorFailures, result)
}

func (s *Immediate) QueuePerspective(result PerspectiveResult, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if completed {
		s.req.PerspectiveCompletions = append(s.req.PerspectiveCompletions, result)
	} else {
		s.req.PerspectiveFailures = append(s.req.PerspectiveFailures, result)
	}
}

func (s *Immediate) QueueLeaseRenewal(role Role, id envelope.MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == RoleOutbox {
		s.req.RenewOutboxLeaseIDs = append(s.req.RenewOutboxLeaseIDs, id)
	} else {
		s.req.RenewInboxLeaseIDs = append(s.req.RenewInboxLeaseIDs, id)
	}
}

// Flush sends everything queued since the last call in a single
// ProcessWorkBatch and resets the queues, regardless of whether the call
// succeeds: a failed flush's inputs are safe to lose because every queued
// fact (a completion, a new message) is re-derivable or re-queued by the
// caller on its next tick.
func (s *Immediate) Flush(ctx context.Context, flags Flags) (WorkBatch, error) {
	s.mu.Lock()
	req := s.req
	req.Flags = flags
	s.req = s.resetLocked()
	s.mu.Unlock()

	batch, err := s.coordinator.ProcessWorkBatch(ctx, req)
	if err != nil {
		return WorkBatch{}, fmt.Errorf("coordinator: immediate flush: %w", err)
	}
	return batch, nil
}

// Batched accumulates queued operations and flushes on a timer or once a
// size threshold is crossed, amortizing the coordinator round-trip across
// many producers (spec §4.2). QueueXxx methods never block the caller;
// Flush can also be called explicitly (e.g. by the worker loop's own tick)
// in addition to the background timer.
type Batched struct {
	coordinator *Coordinator
	identity    Request

	interval  time.Duration
	sizeLimit int

	mu  sync.Mutex
	req Request

	flushMu  sync.Mutex // serializes concurrent Flush calls (timer vs explicit)
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBatched returns a Batched strategy that auto-flushes every interval, or
// immediately once the queued item count reaches sizeLimit, whichever comes
// first. Call Stop to halt the background timer.
func NewBatched(c *Coordinator, identity Request, interval time.Duration, sizeLimit int) *Batched {
	s := &Batched{
		coordinator: c,
		identity:    identity,
		interval:    interval,
		sizeLimit:   sizeLimit,
		stopCh:      make(chan struct{}),
	}
	s.req = s.resetLocked()
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Batched) resetLocked() Request {
	req := s.identity
	req.OutboxCompletedIDs, req.OutboxFailed = nil, nil
	req.InboxCompletedIDs, req.InboxFailed = nil, nil
	req.ReceptorCompletions, req.ReceptorFailures = nil, nil
	req.PerspectiveCompletions, req.PerspectiveFailures = nil, nil
	req.NewOutbox, req.NewInbox = nil, nil
	req.RenewOutboxLeaseIDs, req.RenewInboxLeaseIDs = nil, nil
	return req
}

func (s *Batched) queueSizeLocked() int {
	return len(s.req.NewOutbox) + len(s.req.NewInbox) +
		len(s.req.OutboxCompletedIDs) + len(s.req.InboxCompletedIDs) +
		len(s.req.OutboxFailed) + len(s.req.InboxFailed) +
		len(s.req.ReceptorCompletions) + len(s.req.ReceptorFailures) +
		len(s.req.PerspectiveCompletions) + len(s.req.PerspectiveFailures) +
		len(s.req.RenewOutboxLeaseIDs) + len(s.req.RenewInboxLeaseIDs)
}

// run drives the timer-triggered flush. A size-triggered flush is started
// in its own goroutine by the QueueXxx call that crosses the threshold
// instead of waiting for this ticker, so a burst of enqueues never waits a
// full interval behind a nearly-idle queue.
func (s *Batched) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Flush(context.Background(), FlagNone); err != nil {
				// The next tick or the next size-triggered flush sends what
				// is queued from now on; what this failed flush carried is
				// dropped, as with Immediate.Flush.
				continue
			}
		}
	}
}

func (s *Batched) maybeFlushOnSize() {
	s.mu.Lock()
	full := s.sizeLimit > 0 && s.queueSizeLocked() >= s.sizeLimit
	s.mu.Unlock()
	if full {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_, _ = s.Flush(context.Background(), FlagNone)
		}()
	}
}

func (s *Batched) QueueOutbox(m NewMessage) {
	s.mu.Lock()
	s.req.NewOutbox = append(s.req.NewOutbox, m)
	s.mu.Unlock()
	s.maybeFlushOnSize()
}

func (s *Batched) QueueInbox(m NewMessage) {
	s.mu.Lock()
	s.req.NewInbox = append(s.req.NewInbox, m)
	s.mu.Unlock()
	s.maybeFlushOnSize()
}

func (s *Batched) QueueCompletion(role Role, id envelope.MessageID) {
	s.mu.Lock()
	if role == RoleOutbox {
		s.req.OutboxCompletedIDs = append(s.req.OutboxCompletedIDs, id)
	} else {
		s.req.InboxCompletedIDs = append(s.req.InboxCompletedIDs, id)
	}
	s.mu.Unlock()
	s.maybeFlushOnSize()
}

func (s *Batched) QueueFailure(role Role, result FailedResult) {
	s.mu.Lock()
	if role == RoleOutbox {
		s.req.OutboxFailed = append(s.req.OutboxFailed, result)
	} else {
		s.req.InboxFailed = append(s.req.InboxFailed, result)
	}
	s.mu.Unlock()
	s.maybeFlushOnSize()
}

func (s *Batched) QueueReceptorCompletion(result ReceptorResult) {
	s.mu.Lock()
	s.req.ReceptorCompletions = append(s.req.ReceptorCompletions, result)
	s.mu.Unlock()
	s.maybeFlushOnSize()
}

func (s *Batched) QueueReceptorFailure(result ReceptorResult) {
	s.mu.Lock()
	s.req.ReceptorFailures = append(s.req.ReceptorFailures, result)
	s.mu.Unlock()
	s.maybeFlushOnSize()
}

func (s *Batched) QueuePerspective(result PerspectiveResult, completed bool) {
	s.mu.Lock()
	if completed {
		s.req.PerspectiveCompletions = append(s.req.PerspectiveCompletions, result)
	} else {
		s.req.PerspectiveFailures = append(s.req.PerspectiveFailures, result)
	}
	s.mu.Unlock()
	s.maybeFlushOnSize()
}

func (s *Batched) QueueLeaseRenewal(role Role, id envelope.MessageID) {
	s.mu.Lock()
	if role == RoleOutbox {
		s.req.RenewOutboxLeaseIDs = append(s.req.RenewOutboxLeaseIDs, id)
	} else {
		s.req.RenewInboxLeaseIDs = append(s.req.RenewInboxLeaseIDs, id)
	}
	s.mu.Unlock()
	s.maybeFlushOnSize()
}

// Flush sends everything queued so far in a single ProcessWorkBatch. Safe
// to call concurrently with the background timer and with QueueXxx calls.
func (s *Batched) Flush(ctx context.Context, flags Flags) (WorkBatch, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	req := s.req
	req.Flags = flags
	s.req = s.resetLocked()
	s.mu.Unlock()

	batch, err := s.coordinator.ProcessWorkBatch(ctx, req)
	if err != nil {
		return WorkBatch{}, fmt.Errorf("coordinator: batched flush: %w", err)
	}
	return batch, nil
}

// Stop halts the background flush timer. It does not flush pending work;
// call Flush explicitly first if that is required.
func (s *Batched) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
