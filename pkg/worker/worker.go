// Package worker implements the Worker Loop (spec component C11): a
// long-running per-instance task that ticks on an interval, flushes the
// Coordinator Strategy to exchange completed results for new work, and
// dispatches each returned item onto an execution strategy.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whizbang-io/whizbang/pkg/coordinator"
	"github.com/whizbang-io/whizbang/pkg/dispatcher"
	"github.com/whizbang-io/whizbang/pkg/envelope"
	"github.com/whizbang-io/whizbang/pkg/metrics"
)

// Executor is the subset of pkg/execution's Serial/Parallel surface the
// worker loop needs: submit a function, get back its eventual result.
type Executor interface {
	ExecuteAsync(ctx context.Context, fn func(ctx context.Context) error) (<-chan error, error)
}

// Transport sends one outbound message to its destination. Production
// wiring implements this over whatever broker/topic scheme the deployment
// uses; tests supply a stub.
type Transport interface {
	Send(ctx context.Context, destination, messageType string, data, metadata json.RawMessage) error
}

// Worker runs the tick/flush/dispatch/report loop for one service instance.
type Worker struct {
	id                 string
	strategy           coordinator.Strategy
	dispatcher         *dispatcher.Dispatcher
	registry           *envelope.TypeRegistry
	transport          Transport
	outboxExec         Executor
	inboxExec          Executor
	pollInterval       time.Duration
	leaseRenewInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config bundles a Worker's collaborators and tuning. All fields are
// required except PollInterval, which defaults to one second, and
// LeaseRenewInterval, which defaults to PollInterval.
type Config struct {
	ID           string
	Strategy     coordinator.Strategy
	Dispatcher   *dispatcher.Dispatcher
	Registry     *envelope.TypeRegistry
	Transport    Transport
	OutboxExec   Executor
	InboxExec    Executor
	PollInterval time.Duration

	// LeaseRenewInterval governs how often an item still in flight past one
	// tick has its lease renewed via strategy.QueueLeaseRenewal, so a
	// handler that legitimately runs longer than lease_seconds doesn't lose
	// its claim to another instance. Should be meaningfully shorter than the
	// configured lease_seconds.
	LeaseRenewInterval time.Duration
}

// New returns a Worker ready to Start.
func New(cfg Config) *Worker {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	renewInterval := cfg.LeaseRenewInterval
	if renewInterval <= 0 {
		renewInterval = interval
	}
	return &Worker{
		id:                 cfg.ID,
		strategy:           cfg.Strategy,
		dispatcher:         cfg.Dispatcher,
		registry:           cfg.Registry,
		transport:          cfg.Transport,
		outboxExec:         cfg.OutboxExec,
		inboxExec:          cfg.InboxExec,
		pollInterval:       interval,
		leaseRenewInterval: renewInterval,
		stopCh:             make(chan struct{}),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to stop and waits for it to finish. Safe to call
// more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log := slog.With("worker_id", w.id)
	log.Info("worker started")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			log.Info("worker stopping")
			return
		case <-ctx.Done():
			log.Info("worker stopping: context cancelled")
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				log.Error("tick failed", "error", err)
			}
		}
	}
}

// tick implements one pass of spec §4.9's five steps: flush queued results
// for new work (steps 2-3 are implicit in Flush, since results are queued
// by completion callbacks as they happen rather than collected here),
// dispatch each returned item on the matching executor, and register a
// callback that reports its outcome back onto the strategy's queues.
func (w *Worker) tick(ctx context.Context) error {
	metrics.WorkerTicksTotal.Inc()

	batch, err := w.strategy.Flush(ctx, coordinator.FlagNone)
	if err != nil {
		return fmt.Errorf("worker: flush: %w", err)
	}

	for _, item := range batch.OutboxWork {
		w.dispatchOutbox(ctx, item)
	}
	for _, item := range batch.InboxWork {
		w.dispatchInbox(ctx, item)
	}
	return nil
}

func (w *Worker) dispatchOutbox(ctx context.Context, item coordinator.OutboxWork) {
	done, err := w.outboxExec.ExecuteAsync(ctx, func(ctx context.Context) error {
		return w.transport.Send(ctx, item.Destination, item.MessageType, item.MessageData, item.Metadata)
	})
	if err != nil {
		slog.Error("worker: submit outbox item", "message_id", item.MessageID, "error", err)
		return
	}
	go w.reportOutcome(ctx, coordinator.RoleOutbox, item.MessageID, done)
}

func (w *Worker) dispatchInbox(ctx context.Context, item coordinator.InboxWork) {
	receptorCtx, outcomes := dispatcher.WithReceptorOutcomes(ctx)
	done, err := w.inboxExec.ExecuteAsync(receptorCtx, func(ctx context.Context) error {
		payload, err := w.registry.Decode(item.MessageType, item.MessageData)
		if err != nil {
			return fmt.Errorf("decode %s: %w", item.MessageType, err)
		}
		env := &dispatcher.Envelope{
			MessageID: item.MessageID,
			Payload:   payload,
			Hops:      []envelope.Hop{{Type: envelope.HopCurrent, Timestamp: time.Now().UTC()}},
			Scope:     item.Scope,
		}
		return w.dispatcher.Dispatch(ctx, env)
	})
	if err != nil {
		slog.Error("worker: submit inbox item", "message_id", item.MessageID, "error", err)
		return
	}
	go w.reportInboxOutcome(ctx, item.MessageID, done, outcomes)
}

// reportInboxOutcome is reportOutcome specialized for inbox items: besides
// the item's own completion/failure, it also reports every ReceptorInvoke
// handler's individual outcome once Dispatch has actually returned (not on
// context cancellation, since outcomes may still be being written by an
// abandoned in-flight Dispatch call in that case).
func (w *Worker) reportInboxOutcome(ctx context.Context, id envelope.MessageID, done <-chan error, outcomes *[]dispatcher.ReceptorOutcome) {
	ticker := time.NewTicker(w.leaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				w.strategy.QueueFailure(coordinator.RoleInbox, coordinator.FailedResult{
					MessageID:     id,
					FailureReason: coordinator.ReasonUnknown,
					Error:         err.Error(),
				})
			} else {
				w.strategy.QueueCompletion(coordinator.RoleInbox, id)
			}
			w.reportReceptorOutcomes(id, *outcomes)
			return
		case <-ticker.C:
			w.strategy.QueueLeaseRenewal(coordinator.RoleInbox, id)
		case <-ctx.Done():
			return
		}
	}
}

// reportReceptorOutcomes queues one receptor_completions/receptor_failures
// entry per handler invoked during this item's ReceptorInvoke stage (spec
// §4.1), independent of the item's own inbox-level completion/failure.
func (w *Worker) reportReceptorOutcomes(id envelope.MessageID, outcomes []dispatcher.ReceptorOutcome) {
	for _, o := range outcomes {
		if o.Err != nil {
			w.strategy.QueueReceptorFailure(coordinator.ReceptorResult{
				MessageID: id, HandlerName: o.HandlerName, Error: o.Err.Error(),
			})
			continue
		}
		w.strategy.QueueReceptorCompletion(coordinator.ReceptorResult{
			MessageID: id, HandlerName: o.HandlerName,
		})
	}
}

// reportOutcome waits for one dispatched item's result and queues the
// corresponding completion or failure on the strategy, to be folded into
// the next Flush (spec §4.9 step 5). While the item is still in flight it
// renews its lease on leaseRenewInterval, so a handler legitimately running
// past lease_seconds isn't reclaimed by another instance mid-processing.
func (w *Worker) reportOutcome(ctx context.Context, role coordinator.Role, id envelope.MessageID, done <-chan error) {
	ticker := time.NewTicker(w.leaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				w.strategy.QueueFailure(role, coordinator.FailedResult{
					MessageID:     id,
					FailureReason: coordinator.ReasonUnknown,
					Error:         err.Error(),
				})
				return
			}
			w.strategy.QueueCompletion(role, id)
			return
		case <-ticker.C:
			w.strategy.QueueLeaseRenewal(role, id)
		case <-ctx.Done():
			// Left claimed; its lease expires and another instance (or this
			// one, next cycle) will reclaim it. Nothing to report.
			return
		}
	}
}
