// Package cleanup runs the periodic retention sweep: dedup record GC,
// terminal outbox/inbox row expiry, and orphaned-stream reaping.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/whizbang-io/whizbang/pkg/dedup"
	"github.com/whizbang-io/whizbang/pkg/inbox"
	"github.com/whizbang-io/whizbang/pkg/metrics"
	"github.com/whizbang-io/whizbang/pkg/outbox"
	"github.com/whizbang-io/whizbang/pkg/partition"
)

// Config governs how aggressively the retention sweep runs.
type Config struct {
	Interval            time.Duration
	DedupRetention      time.Duration
	OutboxRetention     time.Duration
	InboxRetention      time.Duration
	OrphanedStreamTTL   time.Duration
}

// Service periodically enforces retention policies:
//   - GCs first-seen dedup records past DedupRetention
//   - Deletes terminal outbox/inbox rows past their retention window
//   - Reaps streams idle beyond OrphanedStreamTTL
//
// All operations are idempotent and safe to run from multiple instances.
type Service struct {
	config Config

	dedup     *dedup.Dedup
	outbox    *outbox.Outbox
	inbox     *inbox.Inbox
	ownership *partition.Ownership

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg Config, d *dedup.Dedup, o *outbox.Outbox, i *inbox.Inbox, ownership *partition.Ownership) *Service {
	return &Service{config: cfg, dedup: d, outbox: o, inbox: i, ownership: ownership}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"interval", s.config.Interval,
		"dedup_retention", s.config.DedupRetention,
		"outbox_retention", s.config.OutboxRetention,
		"inbox_retention", s.config.InboxRetention,
		"orphaned_stream_ttl", s.config.OrphanedStreamTTL)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.gcDedup(ctx)
	s.expireOutbox(ctx)
	s.expireInbox(ctx)
	s.reapOrphanedStreams(ctx)
}

func (s *Service) gcDedup(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RetentionSweepDuration, "dedup")

	n, err := s.dedup.GC(ctx, s.config.DedupRetention)
	if err != nil {
		slog.Error("retention: dedup gc failed", "error", err)
		return
	}
	metrics.DedupRecordsGCdTotal.Add(float64(n))
	if n > 0 {
		slog.Info("retention: gc'd dedup records", "count", n)
	}
}

func (s *Service) expireOutbox(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RetentionSweepDuration, "outbox")

	n, err := s.outbox.CleanupExpired(ctx, s.config.OutboxRetention)
	if err != nil {
		slog.Error("retention: outbox cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("retention: cleaned up outbox rows", "count", n)
	}
}

func (s *Service) expireInbox(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RetentionSweepDuration, "inbox")

	n, err := s.inbox.CleanupExpired(ctx, s.config.InboxRetention)
	if err != nil {
		slog.Error("retention: inbox cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("retention: cleaned up inbox rows", "count", n)
	}
}

func (s *Service) reapOrphanedStreams(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RetentionSweepDuration, "streams")

	expired, deleted, err := s.ownership.ReapOrphanedStreams(ctx, s.config.OrphanedStreamTTL)
	if err != nil {
		slog.Error("retention: stream reap failed", "error", err)
		return
	}
	if expired > 0 || deleted > 0 {
		slog.Info("retention: reaped streams", "expired_leases", expired, "deleted_idle", deleted)
	}
}
