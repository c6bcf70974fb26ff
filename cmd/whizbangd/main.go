// Command whizbangd runs one Whizbang service instance: it registers with
// the Work Coordinator, polls for claimable outbox/inbox work, dispatches
// it through the configured execution strategy, and runs the background
// retention sweep. It exposes no domain API of its own; wiring concrete
// message types and handlers into the registry and dispatcher is left to
// the deployment that embeds this binary's packages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/whizbang-io/whizbang/pkg/cleanup"
	"github.com/whizbang-io/whizbang/pkg/config"
	"github.com/whizbang-io/whizbang/pkg/coordinator"
	"github.com/whizbang-io/whizbang/pkg/database"
	"github.com/whizbang-io/whizbang/pkg/dedup"
	"github.com/whizbang-io/whizbang/pkg/dispatcher"
	"github.com/whizbang-io/whizbang/pkg/envelope"
	"github.com/whizbang-io/whizbang/pkg/execution"
	"github.com/whizbang-io/whizbang/pkg/inbox"
	"github.com/whizbang-io/whizbang/pkg/metrics"
	"github.com/whizbang-io/whizbang/pkg/outbox"
	"github.com/whizbang-io/whizbang/pkg/partition"
	"github.com/whizbang-io/whizbang/pkg/wlog"
	"github.com/whizbang-io/whizbang/pkg/worker"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := filepath.Join(*configDir, "whizbang.yaml")
	cfg, err := config.Initialize(ctx, cfgPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("error closing database client", "error", err)
		}
	}()
	slog.Info("connected to database and applied migrations")

	slog.SetDefault(slog.New(wlog.NewHandler(dbClient.DB(), cfg.Worker.ServiceName)))

	instanceID := uuid.New()
	hostname, _ := os.Hostname()

	dedupRepo := dedup.New(dbClient.DB())
	outboxRepo := outbox.New(dbClient.DB())
	inboxRepo := inbox.New(dbClient.DB())
	ownership := partition.New(dbClient.DB())
	coord := coordinator.New(dbClient.DB())

	identity := coordinator.Request{
		InstanceID:  instanceID,
		ServiceName: cfg.Worker.ServiceName,
		Host:        hostname,
		PID:         os.Getpid(),
		Topology: coordinator.Topology{
			PartitionCount:         cfg.Topology.PartitionCount,
			LeaseSeconds:           cfg.Topology.LeaseSeconds,
			StaleThresholdSeconds:  cfg.Topology.StaleThresholdSeconds,
			ClaimQuotaPerPartition: cfg.Topology.ClaimQuotaPerPartition,
		},
	}
	strategy := coordinator.NewBatched(coord, identity, cfg.Worker.BatchFlushInterval, cfg.Worker.BatchFlushSize)
	defer strategy.Stop()

	outboxExec := execution.NewSerial(cfg.Worker.ChannelCapacity)
	inboxExec := execution.NewParallel(4, cfg.Worker.ChannelCapacity)
	if err := outboxExec.Start(ctx); err != nil {
		slog.Error("failed to start outbox executor", "error", err)
		os.Exit(1)
	}
	if err := inboxExec.Start(ctx); err != nil {
		slog.Error("failed to start inbox executor", "error", err)
		os.Exit(1)
	}

	registry := envelope.NewTypeRegistry()
	pipeline := dispatcher.New()

	w := worker.New(worker.Config{
		ID:                 instanceID.String(),
		Strategy:           strategy,
		Dispatcher:         pipeline,
		Registry:           registry,
		Transport:          logTransport{},
		OutboxExec:         outboxExec,
		InboxExec:          inboxExec,
		PollInterval:       cfg.Worker.PollInterval,
		LeaseRenewInterval: time.Duration(cfg.Topology.LeaseSeconds) * time.Second / 2,
	})
	w.Start(ctx)
	defer w.Stop()

	cleanupSvc := cleanup.NewService(cleanup.Config{
		Interval:          time.Hour,
		DedupRetention:    7 * 24 * time.Hour,
		OutboxRetention:   24 * time.Hour,
		InboxRetention:    24 * time.Hour,
		OrphanedStreamTTL: 2 * time.Duration(cfg.Topology.LeaseSeconds) * time.Second,
	}, dedupRepo, outboxRepo, inboxRepo, ownership)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	stopSampler := startQueueDepthSampler(ctx, outboxRepo, inboxRepo, cfg.Worker.PollInterval*10)
	defer stopSampler()

	stopPartitionAssigner := startPartitionAssigner(ctx, coord, ownership, cfg.Topology.PartitionCount, cfg.Worker.PollInterval*10)
	defer stopPartitionAssigner()

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		health, err := database.Health(reqCtx, dbClient.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": health, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "database": health, "instance_id": instanceID.String()})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{Addr: ":" + httpPort, Handler: router}
	go func() {
		slog.Info("http server listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	slog.Info("whizbangd started", "instance_id", instanceID, "service_name", cfg.Worker.ServiceName)
	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if err := outboxExec.StopAsync(shutdownCtx); err != nil {
		slog.Error("outbox executor shutdown error", "error", err)
	}
	if err := inboxExec.StopAsync(shutdownCtx); err != nil {
		slog.Error("inbox executor shutdown error", "error", err)
	}
	slog.Info("whizbangd stopped")
}

// logTransport is the default worker.Transport: it logs the send instead of
// delivering it anywhere. Whizbang ships no transport adapters (spec
// non-goal); a deployment that needs one implements worker.Transport over
// its own broker and passes it into worker.Config in place of this.
type logTransport struct{}

func (logTransport) Send(ctx context.Context, destination, messageType string, data, metadata json.RawMessage) error {
	slog.Debug("transport send (no-op default)", "destination", destination, "message_type", messageType)
	return nil
}

// startQueueDepthSampler periodically samples outbox/inbox pending depth
// into metrics.QueueDepth. Returns a func that stops the sampler.
func startQueueDepthSampler(ctx context.Context, o *outbox.Outbox, ib *inbox.Inbox, interval time.Duration) func() {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if n, err := o.Depth(ctx); err == nil {
					metrics.QueueDepth.WithLabelValues("outbox").Set(float64(n))
				} else {
					slog.Error("sample outbox depth", "error", err)
				}
				if n, err := ib.Depth(ctx); err == nil {
					metrics.QueueDepth.WithLabelValues("inbox").Set(float64(n))
				} else {
					slog.Error("sample inbox depth", "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// startPartitionAssigner periodically recomputes the sticky partition ->
// instance assignment (spec §4.5's load-balancing guarantee) against the
// coordinator's current live instance set. Any running instance can be the
// one that recomputes it on a given tick; the write is idempotent, so
// overlapping runs from multiple instances just repeat the same assignment.
func startPartitionAssigner(ctx context.Context, coord *coordinator.Coordinator, ownership *partition.Ownership, partitionCount int, interval time.Duration) func() {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				instances, err := coord.LiveInstances(ctx)
				if err != nil {
					slog.Error("list live instances for partition assignment", "error", err)
					continue
				}
				if err := ownership.AssignPartitions(ctx, partitionCount, instances); err != nil {
					slog.Error("assign partitions", "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
