// Command whizbangctl is an operator CLI for a running Whizbang deployment.
// It talks directly to the database through the same repository packages
// the daemon uses; there is no RPC layer between whizbangctl and
// cmd/whizbangd to go through.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whizbang-io/whizbang/pkg/config"
	"github.com/whizbang-io/whizbang/pkg/coordinator"
	"github.com/whizbang-io/whizbang/pkg/database"
	"github.com/whizbang-io/whizbang/pkg/dedup"
	"github.com/whizbang-io/whizbang/pkg/envelope"
	"github.com/whizbang-io/whizbang/pkg/inbox"
	"github.com/whizbang-io/whizbang/pkg/outbox"
	"github.com/whizbang-io/whizbang/pkg/partition"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "whizbangctl",
	Short: "Operate a running Whizbang deployment",
	Long: `whizbangctl is a maintenance tool for a Whizbang deployment: it
requeues a lease-expired message, force-reaps a stale instance, and runs
deduplication-table GC on demand. It operates against the already-migrated
schema; it does not migrate or inspect schema, and does not talk to
whizbangd over any network protocol.`,
}

func init() {
	rootCmd.PersistentFlags().String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")

	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(gcDedupCmd)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// openDatabase loads configuration from the --config-dir flag and opens a
// connection pool, shared by every subcommand below.
func openDatabase(cmd *cobra.Command) (context.Context, *database.Client, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")
	ctx := context.Background()

	cfg, err := config.Initialize(ctx, configDir+"/whizbang.yaml")
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	client, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return ctx, client, nil
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <message_id>",
	Short: "Clear a message's lease so it is immediately claimable again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid message id %q: %w", args[0], err)
		}
		messageID := envelope.MessageIDFromUUID(id)

		ctx, client, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		switch role {
		case "outbox":
			if err := outbox.New(client.DB()).Requeue(ctx, messageID); err != nil {
				return err
			}
		case "inbox":
			if err := inbox.New(client.DB()).Requeue(ctx, messageID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown --role %q, must be outbox or inbox", role)
		}
		fmt.Printf("requeued %s message %s\n", role, messageID)
		return nil
	},
}

func init() {
	requeueCmd.Flags().String("role", "outbox", "which buffer the message lives in: outbox or inbox")
}

var reapCmd = &cobra.Command{
	Use:   "reap <instance_id>",
	Short: "Force-reap a stale service instance",
	Long: `Deletes the instance's service_instances row and releases every
lease it held on outbox rows, inbox rows, and streams, making all of them
immediately claimable instead of waiting for their leases to expire
naturally. Intended for an instance that crashed without a chance to let
its leases expire on their own schedule.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instanceID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid instance id %q: %w", args[0], err)
		}

		ctx, client, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		coord := coordinator.New(client.DB())
		outboxRepo := outbox.New(client.DB())
		inboxRepo := inbox.New(client.DB())
		ownership := partition.New(client.DB())

		outboxReleased, err := outboxRepo.ReleaseByInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("release outbox leases: %w", err)
		}
		inboxReleased, err := inboxRepo.ReleaseByInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("release inbox leases: %w", err)
		}
		streamsReleased, err := ownership.ReleaseByInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("release stream leases: %w", err)
		}
		if err := coord.ForceReapInstance(ctx, instanceID); err != nil {
			return fmt.Errorf("remove instance row: %w", err)
		}

		fmt.Printf("reaped instance %s: %d outbox, %d inbox, %d streams released\n",
			instanceID, outboxReleased, inboxReleased, streamsReleased)
		return nil
	},
}

var gcDedupCmd = &cobra.Command{
	Use:   "gc-dedup",
	Short: "Delete deduplication records older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be a positive duration, e.g. 720h")
		}

		ctx, client, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		n, err := dedup.New(client.DB()).GC(ctx, olderThan)
		if err != nil {
			return fmt.Errorf("gc dedup: %w", err)
		}
		fmt.Printf("deleted %d dedup records older than %s\n", n, olderThan)
		return nil
	},
}

func init() {
	gcDedupCmd.Flags().Duration("older-than", 720*time.Hour, "retention cutoff, e.g. 720h for 30 days")
}
