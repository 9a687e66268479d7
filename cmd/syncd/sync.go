package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clearledger/syncd/internal/config"
	"github.com/clearledger/syncd/internal/remote"
	"github.com/clearledger/syncd/internal/status"
	syncengine "github.com/clearledger/syncd/internal/sync"
	"github.com/clearledger/syncd/internal/store"
)

var (
	syncFull     bool
	syncPushOnly bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle and exit",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false,
		"Ignore the cursor and pull entire remote tables")
	syncCmd.Flags().BoolVar(&syncPushOnly, "push-only", false,
		"Push pending mutations without pulling")
}

func runSync(cmd *cobra.Command, args []string) error {
	if syncFull && syncPushOnly {
		return fmt.Errorf("--full and --push-only are mutually exclusive")
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	initLogger(cfg.Log.Level, cfg.Log.Format)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	cdc, err := buildCodec(cfg.Encryption)
	if err != nil {
		return err
	}

	client := remote.NewHTTPClient(cfg.Remote.BaseURL, staticToken(cfg.Remote.APIKey))
	bus := status.NewBus()

	var loggedOut bool
	engine := syncengine.New(db, client, cdc, bus, engineConfig(cfg.Sync), syncengine.Options{
		Session:  staticSession(cfg.Remote.UserID),
		OnLogout: func() { loggedOut = true },
		Notify:   logNotification,
	})

	switch {
	case syncFull:
		engine.FullSync(ctx)
	case syncPushOnly:
		engine.PushOnly(ctx)
	default:
		engine.Sync(ctx)
	}

	if loggedOut {
		return fmt.Errorf("session rejected by remote store")
	}

	printSnapshot(cmd, bus.Current())
	return nil
}

func printSnapshot(cmd *cobra.Command, snap status.Snapshot) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pending: %d\n", snap.PendingCount)
	fmt.Fprintf(out, "errors:  %d\n", snap.ErrorCount)
	if !snap.LastSyncAt.IsZero() {
		fmt.Fprintf(out, "synced:  %s\n", snap.LastSyncAt.Format(time.RFC3339))
	}
	for _, item := range snap.Errors {
		flag := ""
		if item.Quarantined {
			flag = " [quarantined]"
		}
		fmt.Fprintf(out, "  %s: %s (attempts %d)%s\n", item.Key, item.Message, item.Attempts, flag)
	}
}
