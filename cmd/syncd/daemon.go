package main

import (
	"context"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clearledger/syncd/internal/codec"
	"github.com/clearledger/syncd/internal/config"
	"github.com/clearledger/syncd/internal/live"
	"github.com/clearledger/syncd/internal/remote"
	"github.com/clearledger/syncd/internal/snapshot"
	"github.com/clearledger/syncd/internal/status"
	syncengine "github.com/clearledger/syncd/internal/sync"
	"github.com/clearledger/syncd/internal/store"
	"github.com/clearledger/syncd/internal/worker"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long:  "Run continuous background sync: periodic cycles, live updates, and cache snapshots.",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	initLogger(cfg.Log.Level, cfg.Log.Format)
	slog.Info("configuration loaded")

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("local cache initialized", "path", cfg.Database.Path)

	cdc, err := buildCodec(cfg.Encryption)
	if err != nil {
		return err
	}

	client := remote.NewHTTPClient(cfg.Remote.BaseURL, staticToken(cfg.Remote.APIKey))
	bus := status.NewBus()

	engine := syncengine.New(db, client, cdc, bus, engineConfig(cfg.Sync), syncengine.Options{
		Session: staticSession(cfg.Remote.UserID),
		OnLogout: func() {
			slog.Error("session rejected, stopping daemon",
				"component", "daemon",
			)
			cancel()
		},
		Notify: logNotification,
	})

	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	syncWorker := worker.NewSyncCoordinator(engine, time.Duration(cfg.Sync.Interval))
	startWorker(ctx, &wg, "sync-coordinator", syncWorker.Run)

	if cfg.Snapshot.Enabled {
		snapWorker := worker.NewSnapshotCoordinator(db, uploader, cfg.Remote.UserID, time.Duration(cfg.Snapshot.Interval))
		startWorker(ctx, &wg, "snapshot-coordinator", snapWorker.Run)
	}

	if cfg.Live.Enabled {
		channel := live.NewChannel(liveConfig(cfg), engine, func(s live.State) {
			// A reconnect means missed events; a full cycle catches up.
			if s == live.StateConnected {
				go engine.Sync(ctx)
			}
		})
		startWorker(ctx, &wg, "live-channel", channel.Run)
	}

	<-ctx.Done()
	slog.Info("shutdown initiated")
	wg.Wait()

	slog.Info("shutdown complete")
	return nil
}

// buildCodec derives the field encryption codec from config. With no
// passphrase, sensitive fields are stored as-is.
func buildCodec(cfg config.EncryptionConfig) (codec.Codec, error) {
	if cfg.Passphrase == "" {
		return codec.Noop{}, nil
	}
	key := codec.DeriveKey([]byte(cfg.Passphrase), []byte(cfg.Salt))
	return codec.NewAESCodec(key)
}

// staticToken adapts a fixed API key to the per-request token resolver.
func staticToken(apiKey string) remote.TokenFunc {
	return func(ctx context.Context) (string, error) {
		return apiKey, nil
	}
}

// staticSession resolves the configured user id for every cycle.
func staticSession(userID string) syncengine.SessionFunc {
	return func(ctx context.Context) (string, error) {
		return userID, nil
	}
}

func logNotification(n syncengine.Notification) {
	slog.Warn("notification",
		"component", "daemon",
		"title", n.Title,
		"body", n.Body,
	)
}

func engineConfig(cfg config.SyncConfig) syncengine.Config {
	return syncengine.Config{
		BatchSize:           cfg.BatchSize,
		PageSize:            cfg.PageSize,
		MaxRetries:          cfg.MaxRetries,
		RetryBase:           time.Duration(cfg.RetryBase),
		RetryCap:            time.Duration(cfg.RetryCap),
		QuarantineThreshold: cfg.QuarantineThreshold,
		PushDebounce:        time.Duration(cfg.PushDebounce),
	}
}

func liveConfig(cfg *config.Config) live.Config {
	return live.Config{
		URL:               feedURL(cfg.Remote.BaseURL),
		Token:             cfg.Remote.APIKey,
		MaxAttempts:       cfg.Live.MaxAttempts,
		BackoffBase:       time.Duration(cfg.Live.BackoffBase),
		BackoffCap:        time.Duration(cfg.Live.BackoffCap),
		ReconnectDebounce: time.Duration(cfg.Live.ReconnectDebounce),
	}
}

// feedURL converts the remote base URL into the websocket feed endpoint.
func feedURL(baseURL string) string {
	ws := baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/api/v1/feed"
}
