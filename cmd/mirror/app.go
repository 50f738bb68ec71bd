package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"channel-mirror/internal/driver/telegram"
	"channel-mirror/internal/feed"
	"channel-mirror/internal/httpapi"
	"channel-mirror/internal/imaging"
	"channel-mirror/internal/kernel"
	"channel-mirror/internal/store"
	"channel-mirror/internal/syncer"
	"channel-mirror/pkg/mirror"
)

const appName = "channel-mirror"

// backfiller runs one reconcile pass.
type backfiller interface {
	Run(ctx context.Context) (syncer.Report, error)
}

// profileWriter persists the cached channel profile.
type profileWriter interface {
	UpdateProfile(ctx context.Context, profile mirror.Profile) error
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recordStore, err := store.Open(ctx, cfg.store.path, cfg.channel,
		store.WithCompressionLevel(cfg.store.compressionLevel),
		store.WithBusyTimeout(cfg.store.busyTimeout),
		store.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := recordStore.Close(); err != nil {
			logger.Error("close store failed", "error", err)
		}
	}()

	transcoder := imaging.NewStdTranscoder(cfg.image, logger)
	telegramRuntime, err := telegram.BuildRuntimeFromConfig(cfg.channel, logger, cfg.telegram, transcoder)
	if err != nil {
		return fmt.Errorf("build telegram runtime: %w", err)
	}
	source := telegramRuntime.Source()

	reconciler, err := syncer.NewReconciler(source, recordStore,
		syncer.WithBatchSize(cfg.backfill.batchSize),
		syncer.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("new reconciler: %w", err)
	}
	applier, err := syncer.NewApplier(source, recordStore, syncer.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("new applier: %w", err)
	}

	pager, err := feed.New(recordStore, cfg.http.pageSize)
	if err != nil {
		return fmt.Errorf("new pager: %w", err)
	}
	server, err := httpapi.New(pager, recordStore, httpapi.Config{
		Addr:          cfg.httpAddr(),
		Name:          appName,
		Version:       version,
		CORSWhitelist: cfg.http.corsWhitelist,
		StaticDir:     cfg.http.staticDir,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("new http api: %w", err)
	}

	var backfill backfiller
	if cfg.backfill.enabled {
		backfill = reconciler
	}
	ready := newReadyHook(logger, source, recordStore, backfill)

	kernelRuntime := kernel.New(
		kernel.WithLogger(logger),
		kernel.WithShutdownTimeout(cfg.shutdown),
	)
	if err := kernelRuntime.Register(kernel.Func{
		ComponentName: telegram.DriverType + ":" + cfg.channel,
		StartFunc: func(ctx context.Context) error {
			return telegramRuntime.Run(ctx, ready, applier)
		},
	}); err != nil {
		return fmt.Errorf("register telegram runtime: %w", err)
	}
	if err := kernelRuntime.Register(server); err != nil {
		return fmt.Errorf("register http api: %w", err)
	}

	logger.Info("channel mirror starting",
		"channel", cfg.channel,
		"version", version,
		"store", cfg.store.path,
		"http", cfg.httpAddr(),
	)
	if err := kernelRuntime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run kernel: %w", err)
	}
	logger.Info("channel mirror stopped")

	return nil
}

// newReadyHook builds the startup step run inside the Telegram session: refresh
// the cached profile, then backfill. An unreachable channel or any backfill
// failure ends startup before live updates are applied, so a later live insert
// can never raise the local max id past an unfetched gap.
func newReadyHook(
	logger *slog.Logger,
	profiles mirror.ProfileSource,
	writer profileWriter,
	backfill backfiller,
) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := refreshProfile(ctx, profiles, writer); err != nil {
			if errors.Is(err, mirror.ErrSourceUnavailable) {
				return err
			}
			logger.WarnContext(ctx, "channel profile refresh failed", "error", err)
		}

		if backfill == nil {
			logger.InfoContext(ctx, "backfill disabled")
			return nil
		}
		report, err := backfill.Run(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "backfill incomplete",
				"error", err,
				"inserted", report.Inserted,
				"local_max", report.LocalMax,
			)
			return fmt.Errorf("backfill: %w", err)
		}
		logger.InfoContext(ctx, "backfill complete",
			"local_max", report.LocalMax,
			"remote_latest", report.RemoteLatest,
			"batches", report.Batches,
			"inserted", report.Inserted,
			"duplicates", report.Duplicates,
			"skipped", report.Skipped,
		)

		return nil
	}
}

func refreshProfile(ctx context.Context, profiles mirror.ProfileSource, writer profileWriter) error {
	profile, err := profiles.FetchProfile(ctx)
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	if err := writer.UpdateProfile(ctx, profile); err != nil {
		return fmt.Errorf("store profile: %w", err)
	}

	return nil
}

// newLogger writes JSON logs to stdout, or to a rotated file when log_file.path is set.
func newLogger(cfg appConfig) (*slog.Logger, func(), error) {
	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
	)
	if cfg.logFile.path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.logFile.path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.logFile.path,
			MaxSize:    cfg.logFile.maxSizeMB,
			MaxBackups: cfg.logFile.maxBackups,
			MaxAge:     cfg.logFile.maxAgeDays,
			Compress:   cfg.logFile.compress,
		}
		out = rotator
		closeFn = func() { _ = rotator.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	return logger, closeFn, nil
}
