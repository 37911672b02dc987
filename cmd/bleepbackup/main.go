// Package main is the entry point for the BleepBackup backup ingestion
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/bleepbackup/internal/config"
	"github.com/bleepstore/bleepbackup/internal/events"
	"github.com/bleepstore/bleepbackup/internal/lock"
	"github.com/bleepstore/bleepbackup/internal/logging"
	"github.com/bleepstore/bleepbackup/internal/metadata"
	"github.com/bleepstore/bleepbackup/internal/metrics"
	"github.com/bleepstore/bleepbackup/internal/model"
	"github.com/bleepstore/bleepbackup/internal/policy"
	"github.com/bleepstore/bleepbackup/internal/processor"
	"github.com/bleepstore/bleepbackup/internal/registry"
	"github.com/bleepstore/bleepbackup/internal/server"
	"github.com/bleepstore/bleepbackup/internal/storage"
	"github.com/bleepstore/bleepbackup/internal/sweep"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "bleepbackup.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("BleepBackup stopped", "error", err)
		os.Exit(1)
	}
}

// tiers are the three file storages a node writes to.
type tiers struct {
	local, offsite, logs storage.FileStorage
}

func openTiers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tiers, error) {
	local, err := storage.NewLocalStorage(cfg.Local.RootDir)
	if err != nil {
		return nil, fmt.Errorf("opening local tier: %w", err)
	}
	if err := local.CleanTempFiles(); err != nil {
		logger.Warn("Failed to clean temp files", "error", err)
	}
	offsite, err := cfg.Offsite.OpenStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening offsite tier: %w", err)
	}
	logger.Info("Storage tiers initialized", "local", cfg.Local.RootDir, "offsite", cfg.Offsite.Backend)

	t := &tiers{local: local, offsite: offsite, logs: offsite}
	if cfg.Logs.Backend != "" {
		if t.logs, err = cfg.Logs.OpenStorage(ctx); err != nil {
			return nil, fmt.Errorf("opening log storage: %w", err)
		}
		logger.Info("Log storage initialized", "backend", cfg.Logs.Backend)
	}
	return t, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clk := clock.WallClock
	m := metrics.New(prometheus.DefaultRegisterer)

	if cfg.Metadata.Engine == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Metadata.SQLite.Path), 0o755); err != nil {
			return fmt.Errorf("creating metadata directory: %w", err)
		}
	}
	engine, err := cfg.Metadata.OpenMetadata(ctx)
	if err != nil {
		return fmt.Errorf("opening metadata engine: %w", err)
	}
	defer engine.Close()
	logger.Info("Metadata engine initialized", "engine", cfg.Metadata.Engine)

	tables := make(map[string]metadata.Table, len(metadata.Tables))
	for _, name := range metadata.Tables {
		if tables[name], err = engine.Table(ctx, name); err != nil {
			return fmt.Errorf("opening table %s: %w", name, err)
		}
	}

	t, err := openTiers(ctx, cfg, logger)
	if err != nil {
		return err
	}

	leaser, err := cfg.Lock.OpenLeaser(ctx, engine, clk)
	if err != nil {
		return fmt.Errorf("opening lock backend: %w", err)
	}
	locks, err := lock.NewManager(leaser, cfg.Lock.LockManagerConfig(), clk, logger, m)
	if err != nil {
		return err
	}
	codecs, err := cfg.Codecs(logger)
	if err != nil {
		return err
	}

	bus := events.NewBus()

	backups := processor.NewBackupProcessor(processor.BackupConfig{
		NodeName:         cfg.Node.Name,
		ChunkSize:        cfg.ChunkSize,
		UploaderPoolSize: cfg.Offsite.UploaderPoolSize,
	}, processor.BackupDeps{
		Store:   metadata.NewStorage(tables[metadata.BackupsTable], func() *model.BackupMetadata { return new(model.BackupMetadata) }),
		Local:   t.local,
		Offsite: t.offsite,
		Logs:    t.logs,
		Locks:   locks,
		Codecs:  codecs,
		Bus:     bus,
		Clock:   clk,
		Logger:  logger,
		Metrics: m,
	})
	verifications := processor.NewVerificationProcessor(
		metadata.NewStorage(tables[metadata.VerificationsTable], func() *model.VerificationMetadata { return new(model.VerificationMetadata) }),
		t.logs, locks, backups, cfg.Node.Name, clk, logger)
	services := registry.New(
		metadata.NewStorage(tables[metadata.ServicesTable], func() *model.ServiceMetadata { return new(model.ServiceMetadata) }),
		backups, verifications,
		registry.Config{
			NodeName:                      cfg.Node.Name,
			BackupRequiredFrequency:       cfg.BackupRequiredFrequency,
			VerificationRequiredFrequency: cfg.VerificationRequiredFrequency,
		}, clk, logger)

	nodes := registry.NewNodes(metadata.NewStorage(tables[metadata.NodesTable], func() *model.NodeMetadata { return new(model.NodeMetadata) }))
	if err := nodes.Register(ctx, cfg.Node.Name, cfg.NodeURL()); err != nil {
		return fmt.Errorf("registering node %s: %w", cfg.Node.Name, err)
	}

	// Every startup is recovery: anything this node left running is failed.
	if err := backups.Start(ctx); err != nil {
		return fmt.Errorf("recovering backups: %w", err)
	}
	if err := verifications.Start(ctx); err != nil {
		return fmt.Errorf("recovering verifications: %w", err)
	}

	listBackups := func(ctx context.Context, service string) ([]*model.BackupMetadata, error) {
		return backups.List(ctx, service, nil)
	}
	scheduler := sweep.NewScheduler(cfg.Sweeps, clk, logger, m,
		sweep.NewTimeout[*model.BackupMetadata]("backup-timeout", backups, cfg.TimeoutDuration, clk, logger, m),
		sweep.NewTimeout[*model.VerificationMetadata]("verification-timeout", verifications, cfg.TimeoutDuration, clk, logger, m),
		sweep.NewOrphans(verifications, logger, m),
		sweep.NewRetention("local-retention", backups, t.local, model.Local,
			[]model.BackupState{model.BackupFinished},
			policy.FromConfig[*model.BackupMetadata](cfg.Local.Retention, clk), logger, m),
		sweep.NewRetention("offsite-retention", backups, t.offsite, model.Offsite,
			[]model.BackupState{model.BackupFinished},
			policy.FromConfig[*model.BackupMetadata](cfg.Offsite.Retention, clk), logger, m),
		sweep.NewRetention("local-failed-retention", backups, t.local, model.Local,
			[]model.BackupState{model.BackupFailed, model.BackupTimedOut},
			policy.NewFailed[*model.BackupMetadata](listBackups, logger), logger, m),
	)

	srv := server.New(server.Deps{
		Engine:        engine,
		Backups:       backups,
		Verifications: verifications,
		Registry:      services,
		Nodes:         nodes,
		Metrics:       m,
		Logger:        logger,
	})
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	// The registry drains the bus until it is closed, after the offsite
	// uploads that still publish events are done.
	notifications := bus.Subscribe(64)
	registered := make(chan struct{})
	go func() {
		defer close(registered)
		services.Run(context.Background(), notifications)
	}()
	defer func() {
		bus.Close()
		<-registered
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("BleepBackup listening", "addr", addr, "node", cfg.Node.Name)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
		if err := backups.Close(shutdownCtx); err != nil {
			logger.Warn("Offsite uploads still in flight", "error", err)
		}
		return nil
	})

	return g.Wait()
}
