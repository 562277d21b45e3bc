package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proposalforge/collabd/internal/archive"
	"github.com/proposalforge/collabd/internal/auth"
	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/config"
	"github.com/proposalforge/collabd/internal/database"
	"github.com/proposalforge/collabd/internal/httpapi"
	"github.com/proposalforge/collabd/internal/lock"
	"github.com/proposalforge/collabd/internal/presence"
	"github.com/proposalforge/collabd/internal/session"
	"github.com/proposalforge/collabd/internal/telemetry"
	"github.com/proposalforge/collabd/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/collabd.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting collabd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"addr", cfg.Server.Addr,
		"archive_enabled", cfg.Archive.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	verifier, err := auth.NewVerifier([]byte(cfg.Auth.HMACSecret), cfg.Auth.Issuer)
	if err != nil {
		logger.Error("failed to create verifier", "error", err)
		os.Exit(1)
	}

	events := bus.New(logger.With("component", "bus"))

	reg := presence.NewRegistry(presence.Config{
		TTL:           cfg.Presence.TTL,
		SweepInterval: cfg.Presence.SweepInterval,
	}, events, logger.With("component", "presence"))

	locks := lock.NewManager(lock.Config{
		DefaultLease:  cfg.Locks.DefaultLease,
		MaxLease:      cfg.Locks.MaxLease,
		SweepInterval: cfg.Locks.SweepInterval,
	}, events, logger.With("component", "locks"))

	metrics := telemetry.NewAggregator(telemetry.Config{
		Window:         cfg.Telemetry.Window,
		RetainInactive: cfg.Telemetry.RetainInactive,
	}, logger.With("component", "telemetry"))

	sessions := session.NewManager(session.Config{
		HeartbeatInterval: cfg.Sessions.HeartbeatInterval,
		WriteTimeout:      cfg.Sessions.WriteTimeout,
		SendQueueSize:     cfg.Sessions.SendQueueSize,
		MaxMessageBytes:   cfg.Sessions.MaxMessageBytes,
		PingInterval:      cfg.Telemetry.PingInterval,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, verifier, events, reg, locks, metrics, logger.With("component", "sessions"))

	// Optional telemetry archive
	var db *pgxpool.Pool
	var archiver *archive.Writer
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Postgres.Host,
			"port", cfg.Archive.Postgres.Port,
			"database", cfg.Archive.Postgres.Name,
		)

		db, err = database.Connect(ctx, cfg.Archive.Postgres)
		if err != nil {
			logger.Error("failed to connect to archive database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		archiver = archive.NewWriter(archive.Config{
			Instance:      cfg.Instance.ID,
			FlushInterval: cfg.Archive.FlushInterval,
			BatchSize:     cfg.Archive.BatchSize,
		}, metrics, db, logger.With("component", "archive"))
	}

	httpServer := httpapi.NewServer(httpapi.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, sessions, metrics, reg, locks, events, db, logger.With("component", "http"))

	// Start components, dependencies first.
	type component struct {
		name string
		c    interface {
			Start(context.Context) error
			Stop(context.Context) error
		}
	}
	components := []component{
		{"presence", reg},
		{"locks", locks},
		{"telemetry", metrics},
		{"sessions", sessions},
	}
	if archiver != nil {
		components = append(components, component{"archive", archiver})
	}
	components = append(components, component{"http", httpServer})

	started := make([]component, 0, len(components))
	for _, comp := range components {
		if err := comp.c.Start(ctx); err != nil {
			logger.Error("failed to start component", "component", comp.name, "error", err)
			os.Exit(1)
		}
		started = append(started, comp)
	}

	logger.Info("collabd running",
		"instance_id", cfg.Instance.ID,
		"addr", cfg.Server.Addr,
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop in reverse order so nothing publishes into a stopped consumer.
	for i := len(started) - 1; i >= 0; i-- {
		comp := started[i]
		if err := comp.c.Stop(shutdownCtx); err != nil {
			logger.Warn("component stop failed", "component", comp.name, "error", err)
		}
	}

	logger.Info("collabd stopped")
}
