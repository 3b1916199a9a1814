// Command monitord serves the portal's system-health snapshot.
//
// # Usage
//
//	monitord --config /etc/portal-health/config.yaml --port 8080
//
// # Configuration
//
// The daemon can be configured via:
// - Command-line flags
// - Environment variables (PORTALHEALTH_*)
// - A YAML config file
//
// Without a config file the default probe set is used. A database URL
// enables the refresh journal; a Redis URL enables the snapshot mirror.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pilot-net/portal-health/db/migrate"
	"github.com/pilot-net/portal-health/monitor/internal/aggregator"
	"github.com/pilot-net/portal-health/monitor/internal/api"
	"github.com/pilot-net/portal-health/monitor/internal/cache"
	"github.com/pilot-net/portal-health/monitor/internal/config"
	"github.com/pilot-net/portal-health/monitor/internal/probe"
	"github.com/pilot-net/portal-health/monitor/internal/secrets"
	"github.com/pilot-net/portal-health/monitor/internal/snapshot"
	"github.com/pilot-net/portal-health/monitor/internal/store"
	"github.com/pilot-net/portal-health/monitor/internal/telemetry"
)

const version = "portal-health v0.3.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		port        = flag.Int("port", 0, "HTTP server port (overrides config)")
		dbURL       = flag.String("database", "", "Database URL for the refresh journal (postgres://...)")
		redisURL    = flag.String("redis", "", "Redis URL for the snapshot mirror (redis://...)")
		migrateCmd  = flag.String("migrate", "", "Run a migration command against --database and exit (up, status, rollback)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		logger.Error("invalid environment override", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *redisURL != "" {
		cfg.Redis.URL = *redisURL
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Resolve secret references before anything connects.
	if err := resolveSecrets(cfg, logger); err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	if *migrateCmd != "" {
		if err := runMigrate(*migrateCmd, cfg, logger); err != nil {
			logger.Error("migration failed", "command", *migrateCmd, "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("monitord failed", "error", err)
		os.Exit(1)
	}
}

func resolveSecrets(cfg *config.Config, logger *slog.Logger) error {
	secretsCfg := secrets.ConfigFromEnv()
	secretsCfg.Backend = cfg.Secrets.Backend
	resolver, err := secrets.New(secretsCfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return cfg.ResolveSecrets(ctx, resolver)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Probes
	registry, err := probe.NewDefaultRegistry(probe.Options{
		HTTP: probe.HTTPConfig{
			RatePerHost: cfg.HTTP.RatePerHost,
			UserAgent:   cfg.HTTP.UserAgent,
		},
		GitHub: probe.GitHubConfig{
			BaseURL:   cfg.GitHub.BaseURL,
			Token:     cfg.GitHub.Token,
			RateLimit: cfg.GitHub.RateLimit,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("building probe registry: %w", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn("closing probes", "error", err)
		}
	}()
	if err := registry.Validate(cfg.Descriptors()); err != nil {
		return fmt.Errorf("validating probes: %w", err)
	}

	metrics := telemetry.New()
	serverCfg := snapshot.Config{
		UptimeWindow:   cfg.UptimeWindow,
		Observer:       metrics,
		PersistTimeout: config.DefaultPersistTimeout,
	}
	for _, c := range cfg.Classes {
		serverCfg.Classes = append(serverCfg.Classes, snapshot.Class{
			Name:              c.Name,
			Interval:          c.Interval,
			Deadline:          c.Deadline,
			MinReportingRatio: c.MinReportingRatio,
			Probes:            c.Probes,
		})
	}

	// Refresh journal (optional)
	var runs api.RunLister
	deps := make(map[string]api.Pinger)
	if cfg.Database.URL != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		db, err := store.NewStoreFromURL(connectCtx, cfg.Database.URL)
		if err == nil {
			err = db.Ping(connectCtx)
		}
		connectCancel()
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer db.Close()

		if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("connected to database")

		retention := store.NewRetentionWorker(db, cfg.Database.RetentionInterval, cfg.Database.RunRetention, logger)
		retention.Start(ctx)
		defer retention.Stop()

		serverCfg.Journal = db
		runs = db
		deps["database"] = db
	} else {
		logger.Info("no database configured, refresh journal disabled")
	}

	// Snapshot mirror (optional)
	if cfg.Redis.URL != "" {
		mirror, err := cache.New(cfg.Redis.URL, cfg.Redis.TTL, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer mirror.Close()
		serverCfg.Mirror = mirror
		deps["redis"] = mirror
		logger.Info("connected to redis")
	}

	agg := aggregator.New(registry, logger)
	snapshots, err := snapshot.NewServer(agg, serverCfg, logger)
	if err != nil {
		return fmt.Errorf("creating snapshot server: %w", err)
	}
	if serverCfg.Mirror != nil {
		if err := snapshots.Restore(ctx); err != nil {
			logger.Warn("warm start failed, starting cold", "error", err)
		}
	}

	snapshots.Start(ctx)
	defer snapshots.Stop()

	apiServer := api.NewServer(snapshots, api.Options{
		BasePath:     cfg.Server.BasePath,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RefreshRate:  cfg.Server.RefreshRate,
		RefreshBurst: cfg.Server.RefreshBurst,
		Runs:         runs,
		Telemetry:    metrics.Handler(),
		Dependencies: deps,
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Server.Port, "base_path", cfg.Server.BasePath, "classes", snapshots.Classes())
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// runMigrate applies, inspects or rolls back the journal schema.
func runMigrate(command string, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Database.URL == "" {
		return errors.New("no database configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	switch command {
	case "up":
		return migrate.Run(ctx, db.Pool(), logger)
	case "status":
		status, err := migrate.GetStatus(ctx, db.Pool())
		if err != nil {
			return err
		}
		logger.Info("migration status", "applied", len(status.Applied), "pending", len(status.Pending))
		for _, name := range status.Pending {
			logger.Info("pending migration", "migration", name)
		}
		return nil
	case "rollback":
		return migrate.Rollback(ctx, db.Pool(), logger)
	default:
		return fmt.Errorf("unknown migrate command: %s", command)
	}
}
