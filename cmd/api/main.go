package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/controller/http/handlers"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/controller/ws"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/modsec"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/provider"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/smtp"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/repository/clickhouse"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/repository/memory"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/repository/postgres"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/config"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/audit"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/bans"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/detect2ban"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/dispatch"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/ingest"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/integrations"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/notifications"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/retention"
)

// stateStore is everything the daemon keeps in its state backend
type stateStore interface {
	bans.Repository
	dispatch.Repository
	integrations.Repository
	audit.Repository
	detect2ban.RuleStore
	detect2ban.RuleRepository
	retention.Repository
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := config.SetupLogger(cfg)
	logger.Info("Starting Orchestra threat response API",
		"env", cfg.App.Env,
		"port", cfg.App.Port,
		"store", cfg.App.Store,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	checks := map[string]handlers.Check{}
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("Close failed", "error", err)
			}
		}
	}()

	// State backend
	var store stateStore
	switch cfg.App.Store {
	case "memory":
		logger.Warn("Using in-memory state store, nothing survives a restart")
		store = memory.NewStore()
	case "postgres":
		conn, err := postgres.NewConnection(&cfg.Postgres, logger)
		if err != nil {
			return err
		}
		closers = append(closers, conn.Close)
		if err := conn.RunMigrations(); err != nil {
			return err
		}
		checks["postgres"] = conn.Ping
		store = postgres.NewStore(conn, logger)
	default:
		return fmt.Errorf("unknown APP_STORE %q (want postgres or memory)", cfg.App.Store)
	}

	// Event and audit sink, fanned out to the dashboard hub
	sink := audit.NewService(store, logger)
	hub := ws.NewHub(cfg.App.CORSOrigins, logger)
	go hub.Run(ctx)
	sink.AddPublisher(hub)

	// Dispatch
	var limiter dispatch.Limiter = dispatch.NewLocalLimiter(cfg.Dispatch.MinSpacing)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		limiter = dispatch.NewRedisLimiter(rdb, cfg.Dispatch.MinSpacing)
		logger.Info("Using shared Redis dispatch rate limiter")
	}

	registry := provider.NewRegistry(logger)
	manager := dispatch.NewManager(store, dispatch.RegistryFactory(registry), sink, limiter, dispatch.OptionsFromConfig(cfg.Dispatch), logger)

	banSvc := bans.NewService(store, sink, manager, logger)
	integrationSvc := integrations.NewService(store, registry, manager, sink, logger)

	// Detection
	var (
		engine    *detect2ban.Engine
		submitter ingest.Submitter = archiveOnly{}
		status    handlers.EngineStatus
		reloader  detect2ban.Reloader
	)
	if cfg.Detection.Enabled {
		var err error
		engine, err = detect2ban.NewEngine(store, banSvc, detect2ban.OptionsFromConfig(cfg.Detection), logger)
		if err != nil {
			return err
		}
		submitter, status, reloader = engine, engine, engine
	}
	rules := detect2ban.NewRuleService(store, sink, reloader, logger)
	if _, err := rules.Seed(ctx, cfg.Detection.MatrixFile); err != nil {
		logger.Error("Failed to seed notification matrix", "file", cfg.Detection.MatrixFile, "error", err)
	}

	// WAF event archive
	var archive ingest.Archive
	var eventsRepo handlers.EventArchive
	if cfg.ClickHouse.Enabled {
		chConn, err := clickhouse.NewConnection(&cfg.ClickHouse, logger)
		if err != nil {
			return err
		}
		closers = append(closers, chConn.Close)
		if err := chConn.EnsureSchema(ctx); err != nil {
			return err
		}
		checks["clickhouse"] = chConn.Ping
		repo := clickhouse.NewEventsRepository(chConn, logger)
		archive, eventsRepo = repo, repo
	}

	// ModSecurity log source
	var source modsec.Source
	if cfg.ModSec.Enabled {
		var err error
		source, err = modsecSource(cfg.ModSec)
		if err != nil {
			return err
		}
	}
	ingestSvc := ingest.NewService(submitter, archive, source, modsec.NewParser(time.Local), cfg.ModSec.SyncInterval, logger)

	// Failure alerts
	var alerts handlers.AlertTester
	if cfg.SMTP.Host != "" {
		mailer := smtp.NewClient(smtp.Config{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Security:   cfg.SMTP.Security,
			FromEmail:  cfg.SMTP.FromEmail,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			Recipients: cfg.SMTP.Recipients,
		}, logger)
		notifier := notifications.NewService(mailer, notifications.DefaultCooldown, logger)
		sub := sink.Subscribe(256)
		closers = append(closers, func() error { sub.Close(); return nil })
		go notifier.Run(ctx, sub.C)
		alerts = notifier
	}

	retentionSvc := retention.NewService(store, cfg.Retention.QueueDays, cfg.Retention.Interval, logger)

	// Background workers
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	if engine != nil {
		go func() {
			if err := engine.Run(ctx); err != nil {
				logger.Error("Detection engine stopped", "error", err)
			}
		}()
	}
	go ingestSvc.Start(ctx)
	go banSvc.RunExpirySweeper(ctx, cfg.Dispatch.SweepInterval)
	retentionSvc.Start()
	defer retentionSvc.Stop()

	// HTTP
	router := &handlers.Router{
		Logger:       logger,
		Env:          cfg.App.Env,
		CORSOrigins:  cfg.App.CORSOrigins,
		RateLimit:    cfg.App.RateLimit,
		HealthChecks: checks,
		Bans:         handlers.NewBansHandler(banSvc, status),
		Integrations: handlers.NewIntegrationsHandler(integrationSvc),
		Detection:    handlers.NewDetect2BanHandler(status, rules),
		Audit:        handlers.NewAuditHandler(sink, logger),
		WAF:          handlers.NewWAFHandler(ingestSvc, eventsRepo),
		System:       handlers.NewSystemHandler(retentionSvc, alerts),
		LiveStream:   hub.ServeWS,
	}

	addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	return nil
}

// modsecSource reads the log locally, or over SSH when a host is set
func modsecSource(cfg config.ModSecConfig) (modsec.Source, error) {
	if cfg.SSHHost == "" {
		return modsec.NewFileSource(cfg.LogPath), nil
	}
	key, err := os.ReadFile(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read modsec SSH key: %w", err)
	}
	runner, err := provider.NewSSHRunner(provider.SSHConfig{
		Host:       cfg.SSHHost,
		Port:       cfg.SSHPort,
		User:       cfg.SSHUser,
		PrivateKey: key,
	})
	if err != nil {
		return nil, err
	}
	return modsec.NewRemoteSource(runner, cfg.LogPath), nil
}

// archiveOnly accepts every event when detection is disabled so the
// archive still receives the stream
type archiveOnly struct{}

func (archiveOnly) SubmitBatch(events []entity.WAFEvent) int { return len(events) }
