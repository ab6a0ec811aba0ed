package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thetic/hass-mytpu/internal/auth"
	"github.com/thetic/hass-mytpu/internal/config"
	"github.com/thetic/hass-mytpu/internal/database"
	"github.com/thetic/hass-mytpu/internal/poller"
	"github.com/thetic/hass-mytpu/internal/scheduler"
	"github.com/thetic/hass-mytpu/internal/state"
	"github.com/thetic/hass-mytpu/internal/stats"
	"github.com/thetic/hass-mytpu/internal/tpu"
	"github.com/thetic/hass-mytpu/internal/web"
)

// Command mytpu polls the MyTPU customer portal for meter usage and imports
// it as monotonically increasing cumulative statistics.
//
// The daemon:
//   - Scrapes the OAuth Basic client credential from the portal's JS bundle
//   - Keeps the access/refresh token pair fresh ahead of expiry
//   - Imports daily usage readings into Postgres statistic series
//   - Serves a read-only status/query API with Prometheus metrics
//
// Usage:
//
//	mytpu [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.WithField("services", len(cfg.Services)).Info("Starting mytpu poller")

	repo, err := database.NewPostgresRepo(cfg.Database.ConnString())
	if err != nil {
		logger.Fatalf("Failed to create statistics repository: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repo.Migrate(ctx); err != nil {
		logger.Fatalf("Failed to migrate statistics schema: %v", err)
	}

	httpClient := &http.Client{Timeout: cfg.Provider.Timeout()}

	tokenStore := state.NewTokenStore(cfg.Token.StatePath)
	tokenBlob, err := tokenStore.Load()
	if err != nil {
		logger.Fatalf("Failed to load token state: %v", err)
	}

	var creds *auth.Credentials
	if cfg.Provider.Username != "" {
		creds = &auth.Credentials{
			Username: cfg.Provider.Username,
			Password: cfg.Provider.Password,
		}
	}

	extractor := auth.NewExtractor(cfg.Provider.BaseURL, httpClient, logger)
	manager := auth.NewManager(cfg.Provider.BaseURL, httpClient, extractor, creds, logger)
	manager.RestoreTokenData(tokenBlob)

	client := tpu.NewClient(cfg.Provider.BaseURL, httpClient, manager, logger)
	importer := stats.NewImporter(repo, logger)

	coordinator := poller.New(
		client,
		manager,
		tokenStore,
		repo,
		importer,
		cfg.Services,
		cfg.Poll.ServerErrorReauthThreshold,
		logger,
	)

	// First refresh up front so a dead token or bad credentials surface at
	// startup instead of an hour in.
	if _, result := coordinator.RunCycle(ctx); result.Status == poller.StatusAuthRequired {
		logger.Fatalf("Initial refresh requires re-authentication: %v", result.Err)
	}

	sched := scheduler.NewScheduler(ctx, coordinator, manager, tokenStore, scheduler.Config{
		PollInterval:  cfg.Poll.Interval(),
		RefreshEvery:  cfg.Token.RefreshInterval(),
		RefreshMargin: cfg.Token.RefreshMargin(),
	}, logger)

	router, err := web.NewRouter(coordinator, repo, web.ServerConfig{
		CacheSize:      cfg.Server.CacheSize,
		RateLimit:      cfg.Server.RateLimit,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to setup HTTP server: %v", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	errChan := make(chan error, 1)

	if err := sched.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received signal, initiating shutdown")
	case err := <-errChan:
		logger.Errorf("Service error: %v", err)
	}

	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown: %v", err)
	}

	if err := repo.Close(); err != nil {
		logger.Errorf("Closing statistics repository: %v", err)
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
