/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the consignment ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment (.env honored)
  2. Open the store (postgres or sqlite) and the key lock (redis or local)
  3. Wire the registry syncer and its scheduler, when credentials exist
  4. Start the inbox watcher, when INBOX_DIR is set
  5. Start the HTTP server

ENVIRONMENT:
  See config/config.go. The most relevant:
  PORT, DATABASE_URL, SQLITE_PATH, REDIS_ADDR, LOG_LEVEL,
  MAINO_API_KEY, SYNC_INTERVAL_MINUTES, INBOX_DIR

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and the inbox watcher
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store and redis connections

SEE ALSO:
  - api/server.go: Router configuration
  - internal/bootstrap: store and lock selection
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opme/consignment-engine/api"
	"github.com/opme/consignment-engine/config"
	"github.com/opme/consignment-engine/ingest"
	"github.com/opme/consignment-engine/internal/bootstrap"
	"github.com/opme/consignment-engine/registry"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	log := logger.WithField("module", "server")

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rt, err := bootstrap.Open(startCtx, cfg, logger)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("failed to initialize")
	}
	defer rt.Close()

	runCtx, stopRun := context.WithCancel(context.Background())
	var background sync.WaitGroup

	// Registry
	var (
		syncRunner api.SyncRunner
		pinger     api.RegistryPinger
		reports    api.SyncReports
		scheduler  *registry.Scheduler
	)
	client, err := bootstrap.RegistryClient(cfg)
	switch {
	case bootstrap.IsNotConfigured(err):
		log.Info("registry not configured, sync disabled")
	case err != nil:
		log.WithError(err).Fatal("failed to create registry client")
	default:
		syncer := registry.NewSyncer(client, rt.Engine, cfg.SyncConcurrency, logger)
		syncRunner = syncer
		pinger = client
		scheduler = registry.NewScheduler(syncer, logger)
		reports = scheduler
		scheduler.Interval = cfg.SyncInterval
		scheduler.Enabled = cfg.SyncInterval > 0
		scheduler.Start()
	}

	// Inbox
	if cfg.InboxDir != "" {
		watcher, err := ingest.NewWatcher(cfg.InboxDir, rt.Engine, logger)
		if err != nil {
			log.WithError(err).Fatal("failed to prepare inbox")
		}
		background.Add(1)
		go func() {
			defer background.Done()
			if err := watcher.Run(runCtx); err != nil {
				log.WithError(err).Error("inbox watcher stopped")
			}
		}()
	}

	handler := api.NewHandler(rt.Engine, syncRunner, logger)
	handler.MaxUploadBytes = cfg.MaxUploadBytes
	handler.Registry = pinger
	handler.Reports = reports
	router := api.NewRouter(handler, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // registry sync runs inside the request
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Address(), "store": rt.Backend}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	if scheduler != nil {
		scheduler.Stop()
	}
	stopRun()
	background.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	log.Info("server stopped")
}
