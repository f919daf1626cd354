package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/talentmesh/mailsync-worker/internal/config"
	"github.com/talentmesh/mailsync-worker/internal/database"
	"github.com/talentmesh/mailsync-worker/internal/handler"
	"github.com/talentmesh/mailsync-worker/internal/metrics"
	"github.com/talentmesh/mailsync-worker/internal/repository"
	"github.com/talentmesh/mailsync-worker/internal/router"
	"github.com/talentmesh/mailsync-worker/internal/service"
	"github.com/talentmesh/mailsync-worker/internal/taskqueue"
)

func main() {
	log := logrus.New()
	if err := run(log); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run(log *logrus.Logger) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	configureLogger(log, cfg)

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	log.Info("Database connected successfully")

	// Run migrations
	log.Info("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	log.Info("Migrations completed successfully")

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	requestRepo := repository.NewImportRequestRepository(sqlDB)

	// Initialize queue and services
	queue := taskqueue.New(sqlDB, cfg.MaxAttempts, cfg.LeaseDuration)
	m := metrics.New(prometheus.DefaultRegisterer)
	progress := service.NewProgressAggregator(requestRepo, m, log)
	orchestrator := service.NewOrchestrator(accountRepo, progress, queue, log)

	// Initialize HTTP layer
	h := handler.NewHandlers(db, orchestrator, requestRepo, log)
	r := router.SetupRouter(h)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
			return
		}
		errChan <- nil
	}()

	select {
	case <-sigChan:
		log.Info("Shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown error")
		}

		log.Info("Application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}

func configureLogger(log *logrus.Logger, cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
}
