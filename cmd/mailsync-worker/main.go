package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/talentmesh/mailsync-worker/internal/config"
	"github.com/talentmesh/mailsync-worker/internal/database"
	"github.com/talentmesh/mailsync-worker/internal/gmail"
	"github.com/talentmesh/mailsync-worker/internal/metrics"
	"github.com/talentmesh/mailsync-worker/internal/repository"
	"github.com/talentmesh/mailsync-worker/internal/service"
	"github.com/talentmesh/mailsync-worker/internal/taskqueue"
	"github.com/talentmesh/mailsync-worker/internal/watcher"
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
	contactRepo := repository.NewContactRepository(db)
	correlationRepo := repository.NewCorrelationRepository(db)
	requestRepo := repository.NewImportRequestRepository(sqlDB)

	// Initialize queue and reaper
	queue := taskqueue.New(sqlDB, cfg.MaxAttempts, cfg.LeaseDuration)
	reaper := taskqueue.NewReaper(queue)

	// Initialize mail source client
	mailClient := gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.RequestLimit, cfg.RequestWindow)

	// Initialize services
	m := metrics.New(prometheus.DefaultRegisterer)
	progress := service.NewProgressAggregator(requestRepo, m, log)
	resolver := service.NewEntityResolver(contactRepo)
	worker := service.NewWorker(mailClient, accountRepo, resolver, correlationRepo, progress, queue, service.WorkerConfig{
		Budget:             cfg.WorkerBudget,
		PageSize:           cfg.PageSize,
		MaxItemsPerMailbox: cfg.MaxItemsPerBox,
		ItemsPerSecond:     cfg.ItemsPerSecond,
	}, m, log)

	// Initialize watcher
	w := watcher.New(queue, worker, cfg.PollInterval, cfg.WorkerConcurrency, log)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reaper.Start(); err != nil {
		return err
	}
	defer reaper.Stop()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start watcher in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Info("Shutdown signal received")
		cancel()

		// Wait for graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		select {
		case <-shutdownCtx.Done():
			log.Warn("Shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && err != context.Canceled {
				log.WithError(err).Error("Watcher error")
			}
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
