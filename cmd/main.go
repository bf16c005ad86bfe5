package main

import (
	"context"
	"crop-ledger/internal/chain"
	"crop-ledger/internal/config"
	"crop-ledger/internal/database/minio"
	"crop-ledger/internal/database/postgres"
	"crop-ledger/internal/database/redis"
	"crop-ledger/internal/event"
	"crop-ledger/internal/handlers"
	"crop-ledger/internal/metrics"
	"crop-ledger/internal/repository"
	"crop-ledger/internal/services"
	"crop-ledger/internal/worker"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const connectRetries = 10

func setupLogging(logDir string) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFileName := fmt.Sprintf("log_%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, file), &slog.HandlerOptions{AddSource: true}))
	slog.SetDefault(logger)
	return file, nil
}

func main() {
	root := &cobra.Command{
		Use:           "crop-ledger",
		Short:         "Parametric crop insurance ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), schemaCmd())

	if err := root.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the database if needed and apply schema.sql",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			db, err := postgres.ConnectWithRetry(cmd.Context(), cfg.PostgresCfg, connectRetries)
			if err != nil {
				return err
			}
			return db.Close()
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger HTTP service and its schedulers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			logFile, err := setupLogging(cfg.LogDir)
			if err != nil {
				return err
			}
			defer logFile.Close()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.LedgerServiceConfig) (err error) {
	var closers []func() error
	defer func() {
		var errs *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = multierror.Append(errs, closers[i]())
		}
		if closeErr := errs.ErrorOrNil(); closeErr != nil {
			slog.Error("Shutdown finished with errors", "error", closeErr)
			if err == nil {
				err = closeErr
			}
		}
	}()

	db, err := postgres.ConnectWithRetry(ctx, cfg.PostgresCfg, connectRetries)
	if err != nil {
		return err
	}
	closers = append(closers, db.Close)
	ledgerRepo := repository.NewLedgerRepository(db)

	redisClient, err := redis.NewRedisClient(ctx, cfg.RedisCfg, connectRetries)
	if err != nil {
		return err
	}
	closers = append(closers, redisClient.Close)
	idempotencyRepo := repository.NewIdempotencyRepository(redisClient.GetClient(), redisClient.IdempotencyTTL())

	rabbit, err := event.ConnectRabbitMQ(ctx, cfg.RabbitMQCfg, connectRetries)
	if err != nil {
		return err
	}
	closers = append(closers, rabbit.Close)
	publisher := event.NewLedgerEventPublisher(rabbit.Channel)

	minioClient, err := minio.NewMinioClient(cfg.MinioCfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewLedgerCollector(registry)

	ledgerService, err := services.NewLedgerService(ctx, cfg, services.Dependencies{
		Persister: ledgerRepo,
		Loader:    ledgerRepo,
		Sinks:     []chain.EventSink{publisher},
		Metrics:   collector,
		Snapshots: minioClient,
	})
	if err != nil {
		return err
	}

	manager := worker.NewWorkerManager()
	go manager.Run()
	closers = append(closers, func() error { manager.Shutdown(); return nil })
	if err := startSchedulers(manager, cfg, ledgerService); err != nil {
		return err
	}

	app := fiber.New()
	app.Get("/checkhealth", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).SendString("Ledger service is healthy")
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	handlers.NewLedgerHandler(ledgerService, idempotencyRepo).Register(app)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	listenErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "port", cfg.Port)
		listenErr <- app.Listen(fmt.Sprintf("0.0.0.0:%s", cfg.Port))
	}()

	select {
	case <-shutdownChan:
		slog.Info("Shutting down server")
	case err := <-listenErr:
		return fmt.Errorf("server stopped: %w", err)
	}
	return app.ShutdownWithTimeout(10 * time.Second)
}

// startSchedulers runs the periodic snapshot archive and, when a schedule
// file is configured, the season keeper.
func startSchedulers(manager *worker.WorkerManager, cfg *config.LedgerServiceConfig, ledgerService *services.LedgerService) error {
	pool := worker.NewWorkingPool("ledger", cfg.ScheduleCfg.Workers, 16)
	manager.StartPool(pool)

	snapshots := worker.NewJobScheduler("snapshot", cfg.ScheduleCfg.SnapshotInterval, pool)
	snapshots.AddJob(worker.SnapshotJob(ledgerService))
	manager.StartScheduler(snapshots)

	if cfg.ScheduleCfg.File == "" {
		return nil
	}
	windows, err := worker.LoadSchedules(cfg.ScheduleCfg.File)
	if err != nil {
		return err
	}
	seasons := worker.NewJobScheduler("season", time.Minute, pool)
	seasons.AddJob(worker.SeasonJob(ledgerService, cfg.Keeper, windows, time.Now))
	manager.StartScheduler(seasons)
	slog.Info("Season schedule loaded", "file", cfg.ScheduleCfg.File, "seasons", len(windows))
	return nil
}
