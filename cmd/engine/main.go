package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/auction-engine/internal/alert"
	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/health"
	"github.com/jensholdgaard/auction-engine/internal/jobs"
	"github.com/jensholdgaard/auction-engine/internal/leader"
	"github.com/jensholdgaard/auction-engine/internal/lifecycle"
	"github.com/jensholdgaard/auction-engine/internal/notify"
	"github.com/jensholdgaard/auction-engine/internal/store/postgres"
	"github.com/jensholdgaard/auction-engine/internal/sweep"
	"github.com/jensholdgaard/auction-engine/internal/telemetry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load .env for local runs; config values reference env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()
	logger.InfoContext(ctx, "connected to database", slog.String("host", cfg.Database.Host))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	queue := jobs.NewQueue(rdb, clk, tp.TracerProvider, jobs.Options{
		MaxAttempts: cfg.Engine.JobMaxAttempts,
		BackoffBase: cfg.Engine.JobBackoffBase,
		BackoffMax:  cfg.Engine.JobBackoffMax,
	})
	if err := queue.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	logger.InfoContext(ctx, "connected to redis", slog.String("addr", cfg.Redis.Addr))

	notifier := notify.NewKafkaNotifier(cfg.Kafka, clk)
	defer notifier.Close()

	engine := lifecycle.New(
		lifecycle.Repos{
			Listings:     postgres.NewListingRepo(db, clk),
			Bids:         postgres.NewBidRepo(db, clk),
			Reservations: postgres.NewReservationRepo(db, clk),
			Orders:       postgres.NewOrderRepo(db, clk),
		},
		queue, notifier, clk, logger, tp.TracerProvider, cfg.Engine,
	)

	worker := jobs.NewWorker(queue, cfg.Engine.Workers, cfg.Engine.JobPollInterval, logger, tp.TracerProvider)
	engine.RegisterHandlers(worker)

	alertSink, err := alert.NewDiscord(cfg.Alert, logger)
	if err != nil {
		return fmt.Errorf("creating alert sink: %w", err)
	}
	worker.SetAlertSink(alertSink)

	// Operational HTTP surface, served on all replicas.
	healthHandler := health.NewHandler(clk, queue,
		health.Checker{Name: "database", Check: db.PingContext},
		health.Checker{Name: "redis", Check: queue.Ping},
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           healthHandler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	// startEngine is the core work that only the leader should run: the
	// job worker plus the payment and recovery sweeps. The first
	// recovery pass reschedules jobs lost across failover.
	startEngine := func(ctx context.Context) {
		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			sweep.New("recovery", cfg.Engine.RecoverySweepInterval, engine.SweepRecovery, logger).Run(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			sweep.New("payments", cfg.Engine.PaymentSweepInterval, engine.SweepPayments, logger).Run(ctx)
		}()

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auction engine is running", slog.String("version", version))

		<-ctx.Done()
		healthHandler.SetReady(false)
		wg.Wait()
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, startEngine, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		startEngine(ctx)
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
