// Command worker consumes job tasks from the queue: AMR predictions run
// in-process, Bakta annotation jobs are orchestrated against the remote
// API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	baktaapi "github.com/genomeops/amr-service/internal/adapter/bakta"
	"github.com/genomeops/amr-service/internal/adapter/observability"
	"github.com/genomeops/amr-service/internal/adapter/predictor/stub"
	"github.com/genomeops/amr-service/internal/adapter/queue/redpanda"
	"github.com/genomeops/amr-service/internal/adapter/repo/postgres"
	"github.com/genomeops/amr-service/internal/amr"
	"github.com/genomeops/amr-service/internal/app"
	"github.com/genomeops/amr-service/internal/bakta"
	"github.com/genomeops/amr-service/internal/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Worker metrics live on a dedicated port so Prometheus can scrape
	// queue and job instrumentation separately from the API server.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		slog.Error("results directory setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	baktaRepo := postgres.NewBaktaRepo(pool)

	// The stub predictor fails closed: production deployments must wire
	// a real model backend instead of silently serving fake scores.
	predictor, err := stub.New(cfg.Environment)
	if err != nil {
		slog.Error("no predictor available", slog.Any("error", err))
		os.Exit(1)
	}

	workerID := "worker-" + ulid.Make().String()
	amrWorkers := cfg.AMRWorkers
	if amrWorkers <= 0 {
		amrWorkers = min(runtime.NumCPU(), 4)
	}
	executor := amr.NewExecutor(jobRepo, predictor, cfg.ResultsDir, workerID, amrWorkers)

	baktaClient := baktaapi.New(cfg.BaktaBaseURL(), cfg.BaktaAPIKey, cfg.BaktaTimeout, cfg.BaktaUploadTimeout)
	orchestrator := bakta.New(baktaRepo, baktaClient, cfg.ResultsDir, cfg.BaktaPollInterval, cfg.BaktaPollDeadline, cfg.BaktaWorkers)

	// Re-attach poll loops to annotation jobs left non-terminal by a
	// previous worker crash.
	if err := orchestrator.Resume(ctx); err != nil {
		slog.Error("bakta resume failed", slog.Any("error", err))
	}

	if sweeper := app.NewStuckJobSweeper(jobRepo, cfg.MaxProcessingAge, 0); sweeper != nil {
		go sweeper.Run(ctx)
	}

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "amr-service-workers", executor, orchestrator)
	if err != nil {
		slog.Error("queue consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("consumer error", slog.Any("error", err))
		}
	}()

	slog.Info("worker started",
		slog.String("worker_id", workerID),
		slog.Int("amr_workers", amrWorkers),
		slog.Int("bakta_workers", cfg.BaktaWorkers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
}
