// Command server starts the genomic job-orchestration HTTP server.
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

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"

	baktaapi "github.com/genomeops/amr-service/internal/adapter/bakta"
	httpserver "github.com/genomeops/amr-service/internal/adapter/httpserver"
	"github.com/genomeops/amr-service/internal/adapter/observability"
	"github.com/genomeops/amr-service/internal/adapter/queue/redpanda"
	"github.com/genomeops/amr-service/internal/adapter/repo/postgres"
	"github.com/genomeops/amr-service/internal/app"
	"github.com/genomeops/amr-service/internal/config"
	"github.com/genomeops/amr-service/internal/usecase"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus collectors once per process so /metrics
	// exposes HTTP, job, and remote-call instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	for _, dir := range []string{cfg.UploadDir, cfg.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("data directory setup failed", slog.String("dir", dir), slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	baktaRepo := postgres.NewBaktaRepo(pool)

	// Queue client (transactional producer)
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("queue producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	// Remote annotation API client and the embedded config presets.
	baktaClient := baktaapi.New(cfg.BaktaBaseURL(), cfg.BaktaAPIKey, cfg.BaktaTimeout, cfg.BaktaUploadTimeout)
	presets, err := baktaapi.LoadPresets()
	if err != nil {
		slog.Error("preset load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Retention sweeps run in the server process; the advisory lock in
	// the database keeps concurrent deployments from double-sweeping.
	archiver := postgres.NewArchiver(pool, cfg.ArchiveAfter, cfg.DeleteAfter, cfg.ResultsDir, "server-"+ulid.Make().String())
	scheduler, err := app.StartArchiver(ctx, archiver, cfg.ArchiveSweepInterval)
	if err != nil {
		slog.Error("archiver setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = scheduler.Shutdown() }()

	// Usecases
	submitSvc := usecase.NewSubmitService(jobRepo, producer, cfg.UploadDir)
	jobSvc := usecase.NewJobService(jobRepo)
	baktaSvc := usecase.NewBaktaService(baktaRepo, producer, presets, baktaClient, cfg.UploadDir, cfg.ResultsDir, cfg.BaktaConfigDefaults)

	ready := app.NewReadiness(pool.Ping, func(ctx context.Context) error {
		_, err := baktaClient.Version(ctx)
		return err
	})

	srv := httpserver.NewServer(submitSvc, jobSvc, baktaSvc, cfg.MaxUploadMB<<20)
	handler := app.BuildRouter(cfg, srv, ready)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
