package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/genomeops/amr-service/internal/domain"
)

// StuckJobSweeper fails Running jobs whose last update is older than
// maxProcessingAge. Covers workers that died without reporting.
type StuckJobSweeper struct {
	jobs             domain.JobRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStuckJobSweeper constructs a sweeper; nil repo disables it.
func NewStuckJobSweeper(jobs domain.JobRepository, maxProcessingAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 6 * time.Hour
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxProcessingAge: maxProcessingAge, interval: interval}
}

// Run loops until ctx is cancelled. Blocking; call from a goroutine.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.maxProcessingAge)
	const pageSize = 100
	running := domain.JobRunning
	failed := 0

	for offset := 0; ; offset += pageSize {
		jobs, err := s.jobs.List(ctx, domain.JobListFilter{Status: &running, Limit: pageSize, Offset: offset})
		if err != nil {
			slog.Error("stuck job listing failed", slog.Any("error", err))
			return
		}
		for _, j := range jobs {
			if j.UpdatedAt.After(cutoff) {
				continue
			}
			status := domain.JobError
			msg := "processing exceeded the maximum allowed age"
			done := time.Now().UTC()
			if _, err := s.jobs.UpdateStatus(ctx, j.ID, domain.StatusUpdate{
				Status:      &status,
				ErrorMsg:    &msg,
				CompletedAt: &done,
				Message:     msg,
			}); err != nil {
				slog.Warn("stuck job transition failed", slog.String("job_id", j.ID), slog.Any("error", err))
				continue
			}
			failed++
		}
		if len(jobs) < pageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("jobs.failed", failed))
	if failed > 0 {
		slog.Warn("stuck jobs failed", slog.Int("count", failed))
	}
}
