package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/genomeops/amr-service/internal/adapter/observability"
	"github.com/genomeops/amr-service/internal/adapter/repo/postgres"
)

// StartArchiver schedules periodic retention sweeps. Singleton mode
// keeps a slow sweep from overlapping the next tick; cross-process
// exclusion is handled by the archiver's database lock.
func StartArchiver(ctx context.Context, arch *postgres.Archiver, interval time.Duration) (gocron.Scheduler, error) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			archived, _, err := arch.SweepOnce(ctx)
			if err != nil {
				slog.Error("archiver sweep failed", slog.Any("error", err))
				return
			}
			observability.JobsArchivedTotal.Add(float64(archived))
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	s.Start()
	slog.Info("archiver scheduled", slog.Duration("interval", interval))
	return s, nil
}
