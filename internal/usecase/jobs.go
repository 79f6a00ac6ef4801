package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/genomeops/amr-service/internal/domain"
)

// JobService covers the read and lifecycle side of AMR jobs.
type JobService struct {
	Jobs domain.JobRepository
	now  func() time.Time
}

// NewJobService constructs a JobService.
func NewJobService(jobs domain.JobRepository) *JobService {
	return &JobService{Jobs: jobs, now: time.Now}
}

// Get returns one job by id.
func (s *JobService) Get(ctx context.Context, id string) (domain.AMRJob, error) {
	return s.Jobs.Get(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (s *JobService) List(ctx context.Context, f domain.JobListFilter) ([]domain.AMRJob, error) {
	return s.Jobs.List(ctx, f)
}

// History returns the append-only status history of a job.
func (s *JobService) History(ctx context.Context, id string) ([]domain.StatusEvent, error) {
	if _, err := s.Jobs.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Jobs.History(ctx, id)
}

// DownloadPath resolves the on-disk file for a download request.
// fileType selects between the per-segment and the aggregated output.
func (s *JobService) DownloadPath(ctx context.Context, id, fileType string) (string, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return "", err
	}
	var path string
	switch fileType {
	case "", "regular":
		path = job.ResultFilePath
	case "aggregated":
		path = job.AggregatedResultFilePath
	default:
		return "", fmt.Errorf("%w: file_type must be regular or aggregated", domain.ErrInvalidInput)
	}
	if path == "" {
		return "", fmt.Errorf("%w: no %s result recorded", domain.ErrNotFound, fileType)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: result file missing from disk", domain.ErrNotFound)
	}
	return path, nil
}

// Cancel requests cancellation. Cancelling an already-cancelled job is
// a no-op; cancelling another terminal status is a conflict.
func (s *JobService) Cancel(ctx context.Context, id string) (domain.AMRJob, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.AMRJob{}, err
	}
	if job.Status == domain.JobCancelled {
		return job, nil
	}
	if job.Status.Terminal() {
		return domain.AMRJob{}, fmt.Errorf("%w: job already %s", domain.ErrConflict, job.Status)
	}
	status := domain.JobCancelled
	done := s.now().UTC()
	if _, err := s.Jobs.UpdateStatus(ctx, id, domain.StatusUpdate{
		Status:      &status,
		CompletedAt: &done,
		Message:     "cancelled by user",
	}); err != nil {
		return domain.AMRJob{}, err
	}
	return s.Jobs.Get(ctx, id)
}

// AddParameters merges extra side parameters onto a job.
func (s *JobService) AddParameters(ctx context.Context, id string, extra map[string]string) error {
	if len(extra) == 0 {
		return fmt.Errorf("%w: no parameters supplied", domain.ErrInvalidInput)
	}
	ok, err := s.Jobs.AddParameters(ctx, id, extra)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return nil
}

// Delete removes a job with all owned rows and its files on disk.
// Running jobs must be cancelled first.
func (s *JobService) Delete(ctx context.Context, id string) error {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: cancel the job before deleting it", domain.ErrConflict)
	}
	ok, err := s.Jobs.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	for _, p := range []string{job.InputFilePath, job.ResultFilePath, job.AggregatedResultFilePath} {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			slog.Warn("job file removal failed", slog.String("path", p), slog.Any("error", err))
		}
	}
	return nil
}
