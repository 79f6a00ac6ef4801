package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	baktaapi "github.com/genomeops/amr-service/internal/adapter/bakta"
	"github.com/genomeops/amr-service/internal/domain"
	"github.com/genomeops/amr-service/pkg/fasta"
)

// RemoteJanitor is the slice of the annotation API needed for cleanup.
type RemoteJanitor interface {
	DeleteJob(ctx context.Context, remoteID, secret string) error
}

// BaktaService accepts and serves annotation jobs.
type BaktaService struct {
	Repo       domain.BaktaRepository
	Queue      domain.Queue
	Presets    *baktaapi.Presets
	Remote     RemoteJanitor
	UploadDir  string
	ResultsDir string
	// Defaults holds environment-level config overrides applied between
	// preset values and per-request values.
	Defaults map[string]any

	now func() time.Time
}

// NewBaktaService constructs a BaktaService.
func NewBaktaService(repo domain.BaktaRepository, q domain.Queue, presets *baktaapi.Presets, remote RemoteJanitor, uploadDir, resultsDir string, defaults map[string]any) *BaktaService {
	return &BaktaService{
		Repo:       repo,
		Queue:      q,
		Presets:    presets,
		Remote:     remote,
		UploadDir:  uploadDir,
		ResultsDir: resultsDir,
		Defaults:   defaults,
		now:        time.Now,
	}
}

// BaktaSubmitInput is a new annotation job request.
type BaktaSubmitInput struct {
	Name     string
	FileName string
	Content  []byte
	Preset   string
	Config   map[string]any
}

// BaktaJobDetail is a job together with its downloaded result files.
type BaktaJobDetail struct {
	Job   domain.BaktaJob
	Files []domain.BaktaResultFile
}

// Submit validates the FASTA, resolves the effective config, persists
// the job with its sequences, and enqueues it for the worker.
func (s *BaktaService) Submit(ctx context.Context, in BaktaSubmitInput) (domain.BaktaJob, error) {
	if len(in.Content) == 0 {
		return domain.BaktaJob{}, fmt.Errorf("%w: empty upload", domain.ErrInvalidInput)
	}
	records, err := fasta.Parse(strings.NewReader(string(in.Content)))
	if err != nil {
		return domain.BaktaJob{}, err
	}
	cfg, err := s.Presets.Resolve(in.Preset, s.Defaults, in.Config)
	if err != nil {
		return domain.BaktaJob{}, err
	}

	jobID := uuid.NewString()
	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return domain.BaktaJob{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	fastaPath := filepath.Join(s.UploadDir, jobID+"_"+sanitizeFilename(in.FileName))
	if err := os.WriteFile(fastaPath, in.Content, 0o644); err != nil {
		return domain.BaktaJob{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	name := in.Name
	if name == "" {
		name = sanitizeFilename(in.FileName)
	}
	now := s.now().UTC()
	job, err := s.Repo.CreateJob(ctx, domain.BaktaJob{
		ID:        jobID,
		Name:      name,
		Status:    domain.BaktaInit,
		FastaPath: fastaPath,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.BaktaJob{}, err
	}

	seqs := make([]domain.BaktaSequence, 0, len(records))
	for _, r := range records {
		seqs = append(seqs, domain.BaktaSequence{
			JobID:    jobID,
			Header:   r.Header,
			Sequence: r.Bases,
			Length:   len(r.Bases),
		})
	}
	if err := s.Repo.SaveSequences(ctx, jobID, seqs); err != nil {
		return domain.BaktaJob{}, err
	}

	if err := s.Queue.EnqueueBakta(ctx, domain.BaktaTaskPayload{JobID: jobID}); err != nil {
		return domain.BaktaJob{}, fmt.Errorf("op=bakta.enqueue: %w", err)
	}
	return job, nil
}

// Get returns one job with its result file rows.
func (s *BaktaService) Get(ctx context.Context, id string) (BaktaJobDetail, error) {
	job, err := s.Repo.GetJob(ctx, id)
	if err != nil {
		return BaktaJobDetail{}, err
	}
	files, err := s.Repo.ResultFiles(ctx, id)
	if err != nil {
		return BaktaJobDetail{}, err
	}
	return BaktaJobDetail{Job: job, Files: files}, nil
}

// History returns the status history of a job.
func (s *BaktaService) History(ctx context.Context, id string) ([]domain.StatusEvent, error) {
	if _, err := s.Repo.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.Repo.History(ctx, id)
}

// FilePath resolves a downloaded result file of a job by type.
func (s *BaktaService) FilePath(ctx context.Context, id, fileType string) (string, error) {
	f, err := s.Repo.ResultFile(ctx, id, strings.ToUpper(fileType))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(f.FilePath); err != nil {
		return "", fmt.Errorf("%w: result file missing from disk", domain.ErrNotFound)
	}
	return f.FilePath, nil
}

// Annotations queries the persisted features of a job.
func (s *BaktaService) Annotations(ctx context.Context, id string, f domain.AnnotationFilter) ([]domain.Annotation, error) {
	if (f.Start == nil) != (f.End == nil) {
		return nil, fmt.Errorf("%w: start and end must be supplied together", domain.ErrInvalidInput)
	}
	if f.Start != nil && (*f.Start < 1 || *f.End < *f.Start) {
		return nil, fmt.Errorf("%w: invalid range", domain.ErrInvalidInput)
	}
	if _, err := s.Repo.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.Repo.Annotations(ctx, id, f)
}

// Delete removes a job locally and, best effort, remotely. A remote
// failure never blocks the local delete.
func (s *BaktaService) Delete(ctx context.Context, id string) error {
	job, err := s.Repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if s.Remote != nil && job.RemoteID != "" {
		if err := s.Remote.DeleteJob(ctx, job.RemoteID, job.Secret); err != nil {
			slog.Warn("remote delete failed", slog.String("job_id", id), slog.Any("error", err))
		}
	}
	ok, err := s.Repo.DeleteJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: bakta job %s", domain.ErrNotFound, id)
	}
	if job.FastaPath != "" {
		if err := os.Remove(job.FastaPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("upload removal failed", slog.String("path", job.FastaPath), slog.Any("error", err))
		}
	}
	if err := os.RemoveAll(filepath.Join(s.ResultsDir, "bakta", id)); err != nil {
		slog.Warn("result dir removal failed", slog.String("job_id", id), slog.Any("error", err))
	}
	return nil
}
