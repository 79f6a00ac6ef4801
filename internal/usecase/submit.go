// Package usecase wires the HTTP surface to repositories, the queue,
// and the remote annotation client.
package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/genomeops/amr-service/internal/domain"
	"github.com/genomeops/amr-service/pkg/fasta"
)

// SubmitService accepts new AMR jobs: it persists the upload, creates
// the job row, and enqueues the task for the worker.
type SubmitService struct {
	Jobs      domain.JobRepository
	Queue     domain.Queue
	UploadDir string

	validate *validator.Validate
	now      func() time.Time
}

// NewSubmitService constructs a SubmitService.
func NewSubmitService(jobs domain.JobRepository, q domain.Queue, uploadDir string) *SubmitService {
	return &SubmitService{
		Jobs:      jobs,
		Queue:     q,
		UploadDir: uploadDir,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// SubmitInput is a single-file job submission.
type SubmitInput struct {
	JobName        string `validate:"max=255"`
	FileName       string `validate:"required,max=255"`
	Content        []byte `validate:"required"`
	Kind           domain.JobKind
	Params         domain.AMRJobParams
	UserID         *string
	IdempotencyKey string
}

// Submit handles predict, sequence, and visualize jobs. Two calls with
// the same idempotency key within the retention window return the same
// job; a body mismatch under a reused key is a conflict.
func (s *SubmitService) Submit(ctx context.Context, in SubmitInput) (domain.AMRJob, error) {
	if err := s.validate.Struct(in); err != nil {
		return domain.AMRJob{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := in.Params.Validate(); err != nil {
		return domain.AMRJob{}, err
	}
	if in.Kind == domain.KindPredict || in.Kind == domain.KindSequence {
		if err := checkFastaUpload(in.Content); err != nil {
			return domain.AMRJob{}, err
		}
	}

	bodyHash := hashBody(in.Content, fmt.Sprintf("%+v", in.Params))
	jobID := uuid.NewString()
	now := s.now().UTC()

	// The key row is reserved before the job exists, so the insert is the
	// arbiter between racing submissions: the loser sees the winner's row
	// and returns the winner's job.
	var keyHash string
	if in.IdempotencyKey != "" {
		keyHash = hashKey(in.IdempotencyKey)
		inserted, err := s.Jobs.SaveIdempotencyKey(ctx, keyHash, bodyHash, jobID, now.Add(24*time.Hour))
		if err != nil {
			return domain.AMRJob{}, err
		}
		if !inserted {
			existingID, prevBody, err := s.Jobs.FindByIdempotencyKey(ctx, keyHash)
			switch {
			case err == nil && prevBody == bodyHash:
				return s.Jobs.Get(ctx, existingID)
			case err == nil:
				return domain.AMRJob{}, fmt.Errorf("%w: idempotency key reused with a different body", domain.ErrConflict)
			case errors.Is(err, domain.ErrNotFound):
				// The holding row expired between the insert attempt and
				// the lookup. The client retries.
				return domain.AMRJob{}, fmt.Errorf("%w: idempotency key contention", domain.ErrConflict)
			default:
				return domain.AMRJob{}, err
			}
		}
	}
	release := func() {
		if keyHash != "" {
			_ = s.Jobs.DeleteIdempotencyKey(ctx, keyHash)
		}
	}

	inputPath, err := s.saveUpload(jobID, in.FileName, in.Content)
	if err != nil {
		release()
		return domain.AMRJob{}, err
	}

	job := domain.AMRJob{
		ID:            jobID,
		UserID:        in.UserID,
		JobName:       in.JobName,
		Kind:          in.Kind,
		Status:        domain.JobSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
		InputFilePath: inputPath,
		Params:        in.Params,
	}
	job, err = s.Jobs.Create(ctx, job)
	if err != nil {
		release()
		return domain.AMRJob{}, err
	}

	if err := s.Queue.EnqueueAMR(ctx, domain.AMRTaskPayload{
		JobID:         jobID,
		Kind:          in.Kind,
		InputFilePath: inputPath,
		Params:        in.Params,
	}); err != nil {
		release()
		return domain.AMRJob{}, fmt.Errorf("op=submit.enqueue: %w", err)
	}
	return job, nil
}

// AggregateInput is a multi-file aggregate submission.
type AggregateInput struct {
	JobName        string
	Files          map[string][]byte `validate:"required,min=1"`
	ModelSuffix    string
	FilePattern    string
	Params         domain.AMRJobParams
	UserID         *string
	IdempotencyKey string
}

// SubmitAggregate stores every uploaded file under one job directory
// and enqueues an aggregate task over it.
func (s *SubmitService) SubmitAggregate(ctx context.Context, in AggregateInput) (domain.AMRJob, error) {
	if err := s.validate.Struct(in); err != nil {
		return domain.AMRJob{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := in.Params.Validate(); err != nil {
		return domain.AMRJob{}, err
	}

	jobID := uuid.NewString()
	dir := filepath.Join(s.UploadDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.AMRJob{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	for name, content := range in.Files {
		dest := filepath.Join(dir, sanitizeFilename(name))
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return domain.AMRJob{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
	}

	params := in.Params
	if params.Extra == nil {
		params.Extra = map[string]string{}
	}
	if in.FilePattern != "" {
		params.Extra["file_pattern"] = in.FilePattern
	}
	if in.ModelSuffix != "" {
		params.Extra["model_suffix"] = in.ModelSuffix
	}

	now := s.now().UTC()
	job := domain.AMRJob{
		ID:            jobID,
		UserID:        in.UserID,
		JobName:       in.JobName,
		Kind:          domain.KindAggregate,
		Status:        domain.JobSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
		InputFilePath: dir,
		Params:        params,
	}
	job, err := s.Jobs.Create(ctx, job)
	if err != nil {
		return domain.AMRJob{}, err
	}
	if err := s.Queue.EnqueueAMR(ctx, domain.AMRTaskPayload{
		JobID:         jobID,
		Kind:          domain.KindAggregate,
		InputFilePath: dir,
		Params:        params,
	}); err != nil {
		return domain.AMRJob{}, fmt.Errorf("op=submit.enqueue: %w", err)
	}
	return job, nil
}

func (s *SubmitService) saveUpload(jobID, name string, content []byte) (string, error) {
	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	dest := filepath.Join(s.UploadDir, jobID+"_"+sanitizeFilename(name))
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return dest, nil
}

// checkFastaUpload rejects binary uploads early and validates the FASTA
// body so obviously bad submissions fail at the API instead of in the
// worker.
func checkFastaUpload(content []byte) error {
	mt := mimetype.Detect(content)
	if !strings.HasPrefix(mt.String(), "text/") {
		return fmt.Errorf("%w: expected a text FASTA upload, got %s", domain.ErrInvalidInput, mt.String())
	}
	if _, err := fasta.Parse(strings.NewReader(string(content))); err != nil {
		return err
	}
	return nil
}

// sanitizeFilename keeps only the base name so uploads cannot escape
// the upload directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "" {
		return "upload"
	}
	return name
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func hashBody(content []byte, params string) string {
	h := sha256.New()
	_, _ = h.Write(content)
	_, _ = h.Write([]byte(params))
	return hex.EncodeToString(h.Sum(nil))
}
