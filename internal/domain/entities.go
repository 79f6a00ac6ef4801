// Package domain defines the core entities, error taxonomy, and ports
// of the genomic job-orchestration service.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels). The HTTP layer is the only translator to
// status codes; everything below it wraps these with op= context.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRateLimited     = errors.New("rate limited")
	ErrRemoteTransient = errors.New("remote transient failure")
	ErrRemotePermanent = errors.New("remote permanent failure")
	ErrStorage         = errors.New("storage failure")
	ErrTimeout         = errors.New("timeout")
	ErrInternal        = errors.New("internal error")
)

// JobStatus is the local lifecycle of an AMR job.
type JobStatus string

const (
	JobSubmitted JobStatus = "Submitted"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobError     JobStatus = "Error"
	JobCancelled JobStatus = "Cancelled"
)

// Terminal reports whether no further transition out of s is legal.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError || s == JobCancelled
}

// CanTransition reports whether s -> next is a legal edge of the job
// state machine. Re-applying the same terminal status is allowed (no-op).
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return s == next
	}
	switch s {
	case JobSubmitted:
		return next == JobRunning || next == JobCancelled || next == JobError
	case JobRunning:
		return next == JobCompleted || next == JobError || next == JobCancelled
	}
	return false
}

// JobKind discriminates what an AMR-side job computes.
type JobKind string

const (
	KindPredict   JobKind = "predict"
	KindAggregate JobKind = "aggregate"
	KindSequence  JobKind = "sequence"
	KindVisualize JobKind = "visualize"
)

// AMRJob is a persisted prediction job. Invariants: StartedAt >= CreatedAt
// and CompletedAt >= StartedAt when set; Completed implies ResultFilePath
// non-empty; Error implies ErrorMsg non-empty.
type AMRJob struct {
	ID                       string
	UserID                   *string
	JobName                  string
	Kind                     JobKind
	Status                   JobStatus
	Progress                 float64
	CreatedAt                time.Time
	UpdatedAt                time.Time
	StartedAt                *time.Time
	CompletedAt              *time.Time
	ErrorMsg                 string
	WorkerID                 *string
	InputFilePath            string
	ResultFilePath           string
	AggregatedResultFilePath string
	Params                   AMRJobParams
}

// AMRJobParams is the 1:1 parameter row of an AMR job.
// Constraint: SegmentOverlap < SegmentLength when SegmentLength > 0.
type AMRJobParams struct {
	ModelName                 string  `json:"model_name"`
	BatchSize                 int     `json:"batch_size"`
	SegmentLength             int     `json:"segment_length"`
	SegmentOverlap            int     `json:"segment_overlap"`
	UseCPU                    bool    `json:"use_cpu"`
	ResistanceThreshold       float64 `json:"resistance_threshold"`
	EnableSequenceAggregation bool    `json:"enable_sequence_aggregation"`
	// Extra holds free-form side parameters added after submission
	// (result paths of sub-steps, model metadata).
	Extra map[string]string `json:"extra,omitempty"`
}

// Validate checks the parameter constraints of an AMR submission.
func (p AMRJobParams) Validate() error {
	if p.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be >= 1", ErrInvalidInput)
	}
	if p.SegmentLength < 0 || p.SegmentOverlap < 0 {
		return fmt.Errorf("%w: segment_length and segment_overlap must be >= 0", ErrInvalidInput)
	}
	if p.SegmentLength > 0 && p.SegmentOverlap >= p.SegmentLength {
		return fmt.Errorf("%w: segment_overlap must be < segment_length", ErrInvalidInput)
	}
	if p.ResistanceThreshold < 0 || p.ResistanceThreshold > 1 {
		return fmt.Errorf("%w: resistance_threshold must be in [0,1]", ErrInvalidInput)
	}
	return nil
}

// StatusEvent is one append-only row of a job's status history.
type StatusEvent struct {
	JobID     string
	Status    string
	Timestamp time.Time
	Message   string
}

// StatusUpdate carries the optional fields of JobRepository.UpdateStatus.
// Nil fields are left untouched by the generated UPDATE.
type StatusUpdate struct {
	Status               *JobStatus
	Progress             *float64
	ErrorMsg             *string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ResultFile           *string
	AggregatedResultFile *string
	// WorkerID, when set, must match the owning worker or the update is
	// rejected with ErrConflict.
	WorkerID *string
	// Message is recorded on the history row when Status changes.
	Message string
}

// JobListFilter narrows JobRepository.List.
type JobListFilter struct {
	Status *JobStatus
	UserID *string
	Limit  int
	Offset int
}

// JobRepository is the domain CRUD surface over the store for AMR jobs.
type JobRepository interface {
	Create(ctx context.Context, j AMRJob) (AMRJob, error)
	Get(ctx context.Context, id string) (AMRJob, error)
	List(ctx context.Context, f JobListFilter) ([]AMRJob, error)
	// UpdateStatus applies the supplied fields and appends a history row
	// when the status changes. Returns false when the job does not exist.
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error)
	// Claim marks the job as owned by workerID under row lock. Transitions
	// issued later by a different worker fail with ErrConflict.
	Claim(ctx context.Context, id, workerID string) (AMRJob, error)
	AddParameters(ctx context.Context, id string, extra map[string]string) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	History(ctx context.Context, id string) ([]StatusEvent, error)
	FindByIdempotencyKey(ctx context.Context, keyHash string) (string, string, error)
	// SaveIdempotencyKey reserves the key for jobID. It reports false when
	// a live reservation by another job already holds the key; an expired
	// reservation is replaced.
	SaveIdempotencyKey(ctx context.Context, keyHash, bodyHash, jobID string, expiresAt time.Time) (bool, error)
	// DeleteIdempotencyKey releases a reservation whose submission failed.
	DeleteIdempotencyKey(ctx context.Context, keyHash string) error
}

// SegmentPrediction is one window-level model output.
type SegmentPrediction struct {
	SequenceID  string
	Start       int // 1-based inclusive
	End         int // exclusive
	Resistant   float64
	Susceptible float64
}

// Segment is a windowed sub-sequence handed to the Predictor.
type Segment struct {
	ID     string
	Header string
	Bases  string
	Start  int // 1-based inclusive
	End    int // exclusive
}

// Predictor is the black-box AMR model. Implementations return one
// prediction per input segment, in order.
type Predictor interface {
	Predict(ctx context.Context, modelName string, segments []Segment) ([]SegmentPrediction, error)
}

// AMRTaskPayload is the unit of work consumed by the AMR executor.
type AMRTaskPayload struct {
	JobID         string       `json:"job_id"`
	Kind          JobKind      `json:"kind"`
	InputFilePath string       `json:"input_file_path"`
	Params        AMRJobParams `json:"params"`
}

// BaktaTaskPayload is the unit of work consumed by the Bakta orchestrator.
type BaktaTaskPayload struct {
	JobID string `json:"job_id"`
}

// Queue enqueues work for the separate worker process.
type Queue interface {
	EnqueueAMR(ctx context.Context, payload AMRTaskPayload) error
	EnqueueBakta(ctx context.Context, payload BaktaTaskPayload) error
}
