package domain

import (
	"context"
	"fmt"
	"time"
)

// BaktaStatus mirrors the remote annotation service lifecycle. The local
// job tracks the last observed remote status.
type BaktaStatus string

const (
	BaktaInit       BaktaStatus = "Init"
	BaktaRunning    BaktaStatus = "Running"
	BaktaSuccessful BaktaStatus = "Successful"
	BaktaError      BaktaStatus = "Error"
)

// Terminal reports whether s ends the local Bakta lifecycle.
func (s BaktaStatus) Terminal() bool { return s == BaktaSuccessful || s == BaktaError }

// BaktaJob is a locally tracked annotation job. RemoteID and Secret are
// assigned by the remote init call; both are required for any remote call
// and must never be logged.
type BaktaJob struct {
	ID          string
	RemoteID    string
	Secret      string
	Name        string
	Status      BaktaStatus
	FastaPath   string
	Config      BaktaConfig
	ErrorMsg    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// BaktaSequence is one contig of a Bakta job's input.
type BaktaSequence struct {
	JobID    string
	Header   string
	Sequence string
	Length   int
}

// BaktaResultFile records one downloaded result artifact.
type BaktaResultFile struct {
	JobID        string
	FileType     string
	FilePath     string
	DownloadURL  string
	DownloadedAt time.Time
}

// Annotation is a single genomic feature parsed from a result file.
// Invariants: Start >= 1, End >= Start, Strand in {+,-,.}.
type Annotation struct {
	JobID       string
	FeatureID   string
	FeatureType string
	Contig      string
	Start       int
	End         int
	Strand      string
	Attributes  string // JSON object
}

// AnnotationFilter narrows annotation queries. Start/End define an
// overlap range: rows with NOT (end < Start OR start > End) match.
type AnnotationFilter struct {
	FeatureType *string
	Contig      *string
	Start       *int
	End         *int
	Limit       int
	Offset      int
}

// BaktaConfig is the validated pass-through configuration of a remote
// annotation job (spec'd keys only; unknown keys are rejected upstream).
type BaktaConfig struct {
	CompleteGenome       bool    `json:"completeGenome" yaml:"completeGenome"`
	Compliant            bool    `json:"compliant" yaml:"compliant"`
	DermType             *string `json:"dermType" yaml:"dermType"`
	Genus                string  `json:"genus" yaml:"genus"`
	HasReplicons         bool    `json:"hasReplicons" yaml:"hasReplicons"`
	KeepContigHeaders    bool    `json:"keepContigHeaders" yaml:"keepContigHeaders"`
	Locus                string  `json:"locus" yaml:"locus"`
	LocusTag             string  `json:"locusTag" yaml:"locusTag"`
	MinContigLength      int     `json:"minContigLength" yaml:"minContigLength"`
	Plasmid              string  `json:"plasmid" yaml:"plasmid"`
	ProdigalTrainingFile string  `json:"prodigalTrainingFile" yaml:"prodigalTrainingFile"`
	Species              string  `json:"species" yaml:"species"`
	Strain               string  `json:"strain" yaml:"strain"`
	TranslationTable     int     `json:"translationTable" yaml:"translationTable"`
}

// Validate checks the merged configuration before a remote start.
func (c BaktaConfig) Validate() error {
	if c.MinContigLength < 1 {
		return fmt.Errorf("%w: minContigLength must be >= 1", ErrInvalidInput)
	}
	if c.TranslationTable != 4 && c.TranslationTable != 11 {
		return fmt.Errorf("%w: translationTable must be 4 or 11", ErrInvalidInput)
	}
	if c.DermType != nil {
		switch *c.DermType {
		case "UNKNOWN", "MONODERM", "DIDERM":
		default:
			return fmt.Errorf("%w: dermType must be UNKNOWN, MONODERM or DIDERM", ErrInvalidInput)
		}
	}
	return nil
}

// BaktaRepository persists Bakta jobs and their owned rows.
type BaktaRepository interface {
	CreateJob(ctx context.Context, j BaktaJob) (BaktaJob, error)
	GetJob(ctx context.Context, id string) (BaktaJob, error)
	// ListUnfinished returns jobs in a non-terminal status, oldest first.
	// Used to resume the poll loop after a crash.
	ListUnfinished(ctx context.Context) ([]BaktaJob, error)
	// SetRemote stores the remote id and secret assigned by init.
	SetRemote(ctx context.Context, id, remoteID, secret string) error
	UpdateJobStatus(ctx context.Context, id string, status BaktaStatus, errMsg string) error
	DeleteJob(ctx context.Context, id string) (bool, error)

	SaveSequences(ctx context.Context, jobID string, seqs []BaktaSequence) error
	Sequences(ctx context.Context, jobID string) ([]BaktaSequence, error)

	SaveResultFile(ctx context.Context, f BaktaResultFile) error
	ResultFiles(ctx context.Context, jobID string) ([]BaktaResultFile, error)
	ResultFile(ctx context.Context, jobID, fileType string) (BaktaResultFile, error)

	SaveAnnotations(ctx context.Context, jobID string, anns []Annotation) error
	Annotations(ctx context.Context, jobID string, f AnnotationFilter) ([]Annotation, error)

	AppendHistory(ctx context.Context, ev StatusEvent) error
	History(ctx context.Context, jobID string) ([]StatusEvent, error)
}
