package bakta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	api "github.com/genomeops/amr-service/internal/adapter/bakta"
	"github.com/genomeops/amr-service/internal/domain"
)

// RemoteClient is the subset of the annotation API the orchestrator
// drives. Satisfied by adapter/bakta.Client.
type RemoteClient interface {
	Init(ctx context.Context, name, repliconTableType string) (api.InitResponse, error)
	Upload(ctx context.Context, uploadURL string, body []byte) error
	Start(ctx context.Context, ref api.JobRef, cfg domain.BaktaConfig) error
	List(ctx context.Context, refs []api.JobRef) (api.ListResponse, error)
	Logs(ctx context.Context, ref api.JobRef) (string, error)
	Result(ctx context.Context, ref api.JobRef) (api.ResultResponse, error)
	Download(ctx context.Context, fileURL string, w io.Writer) error
	Delete(ctx context.Context, ref api.JobRef) error
}

// Orchestrator drives one annotation job from submission through result
// harvest. Concurrency across jobs is bounded by a semaphore.
type Orchestrator struct {
	Repo         domain.BaktaRepository
	Client       RemoteClient
	ResultsDir   string
	PollInterval time.Duration
	PollDeadline time.Duration

	sem chan struct{}
	now func() time.Time
}

// New constructs an Orchestrator with the given concurrency bound.
func New(repo domain.BaktaRepository, client RemoteClient, resultsDir string, pollInterval, pollDeadline time.Duration, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if pollDeadline <= 0 {
		pollDeadline = 24 * time.Hour
	}
	return &Orchestrator{
		Repo:         repo,
		Client:       client,
		ResultsDir:   resultsDir,
		PollInterval: pollInterval,
		PollDeadline: pollDeadline,
		sem:          make(chan struct{}, workers),
		now:          time.Now,
	}
}

// Run drives a single job to a terminal status. Already-terminal jobs
// are a no-op, which makes redelivered queue messages safe.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-o.sem }()

	tracer := otel.Tracer("bakta.orchestrator")
	ctx, span := tracer.Start(ctx, "bakta.Run")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	job, err := o.Repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=bakta.run: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.RemoteID == "" {
		if err := o.submit(ctx, &job); err != nil {
			return o.fail(ctx, job.ID, err)
		}
	}
	return o.poll(ctx, job)
}

// Resume re-attaches the poll loop to every unfinished job. Called once
// at worker startup.
func (o *Orchestrator) Resume(ctx context.Context) error {
	jobs, err := o.Repo.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("op=bakta.resume: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	slog.Info("resuming bakta jobs", slog.Int("count", len(jobs)))
	for _, j := range jobs {
		go func(id string) {
			if err := o.Run(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("bakta resume failed", slog.String("job_id", id), slog.Any("error", err))
			}
		}(j.ID)
	}
	return nil
}

// submit performs init, upload and start, then marks the job Running.
func (o *Orchestrator) submit(ctx context.Context, job *domain.BaktaJob) error {
	fasta, err := os.ReadFile(job.FastaPath)
	if err != nil {
		return fmt.Errorf("op=bakta.submit: read input: %w", err)
	}
	initResp, err := o.Client.Init(ctx, job.Name, "CSV")
	if err != nil {
		return err
	}
	if err := o.Repo.SetRemote(ctx, job.ID, initResp.Job.JobID, initResp.Job.Secret); err != nil {
		return err
	}
	job.RemoteID = initResp.Job.JobID
	job.Secret = initResp.Job.Secret

	if err := o.Client.Upload(ctx, initResp.UploadLinkFasta, fasta); err != nil {
		return err
	}
	// The remote requires a replicon table upload even when empty.
	if initResp.UploadLinkReplicons != "" {
		if err := o.Client.Upload(ctx, initResp.UploadLinkReplicons, []byte{}); err != nil {
			return err
		}
	}
	if err := o.Client.Start(ctx, api.JobRef{JobID: job.RemoteID, Secret: job.Secret}, job.Config); err != nil {
		return err
	}
	if err := o.Repo.UpdateJobStatus(ctx, job.ID, domain.BaktaRunning, ""); err != nil {
		return err
	}
	job.Status = domain.BaktaRunning
	slog.Info("bakta job started", slog.String("job_id", job.ID), slog.String("remote_id", job.RemoteID))
	return nil
}

// poll watches the remote status until terminal or the deadline passes.
// The interval gets a small jitter so restarted fleets do not align.
func (o *Orchestrator) poll(ctx context.Context, job domain.BaktaJob) error {
	ref := api.JobRef{JobID: job.RemoteID, Secret: job.Secret}
	deadline := o.now().Add(o.PollDeadline)
	var lastObserved domain.BaktaStatus

	for {
		status, err := o.observe(ctx, ref)
		if err != nil {
			if errors.Is(err, domain.ErrRemotePermanent) {
				return o.fail(ctx, job.ID, err)
			}
			slog.Warn("bakta poll failed", slog.String("job_id", job.ID), slog.Any("error", err))
		} else {
			// UpdateJobStatus writes a history row whenever the stored
			// status changes; a repeated observation of the current
			// status is recorded here so the audit trail covers every
			// remote transition.
			if status != lastObserved && status == job.Status {
				if err := o.Repo.AppendHistory(ctx, domain.StatusEvent{
					JobID: job.ID, Status: string(status), Timestamp: o.now().UTC(),
				}); err != nil {
					slog.Warn("bakta history append failed", slog.String("job_id", job.ID), slog.Any("error", err))
				}
			}
			lastObserved = status
			switch status {
			case domain.BaktaSuccessful:
				if err := o.harvest(ctx, job, ref); err != nil {
					if errors.Is(err, domain.ErrRemoteTransient) {
						slog.Warn("bakta harvest failed, retrying next poll",
							slog.String("job_id", job.ID), slog.Any("error", err))
						break
					}
					return o.fail(ctx, job.ID, err)
				}
				if err := o.Repo.UpdateJobStatus(ctx, job.ID, domain.BaktaSuccessful, ""); err != nil {
					return err
				}
				slog.Info("bakta job completed", slog.String("job_id", job.ID))
				return nil
			case domain.BaktaError:
				msg := o.lastLogLine(ctx, ref)
				if msg == "" {
					msg = "remote annotation failed"
				}
				return o.failWithMessage(ctx, job.ID, msg)
			case domain.BaktaRunning:
				if job.Status != domain.BaktaRunning {
					if err := o.Repo.UpdateJobStatus(ctx, job.ID, domain.BaktaRunning, ""); err != nil {
						return err
					}
					job.Status = domain.BaktaRunning
				}
			}
		}

		if o.now().After(deadline) {
			return o.fail(ctx, job.ID, fmt.Errorf("%w: polling deadline exceeded after %s", domain.ErrTimeout, o.PollDeadline))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(o.PollInterval)):
		}
	}
}

// observe fetches the remote status of one job.
func (o *Orchestrator) observe(ctx context.Context, ref api.JobRef) (domain.BaktaStatus, error) {
	resp, err := o.Client.List(ctx, []api.JobRef{ref})
	if err != nil {
		return "", err
	}
	for _, f := range resp.FailedJobs {
		if f.JobID == ref.JobID {
			return "", fmt.Errorf("%w: remote rejected job: %s", domain.ErrRemotePermanent, f.Reason)
		}
	}
	for _, e := range resp.Jobs {
		if e.JobID == ref.JobID {
			return api.NormalizeStatus(e.JobStatus), nil
		}
	}
	return "", fmt.Errorf("%w: job absent from list response", domain.ErrRemotePermanent)
}

// fileExtensions maps remote result file types to extensions. Unknown
// types are saved as opaque .bin artifacts.
var fileExtensions = map[string]string{
	"JSON": "json", "TSV": "tsv", "GFF3": "gff3", "GBFF": "gbff",
	"EMBL": "embl", "FNA": "fna", "FAA": "faa", "FFN": "ffn",
	"TSVHYPOTHETICALS": "tsv", "FAAHYPOTHETICALS": "faa",
	"TXTLOGS": "txt", "PNGCIRCULARPLOT": "png", "SVGCIRCULARPLOT": "svg",
}

// harvest downloads every result file, records it, and persists the
// annotations of the richest parseable format. A corrupt JSON result is
// fatal; text-format parse failures only degrade.
func (o *Orchestrator) harvest(ctx context.Context, job domain.BaktaJob, ref api.JobRef) error {
	res, err := o.Client.Result(ctx, ref)
	if err != nil {
		return err
	}
	dir := filepath.Join(o.ResultsDir, "bakta", job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=bakta.harvest: %w", err)
	}

	paths := map[string]string{}
	for fileType, fileURL := range res.ResultFiles {
		ext, ok := fileExtensions[strings.ToUpper(fileType)]
		if !ok {
			ext = "bin"
		}
		dest := filepath.Join(dir, strings.ToLower(fileType)+"."+ext)
		if err := o.download(ctx, fileURL, dest); err != nil {
			return err
		}
		if err := o.Repo.SaveResultFile(ctx, domain.BaktaResultFile{
			JobID:        job.ID,
			FileType:     fileType,
			FilePath:     dest,
			DownloadURL:  fileURL,
			DownloadedAt: o.now().UTC(),
		}); err != nil {
			return err
		}
		paths[strings.ToUpper(fileType)] = dest
	}

	anns, err := o.parseAnnotations(job.ID, paths)
	if err != nil {
		return err
	}
	if len(anns) > 0 {
		if err := o.Repo.SaveAnnotations(ctx, job.ID, anns); err != nil {
			return err
		}
	}
	slog.Info("bakta results harvested", slog.String("job_id", job.ID),
		slog.Int("files", len(paths)), slog.Int("annotations", len(anns)))
	return nil
}

// parseAnnotations picks the best available format: JSON, then GFF3,
// then TSV.
func (o *Orchestrator) parseAnnotations(jobID string, paths map[string]string) ([]domain.Annotation, error) {
	if p, ok := paths["JSON"]; ok {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("op=bakta.parse: %w", err)
		}
		defer func() { _ = f.Close() }()
		return ParseJSON(jobID, f)
	}
	for _, ft := range []string{"GFF3", "TSV"} {
		p, ok := paths[ft]
		if !ok {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			slog.Warn("result file unreadable", slog.String("job_id", jobID), slog.String("type", ft))
			continue
		}
		var anns []domain.Annotation
		if ft == "GFF3" {
			anns, err = ParseGFF3(jobID, f)
		} else {
			anns, err = ParseTSV(jobID, f)
		}
		_ = f.Close()
		if err != nil {
			slog.Warn("result parse degraded", slog.String("job_id", jobID),
				slog.String("type", ft), slog.Any("error", err))
			continue
		}
		return anns, nil
	}
	return nil, nil
}

func (o *Orchestrator) download(ctx context.Context, fileURL, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("op=bakta.download: %w", err)
	}
	if err := o.Client.Download(ctx, fileURL, f); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return err
	}
	return f.Close()
}

// lastLogLine fetches the remote log and returns its last non-empty
// line as the failure message. Best effort.
func (o *Orchestrator) lastLogLine(ctx context.Context, ref api.JobRef) string {
	logs, err := o.Client.Logs(ctx, ref)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(logs, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

const maxErrorLen = 2000

func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) error {
	return o.failWithMessage(ctx, jobID, cause.Error())
}

func (o *Orchestrator) failWithMessage(ctx context.Context, jobID, msg string) error {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	if err := o.Repo.UpdateJobStatus(ctx, jobID, domain.BaktaError, msg); err != nil {
		return err
	}
	slog.Error("bakta job failed", slog.String("job_id", jobID), slog.String("error", msg))
	return nil
}

// jittered spreads an interval by +-10%.
func jittered(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}
