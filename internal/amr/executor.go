package amr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/genomeops/amr-service/internal/domain"
	"github.com/genomeops/amr-service/pkg/fasta"
)

// Executor runs claimed jobs to a terminal status. One Executor serves
// a worker process; Execute is safe to call concurrently up to the
// configured bound.
type Executor struct {
	Jobs       domain.JobRepository
	Predictor  domain.Predictor
	ResultsDir string
	WorkerID   string

	sem chan struct{}
	now func() time.Time
}

// NewExecutor constructs an Executor with the given concurrency bound.
func NewExecutor(jobs domain.JobRepository, pred domain.Predictor, resultsDir, workerID string, workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{
		Jobs:       jobs,
		Predictor:  pred,
		ResultsDir: resultsDir,
		WorkerID:   workerID,
		sem:        make(chan struct{}, workers),
		now:        time.Now,
	}
}

// Execute claims and runs one job. Jobs deleted or already terminal are
// skipped, which makes redelivered queue messages safe.
func (e *Executor) Execute(ctx context.Context, payload domain.AMRTaskPayload) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	tracer := otel.Tracer("amr.executor")
	ctx, span := tracer.Start(ctx, "amr.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", payload.JobID), attribute.String("job.kind", string(payload.Kind)))

	job, err := e.Jobs.Claim(ctx, payload.JobID, e.WorkerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=amr.execute: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	if err := e.markRunning(ctx, job.ID); err != nil {
		return err
	}

	switch job.Kind {
	case domain.KindPredict, domain.KindSequence:
		return e.runPredict(ctx, job)
	case domain.KindAggregate:
		return e.runAggregate(ctx, job)
	case domain.KindVisualize:
		return e.runVisualize(ctx, job)
	default:
		return e.fail(ctx, job.ID, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidInput, job.Kind))
	}
}

func (e *Executor) markRunning(ctx context.Context, jobID string) error {
	status := domain.JobRunning
	zero := 0.0
	started := e.now().UTC()
	_, err := e.Jobs.UpdateStatus(ctx, jobID, domain.StatusUpdate{
		Status:    &status,
		Progress:  &zero,
		StartedAt: &started,
		WorkerID:  &e.WorkerID,
		Message:   "processing started",
	})
	if err != nil {
		return fmt.Errorf("op=amr.mark_running: %w", err)
	}
	return nil
}

func (e *Executor) resultPath(jobID string) string {
	return filepath.Join(e.ResultsDir, "amr_predictions_"+jobID+".tsv")
}

func (e *Executor) aggregatedPath(jobID string) string {
	return filepath.Join(e.ResultsDir, "amr_predictions_"+jobID+"_aggregated.tsv")
}

// runPredict is the main pipeline: parse, segment, batch-predict,
// aggregate. Sequence jobs are predict jobs with aggregation forced on.
func (e *Executor) runPredict(ctx context.Context, job domain.AMRJob) error {
	in, err := os.Open(job.InputFilePath)
	if err != nil {
		return e.fail(ctx, job.ID, fmt.Errorf("%w: input file unreadable: %v", domain.ErrInvalidInput, err))
	}
	records, err := fasta.Parse(in)
	_ = in.Close()
	if err != nil {
		return e.fail(ctx, job.ID, err)
	}

	var segments []domain.Segment
	for _, rec := range records {
		segments = append(segments, fasta.Segment(rec, job.Params.SegmentLength, job.Params.SegmentOverlap)...)
	}
	if len(segments) == 0 {
		return e.fail(ctx, job.ID, fmt.Errorf("%w: no segments to predict", domain.ErrInvalidInput))
	}

	resultPath := e.resultPath(job.ID)
	out, err := os.Create(resultPath)
	if err != nil {
		return e.fail(ctx, job.ID, fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}
	w := bufio.NewWriter(out)
	if err := WriteSegmentHeader(w); err != nil {
		_ = out.Close()
		return e.fail(ctx, job.ID, err)
	}

	batchSize := job.Params.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	batches := (len(segments) + batchSize - 1) / batchSize
	var all []domain.SegmentPrediction
	lastReported := 0.0

	for i := 0; i < batches; i++ {
		stopped, err := e.stopRequested(ctx, job.ID)
		if err != nil {
			_ = out.Close()
			return err
		}
		if stopped {
			_ = out.Close()
			e.removePartials(job.ID)
			slog.Info("job cancelled mid-run", slog.String("job_id", job.ID))
			return nil
		}

		lo, hi := i*batchSize, (i+1)*batchSize
		if hi > len(segments) {
			hi = len(segments)
		}
		preds, err := e.Predictor.Predict(ctx, job.Params.ModelName, segments[lo:hi])
		if err != nil {
			_ = out.Close()
			return e.fail(ctx, job.ID, err)
		}
		if err := WriteSegmentRows(w, preds); err != nil {
			_ = out.Close()
			return e.fail(ctx, job.ID, fmt.Errorf("%w: %v", domain.ErrStorage, err))
		}
		if err := w.Flush(); err != nil {
			_ = out.Close()
			return e.fail(ctx, job.ID, fmt.Errorf("%w: %v", domain.ErrStorage, err))
		}
		all = append(all, preds...)

		// Progress caps at 95 until aggregation; updates are coalesced
		// to ~1% steps to keep write volume down.
		progress := 95.0 * float64(i+1) / float64(batches)
		if progress-lastReported >= 1.0 {
			p := progress
			if _, err := e.Jobs.UpdateStatus(ctx, job.ID, domain.StatusUpdate{Progress: &p, WorkerID: &e.WorkerID}); err != nil {
				if errors.Is(err, domain.ErrConflict) {
					_ = out.Close()
					e.removePartials(job.ID)
					return nil
				}
				slog.Warn("progress update failed", slog.String("job_id", job.ID), slog.Any("error", err))
			} else {
				lastReported = progress
			}
		}
	}
	if err := out.Close(); err != nil {
		return e.fail(ctx, job.ID, fmt.Errorf("%w: %v", domain.ErrStorage, err))
	}

	aggregate := job.Params.EnableSequenceAggregation || job.Kind == domain.KindSequence
	var aggPath string
	if aggregate {
		aggPath = e.aggregatedPath(job.ID)
		aggs := Aggregate(all, job.Params.ResistanceThreshold)
		if err := writeFileWith(aggPath, func(w *bufio.Writer) error {
			return WriteAggregated(w, aggs)
		}); err != nil {
			return e.fail(ctx, job.ID, err)
		}
	}
	return e.complete(ctx, job.ID, resultPath, aggPath)
}

// runAggregate re-aggregates previously produced per-segment files. The
// input path is a directory of uploads; file_pattern narrows it.
func (e *Executor) runAggregate(ctx context.Context, job domain.AMRJob) error {
	pattern := job.Params.Extra["file_pattern"]
	if pattern == "" {
		pattern = "*.tsv"
	}
	matches, err := filepath.Glob(filepath.Join(job.InputFilePath, pattern))
	if err != nil || len(matches) == 0 {
		return e.fail(ctx, job.ID, fmt.Errorf("%w: no input files match %q", domain.ErrInvalidInput, pattern))
	}

	var all []domain.SegmentPrediction
	for _, m := range matches {
		f, err := os.Open(m)
		if err != nil {
			return e.fail(ctx, job.ID, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		}
		preds, err := ParseSegmentRows(f)
		_ = f.Close()
		if err != nil {
			return e.fail(ctx, job.ID, err)
		}
		all = append(all, preds...)
	}
	if len(all) == 0 {
		return e.fail(ctx, job.ID, fmt.Errorf("%w: input files contain no predictions", domain.ErrInvalidInput))
	}

	aggPath := e.aggregatedPath(job.ID)
	aggs := Aggregate(all, job.Params.ResistanceThreshold)
	if err := writeFileWith(aggPath, func(w *bufio.Writer) error {
		return WriteAggregated(w, aggs)
	}); err != nil {
		return e.fail(ctx, job.ID, err)
	}
	return e.complete(ctx, job.ID, aggPath, aggPath)
}

// runVisualize renders a per-segment file as a wiggle track.
func (e *Executor) runVisualize(ctx context.Context, job domain.AMRJob) error {
	f, err := os.Open(job.InputFilePath)
	if err != nil {
		return e.fail(ctx, job.ID, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
	}
	preds, err := ParseSegmentRows(f)
	_ = f.Close()
	if err != nil {
		return e.fail(ctx, job.ID, err)
	}
	if len(preds) == 0 {
		return e.fail(ctx, job.ID, fmt.Errorf("%w: input file contains no predictions", domain.ErrInvalidInput))
	}
	step := 1
	if s := job.Params.Extra["step_size"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			step = n
		}
	}

	wigPath := filepath.Join(e.ResultsDir, "amr_visualization_"+job.ID+".wig")
	if err := writeFileWith(wigPath, func(w *bufio.Writer) error {
		return WriteWIG(w, preds, step)
	}); err != nil {
		return e.fail(ctx, job.ID, err)
	}
	return e.complete(ctx, job.ID, wigPath, "")
}

// stopRequested reports whether the job was cancelled or deleted while
// running. Checked between batches.
func (e *Executor) stopRequested(ctx context.Context, jobID string) (bool, error) {
	j, err := e.Jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=amr.stop_check: %w", err)
	}
	return j.Status == domain.JobCancelled, nil
}

func (e *Executor) complete(ctx context.Context, jobID, resultPath, aggPath string) error {
	status := domain.JobCompleted
	full := 100.0
	done := e.now().UTC()
	upd := domain.StatusUpdate{
		Status:      &status,
		Progress:    &full,
		CompletedAt: &done,
		ResultFile:  &resultPath,
		WorkerID:    &e.WorkerID,
		Message:     "processing completed",
	}
	if aggPath != "" {
		upd.AggregatedResultFile = &aggPath
	}
	if _, err := e.Jobs.UpdateStatus(ctx, jobID, upd); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.removePartials(jobID)
			return nil
		}
		return fmt.Errorf("op=amr.complete: %w", err)
	}
	slog.Info("job completed", slog.String("job_id", jobID), slog.String("result", resultPath))
	return nil
}

const maxErrorLen = 2000

// fail moves the job to Error. Partial output files stay on disk for
// inspection but are never referenced from the job row.
func (e *Executor) fail(ctx context.Context, jobID string, cause error) error {
	msg := cause.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	status := domain.JobError
	done := e.now().UTC()
	if _, err := e.Jobs.UpdateStatus(ctx, jobID, domain.StatusUpdate{
		Status:      &status,
		ErrorMsg:    &msg,
		CompletedAt: &done,
		WorkerID:    &e.WorkerID,
		Message:     msg,
	}); err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("op=amr.fail: %w", err)
	}
	slog.Error("job failed", slog.String("job_id", jobID), slog.String("error", msg))
	return nil
}

func (e *Executor) removePartials(jobID string) {
	for _, p := range []string{e.resultPath(jobID), e.aggregatedPath(jobID)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("partial output removal failed", slog.String("path", p), slog.Any("error", err))
		}
	}
}

func writeFileWith(path string, fn func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return nil
}
