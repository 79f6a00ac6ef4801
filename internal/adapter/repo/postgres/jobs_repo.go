package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/genomeops/amr-service/internal/domain"
)

// psql builds queries with Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// JobRepo persists and loads AMR jobs. Every write that touches the job
// row plus its history executes in one transaction.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `j.id, j.user_id, j.job_name, j.kind, j.status, j.progress,
	j.created_at, j.updated_at, j.started_at, j.completed_at, j.error, j.worker_id,
	j.input_file_path, j.result_file_path, j.aggregated_result_file_path,
	p.model_name, p.batch_size, p.segment_length, p.segment_overlap, p.use_cpu,
	p.resistance_threshold, p.enable_sequence_aggregation, p.extra`

func scanJob(row pgx.Row) (domain.AMRJob, error) {
	var j domain.AMRJob
	var extra []byte
	err := row.Scan(&j.ID, &j.UserID, &j.JobName, &j.Kind, &j.Status, &j.Progress,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.ErrorMsg, &j.WorkerID,
		&j.InputFilePath, &j.ResultFilePath, &j.AggregatedResultFilePath,
		&j.Params.ModelName, &j.Params.BatchSize, &j.Params.SegmentLength,
		&j.Params.SegmentOverlap, &j.Params.UseCPU, &j.Params.ResistanceThreshold,
		&j.Params.EnableSequenceAggregation, &extra)
	if err != nil {
		return domain.AMRJob{}, err
	}
	if len(extra) > 0 {
		_ = json.Unmarshal(extra, &j.Params.Extra)
	}
	return j, nil
}

// Create inserts the job row, its params row, and the Submitted history
// row atomically. Fails with ErrConflict on id collision.
func (r *JobRepo) Create(ctx context.Context, j domain.AMRJob) (domain.AMRJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()

	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
	if j.Status == "" {
		j.Status = domain.JobSubmitted
	}
	if j.Kind == "" {
		j.Kind = domain.KindPredict
	}
	extra, _ := json.Marshal(j.Params.Extra)
	if j.Params.Extra == nil {
		extra = []byte(`{}`)
	}

	err := withTx(ctx, r.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO amr_jobs (id, user_id, job_name, kind, status, progress, created_at, updated_at,
				error, input_file_path, result_file_path, aggregated_result_file_path)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'',$9,'','')
			ON CONFLICT (id) DO NOTHING`,
			j.ID, j.UserID, j.JobName, j.Kind, j.Status, j.Progress, j.CreatedAt, j.UpdatedAt, j.InputFilePath)
		if err != nil {
			return fmt.Errorf("op=job.create: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=job.create: id collision: %w", domain.ErrConflict)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO amr_job_params (job_id, model_name, batch_size, segment_length, segment_overlap,
				use_cpu, resistance_threshold, enable_sequence_aggregation, extra)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			j.ID, j.Params.ModelName, j.Params.BatchSize, j.Params.SegmentLength, j.Params.SegmentOverlap,
			j.Params.UseCPU, j.Params.ResistanceThreshold, j.Params.EnableSequenceAggregation, extra); err != nil {
			return fmt.Errorf("op=job.create_params: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_status_history (job_id, status, timestamp, message) VALUES ($1,$2,$3,$4)`,
			j.ID, j.Status, j.CreatedAt, "job submitted"); err != nil {
			return fmt.Errorf("op=job.create_history: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.AMRJob{}, err
	}
	return j, nil
}

// Get loads a job with its params joined eagerly.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.AMRJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM amr_jobs j JOIN amr_job_params p ON p.job_id = j.id WHERE j.id = $1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AMRJob{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.AMRJob{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns jobs ordered by created_at DESC, newest first. The limit
// is clamped to [1,1000] with a default of 100.
func (r *JobRepo) List(ctx context.Context, f domain.JobListFilter) ([]domain.AMRJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	qb := psql.Select(jobColumns).
		From("amr_jobs j").
		Join("amr_job_params p ON p.job_id = j.id").
		OrderBy("j.created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(f.Offset))
	if f.Status != nil {
		qb = qb.Where(sq.Eq{"j.status": *f.Status})
	}
	if f.UserID != nil {
		qb = qb.Where(sq.Eq{"j.user_id": *f.UserID})
	}
	sql, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AMRJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateStatus applies only the supplied fields as a single UPDATE and
// appends a history row when the status changes, all in one transaction.
// Re-applying the current terminal status is a no-op returning true;
// transitions out of a terminal state and non-owner writes fail with
// ErrConflict. Progress is clamped monotonic while Running.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, upd domain.StatusUpdate) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()

	found := false
	err := withTx(ctx, r.Pool, func(tx pgx.Tx) error {
		var cur domain.JobStatus
		var curProgress float64
		var workerID *string
		err := tx.QueryRow(ctx,
			`SELECT status, progress, worker_id FROM amr_jobs WHERE id = $1 FOR UPDATE`, id).
			Scan(&cur, &curProgress, &workerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("op=job.update_lock: %w", err)
		}
		found = true

		if upd.WorkerID != nil && workerID != nil && *workerID != *upd.WorkerID {
			return fmt.Errorf("op=job.update_status: job owned by another worker: %w", domain.ErrConflict)
		}
		statusChanges := false
		if upd.Status != nil && *upd.Status != cur {
			if !cur.CanTransition(*upd.Status) {
				return fmt.Errorf("op=job.update_status: illegal transition %s -> %s: %w", cur, *upd.Status, domain.ErrConflict)
			}
			statusChanges = true
		}
		if cur.Terminal() && !statusChanges {
			// Idempotent re-apply of a terminal status: nothing to do,
			// and progress/fields of terminal jobs stay frozen.
			return nil
		}

		set := map[string]any{"updated_at": time.Now().UTC()}
		if statusChanges {
			set["status"] = *upd.Status
		}
		if upd.Progress != nil {
			p := *upd.Progress
			if cur == domain.JobRunning && p < curProgress {
				slog.Debug("progress clamped upward",
					slog.String("job_id", id),
					slog.Float64("reported", p),
					slog.Float64("stored", curProgress))
				p = curProgress
			}
			set["progress"] = p
		}
		if upd.ErrorMsg != nil {
			set["error"] = *upd.ErrorMsg
		}
		if upd.StartedAt != nil {
			set["started_at"] = *upd.StartedAt
		}
		if upd.CompletedAt != nil {
			set["completed_at"] = *upd.CompletedAt
		}
		if upd.ResultFile != nil {
			set["result_file_path"] = *upd.ResultFile
		}
		if upd.AggregatedResultFile != nil {
			set["aggregated_result_file_path"] = *upd.AggregatedResultFile
		}
		sql, args, err := psql.Update("amr_jobs").SetMap(set).Where(sq.Eq{"id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("op=job.update_build: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("op=job.update_status: %w", err)
		}
		if statusChanges {
			if _, err := tx.Exec(ctx,
				`INSERT INTO job_status_history (job_id, status, timestamp, message) VALUES ($1,$2,$3,$4)`,
				id, *upd.Status, time.Now().UTC(), upd.Message); err != nil {
				return fmt.Errorf("op=job.update_history: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Claim marks the job as owned by workerID under row lock and returns
// the fresh row. A job owned by a different live worker is refused.
func (r *JobRepo) Claim(ctx context.Context, id, workerID string) (domain.AMRJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()

	err := withTx(ctx, r.Pool, func(tx pgx.Tx) error {
		var cur *string
		err := tx.QueryRow(ctx, `SELECT worker_id FROM amr_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.claim: %w", domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("op=job.claim: %w", err)
		}
		if cur != nil && *cur != workerID {
			return fmt.Errorf("op=job.claim: job owned by %q: %w", *cur, domain.ErrConflict)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE amr_jobs SET worker_id = $2, updated_at = $3 WHERE id = $1`,
			id, workerID, time.Now().UTC()); err != nil {
			return fmt.Errorf("op=job.claim: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.AMRJob{}, err
	}
	return r.Get(ctx, id)
}

// AddParameters merges free-form side parameters into the params row.
func (r *JobRepo) AddParameters(ctx context.Context, id string, extra map[string]string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AddParameters")
	defer span.End()

	b, err := json.Marshal(extra)
	if err != nil {
		return false, fmt.Errorf("op=job.add_params: %w", err)
	}
	tag, err := r.Pool.Exec(ctx,
		`UPDATE amr_job_params SET extra = extra || $2::jsonb WHERE job_id = $1`, id, b)
	if err != nil {
		return false, fmt.Errorf("op=job.add_params: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes the job and everything it owns. Params cascade via FK;
// history and idempotency rows are removed explicitly.
func (r *JobRepo) Delete(ctx context.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()

	deleted := false
	err := withTx(ctx, r.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM amr_jobs WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("op=job.delete: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		if _, err := tx.Exec(ctx, `DELETE FROM job_status_history WHERE job_id = $1`, id); err != nil {
			return fmt.Errorf("op=job.delete_history: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM idempotency_keys WHERE job_id::text = $1`, id); err != nil {
			return fmt.Errorf("op=job.delete_idem: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// History returns the append-only status rows, oldest first.
func (r *JobRepo) History(ctx context.Context, id string) ([]domain.StatusEvent, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.History")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT job_id, status, timestamp, message FROM job_status_history WHERE job_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("op=job.history: %w", err)
	}
	defer rows.Close()
	var out []domain.StatusEvent
	for rows.Next() {
		var ev domain.StatusEvent
		if err := rows.Scan(&ev.JobID, &ev.Status, &ev.Timestamp, &ev.Message); err != nil {
			return nil, fmt.Errorf("op=job.history_scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FindByIdempotencyKey returns the job id and body hash stored for a
// non-expired key hash.
func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, keyHash string) (string, string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()

	var jobID, bodyHash string
	err := r.Pool.QueryRow(ctx,
		`SELECT job_id, body_hash FROM idempotency_keys WHERE key_hash = $1 AND expires_at > now()`, keyHash).
		Scan(&jobID, &bodyHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("op=job.find_idem: %w", err)
	}
	return jobID, bodyHash, nil
}

// SaveIdempotencyKey reserves key->job for the retention window. The
// insert is the arbiter between racing submissions: exactly one caller
// gets true for a given live key. An expired row is taken over.
func (r *JobRepo) SaveIdempotencyKey(ctx context.Context, keyHash, bodyHash, jobID string, expiresAt time.Time) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SaveIdempotencyKey")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key_hash, body_hash, job_id, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (key_hash) DO UPDATE
		SET body_hash = EXCLUDED.body_hash, job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= now()`, keyHash, bodyHash, jobID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("op=job.save_idem: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteIdempotencyKey drops a reservation. Called when the submission
// behind it failed, so a retry with the same key is not poisoned.
func (r *JobRepo) DeleteIdempotencyKey(ctx context.Context, keyHash string) error {
	_, err := r.Pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key_hash = $1`, keyHash)
	if err != nil {
		return fmt.Errorf("op=job.delete_idem: %w", err)
	}
	return nil
}
