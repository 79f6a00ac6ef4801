package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/genomeops/amr-service/internal/domain"
)

// BaktaRepo persists Bakta jobs and the rows they own.
type BaktaRepo struct{ Pool PgxPool }

// NewBaktaRepo constructs a BaktaRepo with the given pool.
func NewBaktaRepo(p PgxPool) *BaktaRepo { return &BaktaRepo{Pool: p} }

const baktaColumns = `id, remote_id, secret, name, status, fasta_path, config_json, error,
	created_at, updated_at, started_at, completed_at`

func scanBaktaJob(row pgx.Row) (domain.BaktaJob, error) {
	var j domain.BaktaJob
	var cfg []byte
	err := row.Scan(&j.ID, &j.RemoteID, &j.Secret, &j.Name, &j.Status, &j.FastaPath, &cfg, &j.ErrorMsg,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return domain.BaktaJob{}, err
	}
	if len(cfg) > 0 {
		_ = json.Unmarshal(cfg, &j.Config)
	}
	return j, nil
}

// CreateJob inserts the job row plus the Init history row atomically.
func (r *BaktaRepo) CreateJob(ctx context.Context, j domain.BaktaJob) (domain.BaktaJob, error) {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.CreateJob")
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
		j.Status = domain.BaktaInit
	}
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return domain.BaktaJob{}, fmt.Errorf("op=bakta.create_marshal: %w", err)
	}
	err = withTx(ctx, r.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO bakta_jobs (id, remote_id, secret, name, status, fasta_path, config_json, error, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,'',$8,$9)`,
			j.ID, j.RemoteID, j.Secret, j.Name, j.Status, j.FastaPath, cfg, j.CreatedAt, j.UpdatedAt); err != nil {
			return fmt.Errorf("op=bakta.create: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_status_history (job_id, status, timestamp, message) VALUES ($1,$2,$3,$4)`,
			j.ID, j.Status, j.CreatedAt, "annotation job created"); err != nil {
			return fmt.Errorf("op=bakta.create_history: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.BaktaJob{}, err
	}
	return j, nil
}

// GetJob loads a job by local id.
func (r *BaktaRepo) GetJob(ctx context.Context, id string) (domain.BaktaJob, error) {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.GetJob")
	defer span.End()

	j, err := scanBaktaJob(r.Pool.QueryRow(ctx,
		`SELECT `+baktaColumns+` FROM bakta_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BaktaJob{}, fmt.Errorf("op=bakta.get: %w", domain.ErrNotFound)
		}
		return domain.BaktaJob{}, fmt.Errorf("op=bakta.get: %w", err)
	}
	return j, nil
}

// ListUnfinished returns non-terminal jobs oldest first, for crash resume.
func (r *BaktaRepo) ListUnfinished(ctx context.Context) ([]domain.BaktaJob, error) {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.ListUnfinished")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT `+baktaColumns+` FROM bakta_jobs WHERE status IN ('Init','Running') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=bakta.list_unfinished: %w", err)
	}
	defer rows.Close()
	var out []domain.BaktaJob
	for rows.Next() {
		j, err := scanBaktaJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=bakta.list_scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetRemote stores the remote id and secret returned by init.
func (r *BaktaRepo) SetRemote(ctx context.Context, id, remoteID, secret string) error {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.SetRemote")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE bakta_jobs SET remote_id = $2, secret = $3, updated_at = $4 WHERE id = $1`,
		id, remoteID, secret, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=bakta.set_remote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=bakta.set_remote: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateJobStatus advances the local status and appends a history row in
// the same transaction. Terminal statuses are immutable; re-applying the
// current status only refreshes updated_at bookkeeping via history skip.
func (r *BaktaRepo) UpdateJobStatus(ctx context.Context, id string, status domain.BaktaStatus, errMsg string) error {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.UpdateJobStatus")
	defer span.End()

	return withTx(ctx, r.Pool, func(tx pgx.Tx) error {
		var cur domain.BaktaStatus
		err := tx.QueryRow(ctx, `SELECT status FROM bakta_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=bakta.update_status: %w", domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("op=bakta.update_status: %w", err)
		}
		if cur == status {
			return nil
		}
		if cur.Terminal() {
			return fmt.Errorf("op=bakta.update_status: terminal %s: %w", cur, domain.ErrConflict)
		}
		now := time.Now().UTC()
		q := `UPDATE bakta_jobs SET status = $2, error = $3, updated_at = $4`
		args := []any{id, status, errMsg, now}
		if status == domain.BaktaRunning {
			q += `, started_at = COALESCE(started_at, $4)`
		}
		if status.Terminal() {
			q += `, completed_at = $4`
		}
		q += ` WHERE id = $1`
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("op=bakta.update_status: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_status_history (job_id, status, timestamp, message) VALUES ($1,$2,$3,$4)`,
			id, status, now, errMsg); err != nil {
			return fmt.Errorf("op=bakta.update_history: %w", err)
		}
		return nil
	})
}

// DeleteJob removes the job; sequences, result files and annotations
// cascade via FK, history is removed explicitly.
func (r *BaktaRepo) DeleteJob(ctx context.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.DeleteJob")
	defer span.End()

	deleted := false
	err := withTx(ctx, r.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM bakta_jobs WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("op=bakta.delete: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		if _, err := tx.Exec(ctx, `DELETE FROM job_status_history WHERE job_id = $1`, id); err != nil {
			return fmt.Errorf("op=bakta.delete_history: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// SaveSequences stores all contigs of a job in one transaction.
func (r *BaktaRepo) SaveSequences(ctx context.Context, jobID string, seqs []domain.BaktaSequence) error {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.SaveSequences")
	defer span.End()

	return withTx(ctx, r.Pool, func(tx pgx.Tx) error {
		for _, s := range seqs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO bakta_sequences (job_id, header, sequence, length) VALUES ($1,$2,$3,$4)`,
				jobID, s.Header, s.Sequence, s.Length); err != nil {
				return fmt.Errorf("op=bakta.save_sequences: %w", err)
			}
		}
		return nil
	})
}

// Sequences returns the stored contigs in insertion order.
func (r *BaktaRepo) Sequences(ctx context.Context, jobID string) ([]domain.BaktaSequence, error) {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.Sequences")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT job_id, header, sequence, length FROM bakta_sequences WHERE job_id = $1 ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=bakta.sequences: %w", err)
	}
	defer rows.Close()
	var out []domain.BaktaSequence
	for rows.Next() {
		var s domain.BaktaSequence
		if err := rows.Scan(&s.JobID, &s.Header, &s.Sequence, &s.Length); err != nil {
			return nil, fmt.Errorf("op=bakta.sequences_scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveResultFile upserts one downloaded artifact row.
func (r *BaktaRepo) SaveResultFile(ctx context.Context, f domain.BaktaResultFile) error {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.SaveResultFile")
	defer span.End()

	_, err := r.Pool.Exec(ctx, `
		INSERT INTO bakta_result_files (job_id, file_type, file_path, download_url, downloaded_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (job_id, file_type)
		DO UPDATE SET file_path = EXCLUDED.file_path, download_url = EXCLUDED.download_url, downloaded_at = EXCLUDED.downloaded_at`,
		f.JobID, f.FileType, f.FilePath, f.DownloadURL, f.DownloadedAt)
	if err != nil {
		return fmt.Errorf("op=bakta.save_result_file: %w", err)
	}
	return nil
}

// ResultFiles lists the downloaded artifacts of a job.
func (r *BaktaRepo) ResultFiles(ctx context.Context, jobID string) ([]domain.BaktaResultFile, error) {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.ResultFiles")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT job_id, file_type, file_path, download_url, downloaded_at FROM bakta_result_files WHERE job_id = $1 ORDER BY file_type ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=bakta.result_files: %w", err)
	}
	defer rows.Close()
	var out []domain.BaktaResultFile
	for rows.Next() {
		var f domain.BaktaResultFile
		if err := rows.Scan(&f.JobID, &f.FileType, &f.FilePath, &f.DownloadURL, &f.DownloadedAt); err != nil {
			return nil, fmt.Errorf("op=bakta.result_files_scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ResultFile loads one artifact row by type.
func (r *BaktaRepo) ResultFile(ctx context.Context, jobID, fileType string) (domain.BaktaResultFile, error) {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.ResultFile")
	defer span.End()

	var f domain.BaktaResultFile
	err := r.Pool.QueryRow(ctx,
		`SELECT job_id, file_type, file_path, download_url, downloaded_at FROM bakta_result_files WHERE job_id = $1 AND file_type = $2`,
		jobID, fileType).
		Scan(&f.JobID, &f.FileType, &f.FilePath, &f.DownloadURL, &f.DownloadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BaktaResultFile{}, fmt.Errorf("op=bakta.result_file: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.BaktaResultFile{}, fmt.Errorf("op=bakta.result_file: %w", err)
	}
	return f, nil
}

// AppendHistory records one observed status without touching the job row.
// Used by the poll loop to audit every remote observation.
func (r *BaktaRepo) AppendHistory(ctx context.Context, ev domain.StatusEvent) error {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.AppendHistory")
	defer span.End()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO job_status_history (job_id, status, timestamp, message) VALUES ($1,$2,$3,$4)`,
		ev.JobID, ev.Status, ts, ev.Message)
	if err != nil {
		return fmt.Errorf("op=bakta.append_history: %w", err)
	}
	return nil
}

// History returns the append-only status rows, oldest first.
func (r *BaktaRepo) History(ctx context.Context, jobID string) ([]domain.StatusEvent, error) {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.History")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT job_id, status, timestamp, message FROM job_status_history WHERE job_id = $1 ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=bakta.history: %w", err)
	}
	defer rows.Close()
	var out []domain.StatusEvent
	for rows.Next() {
		var ev domain.StatusEvent
		if err := rows.Scan(&ev.JobID, &ev.Status, &ev.Timestamp, &ev.Message); err != nil {
			return nil, fmt.Errorf("op=bakta.history_scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
