package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Archiver moves terminal jobs past the retention window into the
// archive table and deletes archived jobs past the deletion window.
// Non-terminal jobs are never touched, regardless of age.
type Archiver struct {
	Pool         PgxPool
	ArchiveAfter time.Duration
	DeleteAfter  time.Duration
	ResultsDir   string
	// Owner identifies this process in the advisory lock row.
	Owner string
	// staleLock is how old a heartbeat may be before the lock is stolen.
	staleLock time.Duration
}

// NewArchiver constructs an Archiver with the retention policy.
func NewArchiver(pool PgxPool, archiveAfter, deleteAfter time.Duration, resultsDir, owner string) *Archiver {
	return &Archiver{
		Pool:         pool,
		ArchiveAfter: archiveAfter,
		DeleteAfter:  deleteAfter,
		ResultsDir:   resultsDir,
		Owner:        owner,
		staleLock:    10 * time.Minute,
	}
}

// acquireLock claims the single-row advisory lock. A lock whose
// heartbeat went stale is taken over.
func (a *Archiver) acquireLock(ctx context.Context) (bool, error) {
	tag, err := a.Pool.Exec(ctx, `
		UPDATE archiver_lock SET locked = TRUE, owner = $1, heartbeat = now()
		WHERE id = 1 AND (locked = FALSE OR heartbeat < now() - $2::interval)`,
		a.Owner, fmt.Sprintf("%d seconds", int(a.staleLock.Seconds())))
	if err != nil {
		return false, fmt.Errorf("op=archiver.lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *Archiver) releaseLock(ctx context.Context) {
	if _, err := a.Pool.Exec(ctx,
		`UPDATE archiver_lock SET locked = FALSE WHERE id = 1 AND owner = $1`, a.Owner); err != nil {
		slog.Error("archiver lock release failed", slog.Any("error", err))
	}
}

// heartbeat refreshes the lock while a long sweep runs.
func (a *Archiver) heartbeat(ctx context.Context) {
	if _, err := a.Pool.Exec(ctx,
		`UPDATE archiver_lock SET heartbeat = now() WHERE id = 1 AND owner = $1`, a.Owner); err != nil {
		slog.Debug("archiver heartbeat failed", slog.Any("error", err))
	}
}

// SweepOnce runs one archive+delete pass and reports how many jobs
// moved. Each moved job is processed in its own transaction, so an
// interrupted sweep leaves no partial moves.
func (a *Archiver) SweepOnce(ctx context.Context) (int, int, error) {
	tracer := otel.Tracer("repo.archiver")
	ctx, span := tracer.Start(ctx, "archiver.SweepOnce")
	defer span.End()

	ok, err := a.acquireLock(ctx)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		slog.Debug("archiver sweep skipped, lock held elsewhere")
		return 0, 0, nil
	}
	defer a.releaseLock(ctx)

	archived, err := a.archiveOld(ctx)
	if err != nil {
		return archived, 0, err
	}
	a.heartbeat(ctx)
	deleted, err := a.deleteExpired(ctx)
	if err != nil {
		return archived, deleted, err
	}
	span.SetAttributes(attribute.Int("jobs.archived", archived), attribute.Int("jobs.deleted", deleted))
	slog.Info("archiver sweep completed",
		slog.Int("archived", archived), slog.Int("deleted", deleted))
	return archived, deleted, nil
}

func (a *Archiver) archiveOld(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-a.ArchiveAfter)
	rows, err := a.Pool.Query(ctx, `
		SELECT id FROM amr_jobs
		WHERE status IN ('Completed','Error','Cancelled') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT 500`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=archiver.select: %w", err)
	}
	ids := make([]string, 0, 64)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=archiver.scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	archived := 0
	for _, id := range ids {
		if err := a.archiveOne(ctx, id); err != nil {
			slog.Error("archive job failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		archived++
		if archived%50 == 0 {
			a.heartbeat(ctx)
		}
	}
	return archived, nil
}

// archiveOne moves a single job into the archive table and removes its
// result files from the primary results directory.
func (a *Archiver) archiveOne(ctx context.Context, id string) error {
	var resultPath, aggPath string
	err := withTx(ctx, a.Pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM amr_jobs j JOIN amr_job_params p ON p.job_id = j.id WHERE j.id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("op=archiver.load: %w", err)
		}
		if !j.Status.Terminal() {
			return nil
		}
		params, err := json.Marshal(j.Params)
		if err != nil {
			return fmt.Errorf("op=archiver.marshal: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO amr_jobs_archive (id, user_id, job_name, kind, status, progress, created_at, updated_at,
				started_at, completed_at, error, input_file_path, result_file_path, aggregated_result_file_path,
				params, archived_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (id) DO NOTHING`,
			j.ID, j.UserID, j.JobName, j.Kind, j.Status, j.Progress, j.CreatedAt, j.UpdatedAt,
			j.StartedAt, j.CompletedAt, j.ErrorMsg, j.InputFilePath, j.ResultFilePath,
			j.AggregatedResultFilePath, params, time.Now().UTC()); err != nil {
			return fmt.Errorf("op=archiver.insert: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM amr_jobs WHERE id = $1`, id); err != nil {
			return fmt.Errorf("op=archiver.delete_live: %w", err)
		}
		resultPath, aggPath = j.ResultFilePath, j.AggregatedResultFilePath
		return nil
	})
	if err != nil {
		return err
	}
	// Large result files leave the primary results directory once the
	// row is safely in the archive table.
	a.removeResultFile(resultPath)
	a.removeResultFile(aggPath)
	return nil
}

func (a *Archiver) removeResultFile(path string) {
	if path == "" {
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	base, err := filepath.Abs(a.ResultsDir)
	if err != nil || !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		slog.Warn("refusing to remove file outside results dir", slog.String("path", path))
		return
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		slog.Warn("result file removal failed", slog.String("path", path), slog.Any("error", err))
	}
}

func (a *Archiver) deleteExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-a.DeleteAfter)
	tag, err := a.Pool.Exec(ctx, `DELETE FROM amr_jobs_archive WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=archiver.delete_expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
