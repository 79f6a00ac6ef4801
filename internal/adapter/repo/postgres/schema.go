package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

// schemaDDL is applied idempotently at startup. Column end_pos is used
// instead of "end" to avoid the reserved word.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS amr_jobs (
	id                          UUID PRIMARY KEY,
	user_id                     TEXT,
	job_name                    VARCHAR(200) NOT NULL DEFAULT '',
	kind                        TEXT NOT NULL DEFAULT 'predict',
	status                      TEXT NOT NULL CHECK (status IN ('Submitted','Running','Completed','Error','Cancelled')),
	progress                    REAL NOT NULL DEFAULT 0.0 CHECK (progress >= 0.0 AND progress <= 100.0),
	created_at                  TIMESTAMPTZ NOT NULL,
	updated_at                  TIMESTAMPTZ NOT NULL,
	started_at                  TIMESTAMPTZ,
	completed_at                TIMESTAMPTZ,
	error                       TEXT NOT NULL DEFAULT '',
	worker_id                   TEXT,
	input_file_path             TEXT NOT NULL DEFAULT '',
	result_file_path            TEXT NOT NULL DEFAULT '',
	aggregated_result_file_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_amr_jobs_status     ON amr_jobs (status);
CREATE INDEX IF NOT EXISTS idx_amr_jobs_created_at ON amr_jobs (created_at);
CREATE INDEX IF NOT EXISTS idx_amr_jobs_updated_at ON amr_jobs (updated_at);
CREATE INDEX IF NOT EXISTS idx_amr_jobs_user_id    ON amr_jobs (user_id);

CREATE TABLE IF NOT EXISTS amr_job_params (
	job_id                      UUID PRIMARY KEY REFERENCES amr_jobs (id) ON DELETE CASCADE,
	model_name                  TEXT NOT NULL DEFAULT '',
	batch_size                  INT NOT NULL CHECK (batch_size >= 1),
	segment_length              INT NOT NULL CHECK (segment_length >= 0),
	segment_overlap             INT NOT NULL CHECK (segment_overlap >= 0),
	use_cpu                     BOOLEAN NOT NULL DEFAULT FALSE,
	resistance_threshold        DOUBLE PRECISION NOT NULL CHECK (resistance_threshold >= 0.0 AND resistance_threshold <= 1.0),
	enable_sequence_aggregation BOOLEAN NOT NULL DEFAULT FALSE,
	extra                       JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS job_status_history (
	id        BIGSERIAL PRIMARY KEY,
	job_id    TEXT NOT NULL,
	status    TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_status_history_job_id ON job_status_history (job_id);

CREATE TABLE IF NOT EXISTS bakta_jobs (
	id           UUID PRIMARY KEY,
	remote_id    TEXT NOT NULL DEFAULT '',
	secret       TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL CHECK (status IN ('Init','Running','Successful','Error')),
	fasta_path   TEXT NOT NULL DEFAULT '',
	config_json  JSONB NOT NULL DEFAULT '{}'::jsonb,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_bakta_jobs_status ON bakta_jobs (status);

CREATE TABLE IF NOT EXISTS bakta_sequences (
	id       BIGSERIAL PRIMARY KEY,
	job_id   UUID NOT NULL REFERENCES bakta_jobs (id) ON DELETE CASCADE,
	header   TEXT NOT NULL,
	sequence TEXT NOT NULL,
	length   INT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sequences_job_id ON bakta_sequences (job_id);
CREATE INDEX IF NOT EXISTS idx_sequences_header ON bakta_sequences (header);

CREATE TABLE IF NOT EXISTS bakta_result_files (
	id            BIGSERIAL PRIMARY KEY,
	job_id        UUID NOT NULL REFERENCES bakta_jobs (id) ON DELETE CASCADE,
	file_type     TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	download_url  TEXT NOT NULL DEFAULT '',
	downloaded_at TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, file_type)
);
CREATE INDEX IF NOT EXISTS idx_result_files_job_id    ON bakta_result_files (job_id);
CREATE INDEX IF NOT EXISTS idx_result_files_job_type  ON bakta_result_files (job_id, file_type);

CREATE TABLE IF NOT EXISTS bakta_annotations (
	id           BIGSERIAL PRIMARY KEY,
	job_id       UUID NOT NULL REFERENCES bakta_jobs (id) ON DELETE CASCADE,
	feature_id   TEXT NOT NULL,
	feature_type TEXT NOT NULL,
	contig       TEXT NOT NULL,
	start_pos    INT NOT NULL CHECK (start_pos >= 1),
	end_pos      INT NOT NULL CHECK (end_pos >= start_pos),
	strand       TEXT NOT NULL CHECK (strand IN ('+','-','.')),
	attributes   JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_annotations_job_id       ON bakta_annotations (job_id);
CREATE INDEX IF NOT EXISTS idx_annotations_job_type     ON bakta_annotations (job_id, feature_type);
CREATE INDEX IF NOT EXISTS idx_annotations_job_contig   ON bakta_annotations (job_id, contig);
CREATE INDEX IF NOT EXISTS idx_annotations_job_range    ON bakta_annotations (job_id, start_pos, end_pos);
CREATE INDEX IF NOT EXISTS idx_annotations_feature_id   ON bakta_annotations (feature_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key_hash   TEXT PRIMARY KEY,
	body_hash  TEXT NOT NULL,
	job_id     UUID NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys (expires_at);

CREATE TABLE IF NOT EXISTS amr_jobs_archive (
	id                          UUID PRIMARY KEY,
	user_id                     TEXT,
	job_name                    VARCHAR(200) NOT NULL DEFAULT '',
	kind                        TEXT NOT NULL,
	status                      TEXT NOT NULL,
	progress                    REAL NOT NULL,
	created_at                  TIMESTAMPTZ NOT NULL,
	updated_at                  TIMESTAMPTZ NOT NULL,
	started_at                  TIMESTAMPTZ,
	completed_at                TIMESTAMPTZ,
	error                       TEXT NOT NULL DEFAULT '',
	input_file_path             TEXT NOT NULL DEFAULT '',
	result_file_path            TEXT NOT NULL DEFAULT '',
	aggregated_result_file_path TEXT NOT NULL DEFAULT '',
	params                      JSONB NOT NULL DEFAULT '{}'::jsonb,
	archived_at                 TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_archive_archived_at ON amr_jobs_archive (archived_at);

CREATE TABLE IF NOT EXISTS archiver_lock (
	id        INT PRIMARY KEY CHECK (id = 1),
	locked    BOOLEAN NOT NULL DEFAULT FALSE,
	owner     TEXT NOT NULL DEFAULT '',
	heartbeat TIMESTAMPTZ NOT NULL DEFAULT now()
);
INSERT INTO archiver_lock (id, locked) VALUES (1, FALSE) ON CONFLICT (id) DO NOTHING;
`

// EnsureSchema creates all tables and indexes if they do not exist.
// Safe to run on every startup.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("op=schema.ensure: %w", err)
	}
	slog.Info("database schema ensured")
	return nil
}
