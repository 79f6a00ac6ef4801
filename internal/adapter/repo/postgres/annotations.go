package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/genomeops/amr-service/internal/domain"
)

// SaveAnnotations stores all features of a job in one transaction using
// a batched insert.
func (r *BaktaRepo) SaveAnnotations(ctx context.Context, jobID string, anns []domain.Annotation) error {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.SaveAnnotations")
	defer span.End()
	span.SetAttributes(attribute.Int("annotations.count", len(anns)))

	if len(anns) == 0 {
		return nil
	}
	return withTx(ctx, r.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, a := range anns {
			attrs := a.Attributes
			if attrs == "" {
				attrs = "{}"
			}
			batch.Queue(`
				INSERT INTO bakta_annotations (job_id, feature_id, feature_type, contig, start_pos, end_pos, strand, attributes)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				jobID, a.FeatureID, a.FeatureType, a.Contig, a.Start, a.End, a.Strand, attrs)
		}
		br := tx.SendBatch(ctx, batch)
		defer func() { _ = br.Close() }()
		for range anns {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("op=bakta.save_annotations: %w", err)
			}
		}
		return nil
	})
}

// Annotations queries features of a job. A Start/End pair selects every
// feature overlapping the range: NOT (end_pos < start OR start_pos > end).
// Ordering is (start_pos, end_pos) with ties broken deterministically by
// feature_id.
func (r *BaktaRepo) Annotations(ctx context.Context, jobID string, f domain.AnnotationFilter) ([]domain.Annotation, error) {
	tracer := otel.Tracer("repo.bakta")
	ctx, span := tracer.Start(ctx, "bakta.Annotations")
	defer span.End()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	qb := psql.Select("job_id, feature_id, feature_type, contig, start_pos, end_pos, strand, attributes").
		From("bakta_annotations").
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("start_pos ASC", "end_pos ASC", "feature_id ASC").
		Limit(uint64(limit)).
		Offset(uint64(f.Offset))
	if f.FeatureType != nil {
		qb = qb.Where(sq.Eq{"feature_type": *f.FeatureType})
	}
	if f.Contig != nil {
		qb = qb.Where(sq.Eq{"contig": *f.Contig})
	}
	if f.Start != nil && f.End != nil {
		qb = qb.Where("NOT (end_pos < ? OR start_pos > ?)", *f.Start, *f.End)
	}
	sql, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("op=bakta.annotations: %w", err)
	}
	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("op=bakta.annotations: %w", err)
	}
	defer rows.Close()
	var out []domain.Annotation
	for rows.Next() {
		var a domain.Annotation
		if err := rows.Scan(&a.JobID, &a.FeatureID, &a.FeatureType, &a.Contig, &a.Start, &a.End, &a.Strand, &a.Attributes); err != nil {
			return nil, fmt.Errorf("op=bakta.annotations_scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
