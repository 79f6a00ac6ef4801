package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genomeops/amr-service/internal/config"
)

// NewPool creates a pgx connection pool from the service configuration.
// The connect timeout bounds dialing a new backend connection; waiting
// for a free pooled connection is bounded by the caller's context.
// Connections are loaned per unit of work, never bound to a goroutine.
func NewPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DBURL())
	if err != nil {
		return nil, err
	}
	pc.MinConns = int32(cfg.DBMinConns)
	pc.MaxConns = int32(cfg.DBMaxConns)
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.ConnConfig.ConnectTimeout = cfg.DBConnectTimeout
	pc.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
