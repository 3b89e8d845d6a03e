// Package store persists predictions to PostgreSQL.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"railflow/models"
)

//go:embed schema.sql
var Schema string

// Sink is the storage the Writer appends to.
type Sink interface {
	UpsertPrediction(ctx context.Context, p models.Prediction) error
	// UpsertActionable reports whether a new row was written.
	UpsertActionable(ctx context.Context, p models.Prediction) (bool, error)
}

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db pool init failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) UpsertPrediction(ctx context.Context, p models.Prediction) error {
	ssd, err := serviceDate(p.SSD)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO predictions_all (
			rid, ssd, origin, destination, planned_dep, planned_arr,
			dep_time, dep_time_kind, has_actual_dep, departure_delay, dwell_delay, features,
			predicted_delay, confidence, model_version, generated_at, cache_status,
			degraded, excluded_models, revision
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (rid, origin, destination, planned_dep, generated_at) DO NOTHING
	`, p.RID, ssd, p.Origin, p.Destination, p.PlannedDep, nullTime(p.PlannedArr),
		nullTime(p.DepTime), string(p.DepKind), p.HasActualDep, p.DepartureDelay, p.DwellDelay, p.Features,
		p.PredictedDelay, p.Confidence, p.ModelVersion, p.GeneratedAt, string(p.CacheStatus),
		p.Degraded, p.Excluded, p.Revision)
	if err != nil {
		return fmt.Errorf("insert predictions_all: %w", err)
	}
	return nil
}

func (s *Postgres) UpsertActionable(ctx context.Context, p models.Prediction) (bool, error) {
	ssd, err := serviceDate(p.SSD)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO predictions_actual (
			rid, ssd, origin, destination, planned_dep, planned_arr,
			dep_time, dep_time_kind, has_actual_dep, departure_delay, dwell_delay, features,
			predicted_delay, confidence, model_version, generated_at, degraded
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (rid, origin, destination, planned_dep) DO NOTHING
	`, p.RID, ssd, p.Origin, p.Destination, p.PlannedDep, nullTime(p.PlannedArr),
		nullTime(p.DepTime), string(p.DepKind), p.HasActualDep, p.DepartureDelay, p.DwellDelay, p.Features,
		p.PredictedDelay, p.Confidence, p.ModelVersion, p.GeneratedAt, p.Degraded)
	if err != nil {
		return false, fmt.Errorf("insert predictions_actual: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// permanent reports errors a retry cannot fix: integrity and syntax errors.
func permanent(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return true
		}
	}
	return false
}

func serviceDate(ssd string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, ssd)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid service date %q: %w", ssd, err)
	}
	return d, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
