package enrich

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"railflow/models"
	"railflow/store"
)

// Store is the enrichment job's view of the database.
type Store interface {
	// Candidates returns actionable predictions for services before the
	// cutoff that have no actual arrival yet, oldest first. Predictions with
	// maxAttempts or more failed attempts are left out; zero disables that.
	Candidates(ctx context.Context, before time.Time, limit, maxAttempts int) ([]models.ActionablePrediction, error)
	UpsertArrivals(ctx context.Context, rows []models.ActualArrival) error
	// RecordAttempts adds one failed attempt to each prediction in rows.
	RecordAttempts(ctx context.Context, rows []models.EnrichmentAttempt) error
	StartRun(ctx context.Context, run *models.EnrichmentRun) error
	FinishRun(ctx context.Context, run *models.EnrichmentRun) error
}

// OpenDB connects gorm to PostgreSQL and verifies the connection.
func OpenDB(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec(store.Schema).Error; err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func candidatesQuery(tx *gorm.DB, before time.Time, limit, maxAttempts int) *gorm.DB {
	q := tx.Model(&models.ActionablePrediction{}).
		Where("predictions_actual.ssd < ?", before).
		Where(`NOT EXISTS (
			SELECT 1 FROM actual_arrivals_hsp a
			WHERE a.rid = predictions_actual.rid
			  AND a.origin = predictions_actual.origin
			  AND a.destination = predictions_actual.destination
			  AND a.planned_dep = predictions_actual.planned_dep
		)`)
	if maxAttempts > 0 {
		q = q.Where(`NOT EXISTS (
			SELECT 1 FROM enrichment_attempts t
			WHERE t.rid = predictions_actual.rid
			  AND t.origin = predictions_actual.origin
			  AND t.destination = predictions_actual.destination
			  AND t.planned_dep = predictions_actual.planned_dep
			  AND t.attempts >= ?
		)`, maxAttempts)
	}
	q = q.Order("predictions_actual.ssd ASC, predictions_actual.rid ASC, predictions_actual.planned_dep ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

func (s *GormStore) Candidates(ctx context.Context, before time.Time, limit, maxAttempts int) ([]models.ActionablePrediction, error) {
	var rows []models.ActionablePrediction
	if err := candidatesQuery(s.db.WithContext(ctx), before, limit, maxAttempts).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	return rows, nil
}

var arrivalConflict = clause.OnConflict{
	Columns: []clause.Column{{Name: "rid"}, {Name: "origin"}, {Name: "destination"}, {Name: "planned_dep"}},
	DoUpdates: clause.AssignmentColumns([]string{
		"ssd", "is_main_journey", "predicted_delay", "planned_arr", "actual_arr", "actual_arr_delay",
		"toc_code", "hsp_location_crs", "hsp_locations", "processed_at", "run_id",
	}),
}

func upsertQuery(tx *gorm.DB, rows []models.ActualArrival) *gorm.DB {
	return tx.Clauses(arrivalConflict).Create(&rows)
}

func (s *GormStore) UpsertArrivals(ctx context.Context, rows []models.ActualArrival) error {
	if len(rows) == 0 {
		return nil
	}
	if err := upsertQuery(s.db.WithContext(ctx), rows).Error; err != nil {
		return fmt.Errorf("upsert actual arrivals: %w", err)
	}
	return nil
}

var attemptConflict = clause.OnConflict{
	Columns: []clause.Column{{Name: "rid"}, {Name: "origin"}, {Name: "destination"}, {Name: "planned_dep"}},
	DoUpdates: clause.Assignments(map[string]any{
		"attempts":        gorm.Expr("enrichment_attempts.attempts + 1"),
		"last_reason":     gorm.Expr("excluded.last_reason"),
		"last_attempt_at": gorm.Expr("excluded.last_attempt_at"),
		"run_id":          gorm.Expr("excluded.run_id"),
	}),
}

func attemptsQuery(tx *gorm.DB, rows []models.EnrichmentAttempt) *gorm.DB {
	return tx.Clauses(attemptConflict).Create(&rows)
}

func (s *GormStore) RecordAttempts(ctx context.Context, rows []models.EnrichmentAttempt) error {
	if len(rows) == 0 {
		return nil
	}
	if err := attemptsQuery(s.db.WithContext(ctx), rows).Error; err != nil {
		return fmt.Errorf("record enrichment attempts: %w", err)
	}
	return nil
}

func (s *GormStore) StartRun(ctx context.Context, run *models.EnrichmentRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *GormStore) FinishRun(ctx context.Context, run *models.EnrichmentRun) error {
	return s.db.WithContext(ctx).Save(run).Error
}
