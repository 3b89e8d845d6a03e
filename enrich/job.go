package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"railflow/models"
	"railflow/segments"
)

type ServiceSource interface {
	ServiceDetails(ctx context.Context, rid string) (ServiceDetails, error)
}

type JobConfig struct {
	LimitRows     int
	MaxRIDs       int
	BeforeDate    time.Time
	DryRun        bool
	ProgressEvery int
	// MaxAttempts stops selecting a prediction once this many runs failed to
	// match it. Zero retries forever.
	MaxAttempts int
	Location    *time.Location
}

type Summary struct {
	RunID            string `json:"run_id"`
	Candidates       int    `json:"candidates"`
	RIDs             int    `json:"rids"`
	Upserted         int    `json:"upserted"`
	SkippedNoService int    `json:"skipped_no_service"`
	SkippedNoMatch   int    `json:"skipped_no_match"`
	SkippedNoTimes   int    `json:"skipped_no_times"`
}

func (s Summary) Skipped() int {
	return s.SkippedNoService + s.SkippedNoMatch + s.SkippedNoTimes
}

// Job matches actionable predictions against what the trains actually did.
type Job struct {
	store     Store
	source    ServiceSource
	route     *segments.Route
	predicate MainJourneyPredicate
	cfg       JobConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewJob(st Store, source ServiceSource, route *segments.Route, predicate MainJourneyPredicate, cfg JobConfig, logger *zap.Logger) *Job {
	if predicate == nil {
		predicate = CoversRoute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 50
	}
	return &Job{
		store:     st,
		source:    source,
		route:     route,
		predicate: predicate,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// DefaultBeforeDate is today in loc, so only completed service days are
// enriched.
func DefaultBeforeDate(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func (j *Job) Run(ctx context.Context) (Summary, error) {
	before := j.cfg.BeforeDate
	if before.IsZero() {
		before = DefaultBeforeDate(j.now(), j.cfg.Location)
	}
	sum := Summary{RunID: uuid.NewString()}
	run := &models.EnrichmentRun{
		ID:         sum.RunID,
		StartedAt:  j.now().UTC(),
		BeforeDate: before,
		LimitRows:  j.cfg.LimitRows,
		DryRun:     j.cfg.DryRun,
	}
	log := j.logger.With(zap.String("run_id", sum.RunID))
	log.Info("enrichment started",
		zap.String("before_date", before.Format(time.DateOnly)),
		zap.Int("limit_rows", j.cfg.LimitRows),
		zap.Int("max_rids", j.cfg.MaxRIDs),
		zap.Bool("dry_run", j.cfg.DryRun),
	)
	if !j.cfg.DryRun {
		if err := j.store.StartRun(ctx, run); err != nil {
			return sum, fmt.Errorf("record run start: %w", err)
		}
	}

	candidates, err := j.store.Candidates(ctx, before, j.cfg.LimitRows, j.cfg.MaxAttempts)
	if err != nil {
		return sum, err
	}
	sum.Candidates = len(candidates)
	if len(candidates) == 0 {
		log.Info("no unprocessed actionable predictions")
		return sum, j.finish(ctx, run, sum)
	}

	rids, byRID := groupByRID(candidates)
	if j.cfg.MaxRIDs > 0 && len(rids) > j.cfg.MaxRIDs {
		rids = rids[:j.cfg.MaxRIDs]
	}
	sum.RIDs = len(rids)
	log.Info("candidates selected", zap.Int("rows", len(candidates)), zap.Int("rids", len(rids)))

	for i, rid := range rids {
		rows := byRID[rid]
		details, err := j.source.ServiceDetails(ctx, rid)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			sum.SkippedNoService += len(rows)
			if !errors.Is(err, ErrNotFound) {
				log.Warn("service details unavailable", zap.String("rid", rid), zap.Error(err))
				continue
			}
			log.Debug("service not found", zap.String("rid", rid))
			if err := j.recordAttempts(ctx, attemptsFor(rows, reasonNoService, run)); err != nil {
				return sum, err
			}
			continue
		}

		arrivals, failed := j.match(rows, details, run, &sum)
		if len(arrivals) > 0 && !j.cfg.DryRun {
			if err := j.store.UpsertArrivals(ctx, arrivals); err != nil {
				return sum, err
			}
		}
		sum.Upserted += len(arrivals)
		if err := j.recordAttempts(ctx, failed); err != nil {
			return sum, err
		}

		if (i+1)%j.cfg.ProgressEvery == 0 {
			log.Info("progress", zap.Int("rids_done", i+1), zap.Int("rids", len(rids)), zap.Int("upserted", sum.Upserted))
		}
	}

	log.Info("enrichment finished",
		zap.Int("upserted", sum.Upserted),
		zap.Int("skipped_no_service", sum.SkippedNoService),
		zap.Int("skipped_no_match", sum.SkippedNoMatch),
		zap.Int("skipped_no_times", sum.SkippedNoTimes),
	)
	return sum, j.finish(ctx, run, sum)
}

func (j *Job) finish(ctx context.Context, run *models.EnrichmentRun, sum Summary) error {
	if j.cfg.DryRun {
		return nil
	}
	finished := j.now().UTC()
	run.FinishedAt = &finished
	run.RIDs = sum.RIDs
	run.Upserted = sum.Upserted
	run.Skipped = sum.Skipped()
	if err := j.store.FinishRun(ctx, run); err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// Skip reasons stored with failed attempts.
const (
	reasonNoService = "no_service"
	reasonNoMatch   = "no_match"
	reasonNoTimes   = "no_times"
)

func (j *Job) recordAttempts(ctx context.Context, rows []models.EnrichmentAttempt) error {
	if len(rows) == 0 || j.cfg.DryRun {
		return nil
	}
	return j.store.RecordAttempts(ctx, rows)
}

func attemptsFor(rows []models.ActionablePrediction, reason string, run *models.EnrichmentRun) []models.EnrichmentAttempt {
	out := make([]models.EnrichmentAttempt, 0, len(rows))
	for _, p := range rows {
		out = append(out, attempt(p, reason, run))
	}
	return out
}

func attempt(p models.ActionablePrediction, reason string, run *models.EnrichmentRun) models.EnrichmentAttempt {
	return models.EnrichmentAttempt{
		RID:           p.RID,
		Origin:        p.Origin,
		Destination:   p.Destination,
		PlannedDep:    p.PlannedDep,
		Attempts:      1,
		LastReason:    reason,
		LastAttemptAt: run.StartedAt,
		RunID:         run.ID,
	}
}

// match builds an actual arrival row for every prediction whose destination
// HSP reports with both a planned and an actual arrival, and a failed attempt
// for every other prediction.
func (j *Job) match(rows []models.ActionablePrediction, details ServiceDetails, run *models.EnrichmentRun, sum *Summary) ([]models.ActualArrival, []models.EnrichmentAttempt) {
	seq := details.Sequence()
	byCRS := details.ByCRS()
	mainJourney := j.predicate(j.route, seq)
	processed := j.now().UTC()

	var (
		out    []models.ActualArrival
		failed []models.EnrichmentAttempt
	)
	for _, p := range rows {
		crs := j.route.CRS(p.Destination)
		loc, ok := byCRS[crs]
		if crs == "" || !ok {
			sum.SkippedNoMatch++
			failed = append(failed, attempt(p, reasonNoMatch, run))
			continue
		}
		if loc.PlannedArr == "" || loc.ActualArr == "" {
			sum.SkippedNoTimes++
			failed = append(failed, attempt(p, reasonNoTimes, run))
			continue
		}

		ssd := p.SSD.Format(time.DateOnly)
		plannedArr, err := segments.Combine(ssd, loc.PlannedArr, p.PlannedDep.In(j.cfg.Location), j.cfg.Location)
		if err != nil {
			sum.SkippedNoTimes++
			failed = append(failed, attempt(p, reasonNoTimes, run))
			continue
		}
		actualArr, err := segments.Combine(ssd, loc.ActualArr, plannedArr, j.cfg.Location)
		if err != nil {
			sum.SkippedNoTimes++
			failed = append(failed, attempt(p, reasonNoTimes, run))
			continue
		}
		delay := segments.DelayMinutes(plannedArr, actualArr)

		out = append(out, models.ActualArrival{
			RID:            p.RID,
			Origin:         p.Origin,
			Destination:    p.Destination,
			PlannedDep:     p.PlannedDep,
			SSD:            p.SSD,
			IsMainJourney:  mainJourney,
			PredictedDelay: p.PredictedDelay,
			PlannedArr:     &plannedArr,
			ActualArr:      &actualArr,
			ActualArrDelay: &delay,
			TOCCode:        details.TOCCode,
			LocationCRS:    crs,
			Locations:      strings.Join(seq, ","),
			ProcessedAt:    processed,
			RunID:          run.ID,
		})
	}
	return out, failed
}

func groupByRID(rows []models.ActionablePrediction) ([]string, map[string][]models.ActionablePrediction) {
	var order []string
	by := make(map[string][]models.ActionablePrediction)
	for _, r := range rows {
		if r.RID == "" {
			continue
		}
		if _, ok := by[r.RID]; !ok {
			order = append(order, r.RID)
		}
		by[r.RID] = append(by[r.RID], r)
	}
	return order, by
}
