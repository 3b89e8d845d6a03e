package models

import "time"

// ActionablePrediction is the read model of predictions_actual used by the
// enrichment job.
type ActionablePrediction struct {
	RID            string     `gorm:"column:rid;primaryKey" json:"rid"`
	Origin         string     `gorm:"column:origin;primaryKey" json:"origin"`
	Destination    string     `gorm:"column:destination;primaryKey" json:"destination"`
	PlannedDep     time.Time  `gorm:"column:planned_dep;primaryKey" json:"planned_dep"`
	SSD            time.Time  `gorm:"column:ssd" json:"ssd"`
	PlannedArr     *time.Time `gorm:"column:planned_arr" json:"planned_arr"`
	PredictedDelay float64    `gorm:"column:predicted_delay" json:"predicted_delay"`
}

func (ActionablePrediction) TableName() string { return "predictions_actual" }

type ActualArrival struct {
	RID         string    `gorm:"column:rid;primaryKey" json:"rid"`
	Origin      string    `gorm:"column:origin;primaryKey" json:"origin"`
	Destination string    `gorm:"column:destination;primaryKey" json:"destination"`
	PlannedDep  time.Time `gorm:"column:planned_dep;primaryKey" json:"planned_dep"`
	SSD         time.Time `gorm:"column:ssd" json:"ssd"`

	IsMainJourney  bool       `gorm:"column:is_main_journey" json:"is_main_journey"`
	PredictedDelay float64    `gorm:"column:predicted_delay" json:"predicted_delay"`
	PlannedArr     *time.Time `gorm:"column:planned_arr" json:"planned_arr"`
	ActualArr      *time.Time `gorm:"column:actual_arr" json:"actual_arr"`
	ActualArrDelay *float64   `gorm:"column:actual_arr_delay" json:"actual_arr_delay"`

	TOCCode     string `gorm:"column:toc_code" json:"toc_code"`
	LocationCRS string `gorm:"column:hsp_location_crs" json:"hsp_location_crs"`
	// Locations is the comma separated CRS sequence of the realized journey,
	// in calling order.
	Locations string `gorm:"column:hsp_locations" json:"hsp_locations"`

	ProcessedAt time.Time `gorm:"column:processed_at" json:"processed_at"`
	RunID       string    `gorm:"column:run_id" json:"run_id"`
}

func (ActualArrival) TableName() string { return "actual_arrivals_hsp" }

// EnrichmentAttempt counts the runs that looked at a prediction and could not
// produce an actual arrival for it.
type EnrichmentAttempt struct {
	RID         string    `gorm:"column:rid;primaryKey" json:"rid"`
	Origin      string    `gorm:"column:origin;primaryKey" json:"origin"`
	Destination string    `gorm:"column:destination;primaryKey" json:"destination"`
	PlannedDep  time.Time `gorm:"column:planned_dep;primaryKey" json:"planned_dep"`

	Attempts      int       `gorm:"column:attempts" json:"attempts"`
	LastReason    string    `gorm:"column:last_reason" json:"last_reason"`
	LastAttemptAt time.Time `gorm:"column:last_attempt_at" json:"last_attempt_at"`
	RunID         string    `gorm:"column:run_id" json:"run_id"`
}

func (EnrichmentAttempt) TableName() string { return "enrichment_attempts" }

type EnrichmentRun struct {
	ID         string     `gorm:"column:id;primaryKey" json:"id"`
	StartedAt  time.Time  `gorm:"column:started_at" json:"started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at"`
	BeforeDate time.Time  `gorm:"column:before_date" json:"before_date"`
	LimitRows  int        `gorm:"column:limit_rows" json:"limit_rows"`
	RIDs       int        `gorm:"column:rids" json:"rids"`
	Upserted   int        `gorm:"column:upserted" json:"upserted"`
	Skipped    int        `gorm:"column:skipped" json:"skipped"`
	DryRun     bool       `gorm:"column:dry_run" json:"dry_run"`
}

func (EnrichmentRun) TableName() string { return "enrichment_runs" }
