// Command enricher back-fills actual arrival times for actionable
// predictions from the HSP API.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"railflow/config"
	"railflow/enrich"
	"railflow/logging"
)

var (
	configPath  string
	limitRows   int
	beforeDate  string
	maxRIDs     int
	maxAttempts int
	dryRun      bool
	verbose     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "enricher",
	Short: "Store actual arrivals for actionable predictions",
	Long: `enricher selects actionable predictions that have no actual arrival yet,
fetches each service from the HSP API and records the realized arrival at
the segment destination.

Examples:
  # Enrich everything before today (Europe/London)
  enricher --config configs/config.yaml

  # Preview at most 100 predictions without writing
  enricher --limit-rows 100 --dry-run --verbose`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().IntVar(&limitRows, "limit-rows", 50000, "maximum unprocessed predictions to scan")
	rootCmd.Flags().StringVar(&beforeDate, "before-date", "", "only enrich services before this YYYY-MM-DD (default today)")
	rootCmd.Flags().IntVar(&maxRIDs, "max-rids", 2000, "maximum distinct services to fetch")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "stop retrying a prediction after this many failed runs (0 retries forever)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and match but write nothing")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("limit-rows") {
		cfg.Enrich.LimitRows = limitRows
	}
	if flags.Changed("before-date") {
		cfg.Enrich.BeforeDate = beforeDate
	}
	if flags.Changed("max-rids") {
		cfg.Enrich.MaxRIDs = maxRIDs
	}
	if flags.Changed("max-attempts") {
		cfg.Enrich.MaxAttempts = maxAttempts
	}
	if flags.Changed("dry-run") {
		cfg.Enrich.DryRun = dryRun
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Route.Location()
	if err != nil {
		return err
	}
	route, err := cfg.Route.BuildRoute()
	if err != nil {
		return err
	}

	var before time.Time
	if cfg.Enrich.BeforeDate != "" {
		before, err = time.Parse(time.DateOnly, cfg.Enrich.BeforeDate)
		if err != nil {
			return fmt.Errorf("invalid before date: %w", err)
		}
	}

	db, err := enrich.OpenDB(ctx, cfg.Database.GetDSN())
	if err != nil {
		return err
	}
	st := enrich.NewGormStore(db)
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	client := enrich.NewHSPClient(enrich.ClientConfig{
		URL:               cfg.HSP.URL,
		Username:          cfg.HSP.Username,
		Password:          cfg.HSP.Password,
		Timeout:           cfg.HSP.Timeout,
		RequestsPerSecond: cfg.HSP.RequestsPerSecond,
		Burst:             cfg.HSP.Burst,
		MaxRetries:        cfg.HSP.MaxRetries,
	}, logger)

	job := enrich.NewJob(st, client, route, enrich.CoversRoute, enrich.JobConfig{
		LimitRows:     cfg.Enrich.LimitRows,
		MaxRIDs:       cfg.Enrich.MaxRIDs,
		BeforeDate:    before,
		DryRun:        cfg.Enrich.DryRun,
		ProgressEvery: cfg.Enrich.ProgressEvery,
		MaxAttempts:   cfg.Enrich.MaxAttempts,
		Location:      loc,
	}, logger.Named("enrich"))

	sum, err := job.Run(ctx)
	if err != nil {
		logger.Error("enrichment failed", zap.String("run_id", sum.RunID), zap.Error(err))
		return err
	}
	logger.Info("done",
		zap.String("run_id", sum.RunID),
		zap.Int("candidates", sum.Candidates),
		zap.Int("rids", sum.RIDs),
		zap.Int("upserted", sum.Upserted),
		zap.Int("skipped", sum.Skipped()),
	)
	return nil
}
