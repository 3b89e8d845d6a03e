// Command predictor consumes the live movement feed and writes delay
// predictions for every tracked station pair.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"railflow/cache"
	"railflow/config"
	"railflow/ensemble"
	"railflow/features"
	"railflow/feed"
	"railflow/handlers"
	"railflow/logging"
	"railflow/pipeline"
	"railflow/segments"
	"railflow/services"
	"railflow/store"
)

var (
	configPath  string
	minutes     float64
	cacheSize   int
	printPreds  bool
	verbose     bool
	weightsPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "predictor",
	Short: "Predict train arrival delays from the live movement feed",
	Long: `predictor subscribes to the train movement feed, extracts station to station
segments for the configured route, scores them with the model ensemble and
stores every prediction.

Examples:
  # Run for five minutes (the default) and print predictions
  predictor --config configs/config.yaml --print

  # Run until interrupted
  predictor --minutes -1`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().Float64Var(&minutes, "minutes", 5, "minutes to stream before draining; -1 runs until interrupted")
	rootCmd.Flags().IntVar(&cacheSize, "cache-size", 500, "prediction cache capacity in segments")
	rootCmd.Flags().BoolVar(&printPreds, "print", false, "log every prediction")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")
	rootCmd.Flags().StringVar(&weightsPath, "weights", "", "ensemble weights file")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("minutes") {
		cfg.Runtime.Minutes = minutes
	}
	if flags.Changed("cache-size") {
		cfg.Cache.Size = cacheSize
	}
	if flags.Changed("print") {
		cfg.Runtime.Print = printPreds
	}
	if flags.Changed("weights") {
		cfg.Ensemble.WeightsPath = weightsPath
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

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("predictor failed", zap.Error(err))
		return err
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	loc, err := cfg.Route.Location()
	if err != nil {
		return err
	}
	route, err := cfg.Route.BuildRoute()
	if err != nil {
		return err
	}
	window, err := segments.NewWindow(cfg.Extractor.Window)
	if err != nil {
		return err
	}

	weights, err := ensemble.LoadWeights(cfg.Ensemble.WeightsPath)
	if err != nil {
		return err
	}
	scorer := ensemble.NewScorer(weights, logger)
	logger.Info("weights loaded", zap.String("version", scorer.Version()), zap.Strings("pairs", weights.Pairs()))

	db, err := store.NewPostgres(ctx, cfg.Database.GetDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	history, err := services.Connect(ctx, services.HistoryConfig{
		URL:     cfg.Redis.URL,
		Prefix:  cfg.Redis.HistoryPrefix,
		Length:  cfg.Redis.HistoryLength,
		Channel: cfg.Redis.Channel,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = history.Close() }()
	if !history.Available() {
		logger.Warn("redis not configured, route context disabled")
	}

	predCache, err := cache.New(cfg.Cache.Size)
	if err != nil {
		return err
	}
	builder := features.NewBuilder(history, features.BuilderConfig{
		LookupTimeout:  cfg.Features.LookupTimeout,
		HistorySamples: cfg.Features.HistorySamples,
		Location:       loc,
	}, logger)

	writer := store.NewWriter(db, history, store.WriterConfig{
		QueueSize:      cfg.Writer.QueueSize,
		MaxRetries:     cfg.Writer.MaxRetries,
		InitialBackoff: cfg.Writer.InitialBackoff,
		MaxBackoff:     cfg.Writer.MaxBackoff,
		Actionable: store.Actionable{
			RequireActualDeparture: cfg.Actionable.RequireActualDeparture,
			MinPredictedDelay:      cfg.Actionable.MinPredictedDelay,
			MinConfidence:          cfg.Actionable.MinConfidence,
		},
	}, logger.Named("writer"))

	proc := pipeline.NewProcessor(builder, scorer, predCache, writer, history, pipeline.ProcessorConfig{
		Window: window,
		Print:  cfg.Runtime.Print,
	}, logger.Named("pipeline"))
	pool := pipeline.NewPool(proc.Handle, cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, logger.Named("pool"))

	extractor := segments.NewExtractor(route, segments.ExtractorConfig{
		TrainInactivity: cfg.Extractor.TrainInactivity,
		MaxTrains:       cfg.Extractor.MaxTrains,
		Location:        loc,
	}, logger)

	transport, err := feed.NewTransport(feed.TransportConfig{
		Kind:           cfg.Feed.Transport,
		URL:            cfg.Feed.URL,
		Topic:          cfg.Feed.Topic,
		ClientPrefix:   cfg.Feed.ClientPrefix,
		ConnectTimeout: cfg.Feed.ConnectTimeout,
	}, logger)
	if err != nil {
		return err
	}

	rt := feed.NewRuntime(transport, extractor, pool, writer, feed.RuntimeConfig{
		Duration:         cfg.Runtime.Duration(),
		Buffer:           cfg.Feed.Buffer,
		ReconnectInitial: cfg.Feed.ReconnectInitial,
		ReconnectMax:     cfg.Feed.ReconnectMax,
		SweepInterval:    cfg.Extractor.SweepInterval,
	}, logger.Named("feed"))

	ops := handlers.NewOpsHandler(func() any {
		return map[string]any{
			"feed":          rt.Status(),
			"extractor":     extractor.Stats(),
			"pipeline":      proc.Stats(),
			"pool":          pool.Stats(),
			"writer":        writer.Stats(),
			"model_version": scorer.Version(),
		}
	}, map[string]handlers.Check{"database": db.Ping})

	logger.Info("predictor starting",
		zap.String("transport", cfg.Feed.Transport),
		zap.String("topic", cfg.Feed.Topic),
		zap.Float64("minutes", cfg.Runtime.Minutes),
		zap.Int("cache_size", cfg.Cache.Size),
	)

	opsCtx, stopOps := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(opsCtx)
	g.Go(func() error {
		return handlers.Serve(gctx, cfg.Server.Port, handlers.NewRouter(ops, logger.Named("http")), logger)
	})

	runErr := rt.Run(ctx)
	stopOps()
	if err := g.Wait(); err != nil {
		logger.Warn("ops server stopped with error", zap.Error(err))
	}

	status := rt.Status()
	logger.Info("predictor stopped",
		zap.Int64("payloads", status.Payloads),
		zap.Int64("segments", status.Segments),
		zap.Int64("written", writer.Stats().Written),
		zap.Int("cache_size", predCache.Len()),
	)
	return runErr
}
