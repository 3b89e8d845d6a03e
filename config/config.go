package config

import (
	"errors"
	"fmt"
	"time"

	"railflow/segments"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Log        LogConfig        `koanf:"log"`
	Feed       FeedConfig       `koanf:"feed"`
	Route      RouteConfig      `koanf:"route"`
	Extractor  ExtractorConfig  `koanf:"extractor"`
	Features   FeaturesConfig   `koanf:"features"`
	Cache      CacheConfig      `koanf:"cache"`
	Ensemble   EnsembleConfig   `koanf:"ensemble"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Writer     WriterConfig     `koanf:"writer"`
	Actionable ActionableConfig `koanf:"actionable"`
	Runtime    RuntimeConfig    `koanf:"runtime"`
	HSP        HSPConfig        `koanf:"hsp"`
	Enrich     EnrichConfig     `koanf:"enrich"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"sslmode"`
	MaxConns int    `koanf:"max_conns"`
}

func (d DatabaseConfig) GetDSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
	if d.MaxConns > 0 {
		dsn += fmt.Sprintf(" pool_max_conns=%d", d.MaxConns)
	}
	return dsn
}

// RedisConfig configures the route history store and prediction fan-out.
// An empty URL disables both.
type RedisConfig struct {
	URL           string `koanf:"url"`
	Channel       string `koanf:"channel"`
	HistoryPrefix string `koanf:"history_prefix"`
	HistoryLength int    `koanf:"history_length"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type FeedConfig struct {
	Transport        string        `koanf:"transport"`
	URL              string        `koanf:"url"`
	Topic            string        `koanf:"topic"`
	ClientPrefix     string        `koanf:"client_prefix"`
	Buffer           int           `koanf:"buffer"`
	ReconnectInitial time.Duration `koanf:"reconnect_initial"`
	ReconnectMax     time.Duration `koanf:"reconnect_max"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout"`
}

type StationConfig struct {
	TIPLOC string `koanf:"tiploc"`
	CRS    string `koanf:"crs"`
	Name   string `koanf:"name"`
}

type RouteConfig struct {
	Timezone string          `koanf:"timezone"`
	Stations []StationConfig `koanf:"stations"`
}

// Location loads the route timezone.
func (r RouteConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid route.timezone: %w", err)
	}
	return loc, nil
}

// BuildRoute turns the configured stations into a route.
func (r RouteConfig) BuildRoute() (*segments.Route, error) {
	stations := make([]segments.Station, 0, len(r.Stations))
	for _, s := range r.Stations {
		stations = append(stations, segments.Station{TIPLOC: s.TIPLOC, CRS: s.CRS, Name: s.Name})
	}
	return segments.NewRoute(stations)
}

type ExtractorConfig struct {
	TrainInactivity time.Duration `koanf:"train_inactivity"`
	MaxTrains       int           `koanf:"max_trains"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	Window          string        `koanf:"window"`
}

type FeaturesConfig struct {
	LookupTimeout  time.Duration `koanf:"lookup_timeout"`
	HistorySamples int           `koanf:"history_samples"`
}

type CacheConfig struct {
	Size int `koanf:"size"`
}

type EnsembleConfig struct {
	WeightsPath string `koanf:"weights_path"`
}

type PipelineConfig struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
}

type WriterConfig struct {
	QueueSize      int           `koanf:"queue_size"`
	MaxRetries     uint          `koanf:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

type ActionableConfig struct {
	RequireActualDeparture bool    `koanf:"require_actual_departure"`
	MinPredictedDelay      float64 `koanf:"min_predicted_delay"`
	MinConfidence          float64 `koanf:"min_confidence"`
}

type RuntimeConfig struct {
	// Minutes bounds the run. Negative means run until signalled.
	Minutes float64 `koanf:"minutes"`
	Print   bool    `koanf:"print"`
}

func (r RuntimeConfig) Duration() time.Duration {
	if r.Minutes < 0 {
		return -1
	}
	return time.Duration(r.Minutes * float64(time.Minute))
}

type HSPConfig struct {
	URL               string        `koanf:"url"`
	Username          string        `koanf:"username"`
	Password          string        `koanf:"password"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	MaxRetries        uint          `koanf:"max_retries"`
}

type EnrichConfig struct {
	LimitRows     int    `koanf:"limit_rows"`
	MaxRIDs       int    `koanf:"max_rids"`
	BeforeDate    string `koanf:"before_date"`
	DryRun        bool   `koanf:"dry_run"`
	ProgressEvery int    `koanf:"progress_every"`
	MaxAttempts   int    `koanf:"max_attempts"`
}

// Default returns the built-in configuration. Route stations are filled in
// by applyDefaults so a configured route replaces rather than merges.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "railflow",
			Password: "railflow_dev_password",
			Name:     "railflow",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Channel:       "railflow:predictions",
			HistoryPrefix: "railflow:history",
			HistoryLength: 50,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Feed: FeedConfig{
			Transport:        "mqtt",
			URL:              "tcp://localhost:1883",
			Topic:            "darwin/pushport/ts",
			ClientPrefix:     "railflow",
			Buffer:           1024,
			ReconnectInitial: 500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
			ConnectTimeout:   10 * time.Second,
		},
		Route: RouteConfig{Timezone: "Europe/London"},
		Extractor: ExtractorConfig{
			TrainInactivity: 3 * time.Hour,
			MaxTrains:       5000,
			SweepInterval:   time.Minute,
			Window:          "in_progress",
		},
		Features: FeaturesConfig{
			LookupTimeout:  200 * time.Millisecond,
			HistorySamples: 20,
		},
		Cache:    CacheConfig{Size: 500},
		Ensemble: EnsembleConfig{WeightsPath: "configs/model_weights.json"},
		Pipeline: PipelineConfig{Workers: 4, QueueSize: 256},
		Writer: WriterConfig{
			QueueSize:      512,
			MaxRetries:     5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Actionable: ActionableConfig{RequireActualDeparture: true},
		Runtime:    RuntimeConfig{Minutes: 5, Print: true},
		HSP: HSPConfig{
			URL:               "https://hsp-prod.rockshore.net/api/v1/serviceDetails",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 1,
			Burst:             1,
			MaxRetries:        4,
		},
		Enrich: EnrichConfig{LimitRows: 50000, MaxRIDs: 2000, ProgressEvery: 50, MaxAttempts: 3},
	}
}

func applyDefaults(cfg *Config) {
	if len(cfg.Route.Stations) == 0 {
		cfg.Route.Stations = DefaultStations()
	}
}

// DefaultStations is the Weymouth to London Waterloo corridor in calling order.
func DefaultStations() []StationConfig {
	return []StationConfig{
		{TIPLOC: "WEYMTH", CRS: "WEY", Name: "Weymouth"},
		{TIPLOC: "UPWEY", CRS: "UPW", Name: "Upwey"},
		{TIPLOC: "DRCHS", CRS: "DCH", Name: "Dorchester South"},
		{TIPLOC: "WOOL", CRS: "WOO", Name: "Wool"},
		{TIPLOC: "WARHAM", CRS: "WRM", Name: "Wareham"},
		{TIPLOC: "HMWTHY", CRS: "HAM", Name: "Hamworthy"},
		{TIPLOC: "POOLE", CRS: "POO", Name: "Poole"},
		{TIPLOC: "PSTONE", CRS: "PKS", Name: "Parkstone"},
		{TIPLOC: "BRANKSM", CRS: "BSM", Name: "Branksome"},
		{TIPLOC: "BOMO", CRS: "BMH", Name: "Bournemouth"},
		{TIPLOC: "POKSDWN", CRS: "POK", Name: "Pokesdown"},
		{TIPLOC: "CHRISTC", CRS: "CHR", Name: "Christchurch"},
		{TIPLOC: "NMILTON", CRS: "NWM", Name: "New Milton"},
		{TIPLOC: "BKNHRST", CRS: "BCU", Name: "Brockenhurst"},
		{TIPLOC: "SOTON", CRS: "SOU", Name: "Southampton Central"},
		{TIPLOC: "SOTPKWY", CRS: "SOA", Name: "Southampton Airport Parkway"},
		{TIPLOC: "WNCHSTR", CRS: "WIN", Name: "Winchester"},
		{TIPLOC: "BSNGSTK", CRS: "BSK", Name: "Basingstoke"},
		{TIPLOC: "CLPHMJM", CRS: "CLJ", Name: "Clapham Junction"},
		{TIPLOC: "WATRLMN", CRS: "WAT", Name: "London Waterloo"},
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Cache.Size <= 0 {
		errs = append(errs, fmt.Errorf("invalid cache.size: %d", c.Cache.Size))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, fmt.Errorf("invalid pipeline.workers: %d", c.Pipeline.Workers))
	}
	if c.Pipeline.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid pipeline.queue_size: %d", c.Pipeline.QueueSize))
	}
	if c.Writer.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid writer.queue_size: %d", c.Writer.QueueSize))
	}
	switch c.Feed.Transport {
	case "mqtt", "nats":
	default:
		errs = append(errs, fmt.Errorf("invalid feed.transport: %q", c.Feed.Transport))
	}
	if c.Feed.ReconnectInitial <= 0 || c.Feed.ReconnectMax < c.Feed.ReconnectInitial {
		errs = append(errs, fmt.Errorf("invalid feed reconnect interval: initial=%s max=%s",
			c.Feed.ReconnectInitial, c.Feed.ReconnectMax))
	}
	if len(c.Route.Stations) < 2 {
		errs = append(errs, errors.New("route.stations needs at least two stations"))
	}
	seen := make(map[string]bool, len(c.Route.Stations))
	for i, st := range c.Route.Stations {
		if st.TIPLOC == "" {
			errs = append(errs, fmt.Errorf("route.stations[%d]: missing tiploc", i))
			continue
		}
		if seen[st.TIPLOC] {
			errs = append(errs, fmt.Errorf("route.stations[%d]: duplicate tiploc %s", i, st.TIPLOC))
		}
		seen[st.TIPLOC] = true
	}
	if _, err := time.LoadLocation(c.Route.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid route.timezone: %w", err))
	}
	switch c.Extractor.Window {
	case "in_progress", "near_departure", "none":
	default:
		errs = append(errs, fmt.Errorf("invalid extractor.window: %q", c.Extractor.Window))
	}
	if c.Extractor.TrainInactivity <= 0 {
		errs = append(errs, fmt.Errorf("invalid extractor.train_inactivity: %s", c.Extractor.TrainInactivity))
	}
	if c.Features.LookupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid features.lookup_timeout: %s", c.Features.LookupTimeout))
	}
	if c.Ensemble.WeightsPath == "" {
		errs = append(errs, errors.New("ensemble.weights_path is required"))
	}
	if c.Actionable.MinConfidence < 0 || c.Actionable.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("invalid actionable.min_confidence: %v", c.Actionable.MinConfidence))
	}
	if c.HSP.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("invalid hsp.requests_per_second: %v", c.HSP.RequestsPerSecond))
	}
	if c.Enrich.LimitRows < 0 || c.Enrich.MaxRIDs < 0 || c.Enrich.MaxAttempts < 0 {
		errs = append(errs, errors.New("enrich limits must not be negative"))
	}
	if c.Enrich.BeforeDate != "" {
		if _, err := time.Parse(time.DateOnly, c.Enrich.BeforeDate); err != nil {
			errs = append(errs, fmt.Errorf("invalid enrich.before_date: %w", err))
		}
	}
	return errors.Join(errs...)
}
