package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/synthmatch/internal/features"
	"github.com/copyleftdev/synthmatch/internal/logging"
	"github.com/copyleftdev/synthmatch/internal/optimization"
	"github.com/copyleftdev/synthmatch/internal/optimization/fitness"
	"github.com/copyleftdev/synthmatch/internal/patch"
	"github.com/copyleftdev/synthmatch/internal/synth"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		MaxUploadBytes  int64         `env:"HTTP_MAX_UPLOAD_BYTES" envDefault:"33554432"`
	}
	Logging  logging.Config
	Database struct {
		Type string `env:"DB_TYPE" envDefault:"memory"`
		DSN  string `env:"DB_DSN"`
	}
	Search struct {
		Estimator     string   `env:"SEARCH_ESTIMATOR" envDefault:"ga"`
		Seed          int64    `env:"SEARCH_SEED" envDefault:"0"`
		PopSize       int      `env:"SEARCH_POP_SIZE" envDefault:"0"`
		Generations   int      `env:"SEARCH_NGEN" envDefault:"-1"`
		CrossoverProb float64  `env:"SEARCH_CXPB" envDefault:"-1"`
		MutationProb  float64  `env:"SEARCH_MUTPB" envDefault:"-1"`
		Workers       int      `env:"SEARCH_WORKERS" envDefault:"1"`
		Features      []string `env:"SEARCH_FEATURES" envSeparator:","`
		Metric        string   `env:"SEARCH_METRIC" envDefault:"mae"`
		MaxJobs       int      `env:"SEARCH_MAX_JOBS" envDefault:"2"`
	}
	Synth struct {
		Engine     string  `env:"SYNTH_ENGINE" envDefault:"fm"`
		SampleRate int     `env:"SYNTH_SAMPLE_RATE" envDefault:"44100"`
		MIDINote   int     `env:"SYNTH_MIDI_NOTE" envDefault:"48"`
		Velocity   int     `env:"SYNTH_VELOCITY" envDefault:"127"`
		NoteSecs   float64 `env:"SYNTH_NOTE_SECS" envDefault:"1.0"`
		RenderSecs float64 `env:"SYNTH_RENDER_SECS" envDefault:"2.0"`
		Clamp      bool    `env:"SYNTH_CLAMP" envDefault:"true"`
		Overrides  string  `env:"SYNTH_OVERRIDES"`
	}
	RateLimit struct {
		RPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"1"`
		Burst int     `env:"RATE_LIMIT_BURST" envDefault:"4"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	// Set default database DSN
	if cfg.Database.DSN == "" && cfg.Database.Type == "sqlite" {
		if err := os.MkdirAll("data", 0o755); err != nil {
			return nil, err
		}
		cfg.Database.DSN = filepath.Join("data", "synthmatch.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section that can be verified without building the
// synthesizer.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTP.Port)
	}
	switch c.Database.Type {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_TYPE %q", c.Database.Type)
	}
	switch strings.ToLower(c.Search.Estimator) {
	case "ga", "nsga3", "bo":
	default:
		return fmt.Errorf("unsupported SEARCH_ESTIMATOR %q", c.Search.Estimator)
	}
	if c.Search.Workers < 1 {
		return fmt.Errorf("SEARCH_WORKERS must be positive, got %d", c.Search.Workers)
	}
	if c.Search.MaxJobs < 1 {
		return fmt.Errorf("SEARCH_MAX_JOBS must be positive, got %d", c.Search.MaxJobs)
	}
	for _, name := range c.Search.Features {
		if _, err := features.New(name); err != nil {
			return err
		}
	}
	if _, err := fitness.MetricByName(c.Search.Metric); err != nil {
		return err
	}
	if _, err := synth.EngineConstructor(c.Synth.Engine); err != nil {
		return err
	}
	if err := c.RenderSettings().Validate(); err != nil {
		return err
	}
	if _, err := c.SynthOverrides(); err != nil {
		return err
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate limit needs positive RATE_LIMIT_RPS and RATE_LIMIT_BURST")
	}
	return nil
}

// SearchConfig returns the search engine configuration. A zero population
// size and negative generation counts or probabilities take the estimator
// defaults; zero generations or probabilities are passed through.
func (c *Config) SearchConfig() optimization.Config {
	search := optimization.Config{
		Seed:    c.Search.Seed,
		PopSize: c.Search.PopSize,
		Workers: c.Search.Workers,
	}
	if c.Search.Generations >= 0 {
		search.Generations = optimization.Int(c.Search.Generations)
	}
	if c.Search.CrossoverProb >= 0 {
		search.CrossoverProb = optimization.Float(c.Search.CrossoverProb)
	}
	if c.Search.MutationProb >= 0 {
		search.MutationProb = optimization.Float(c.Search.MutationProb)
	}
	return search
}

// RenderSettings returns the note the synthesizer plays for each render.
func (c *Config) RenderSettings() synth.RenderSettings {
	return synth.RenderSettings{
		SampleRate: c.Synth.SampleRate,
		MIDINote:   c.Synth.MIDINote,
		Velocity:   c.Synth.Velocity,
		NoteSecs:   c.Synth.NoteSecs,
		RenderSecs: c.Synth.RenderSecs,
	}
}

// SynthOverrides parses SYNTH_OVERRIDES, a list of index:value pairs.
func (c *Config) SynthOverrides() (patch.Patch, error) {
	return patch.ParseOverrides(c.Synth.Overrides)
}

// SynthFactory builds the synthesizer sessions described by the Synth section.
func (c *Config) SynthFactory(opts ...synth.Option) (synth.Factory, error) {
	ctor, err := synth.EngineConstructor(c.Synth.Engine)
	if err != nil {
		return nil, err
	}
	overrides, err := c.SynthOverrides()
	if err != nil {
		return nil, err
	}
	base := []synth.Option{
		synth.WithRenderSettings(c.RenderSettings()),
		synth.WithClamp(c.Synth.Clamp),
		synth.WithOverrides(overrides),
	}
	return synth.NewFactory(ctor, append(base, opts...)...), nil
}
