package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/synthmatch/internal/config"
	"github.com/copyleftdev/synthmatch/internal/logging"
	"github.com/copyleftdev/synthmatch/internal/match"
	"github.com/copyleftdev/synthmatch/internal/storage"
	"github.com/copyleftdev/synthmatch/internal/synth"
)

const usage = "usage: synthmatch <match|render|params> [flags]"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\n%s", msg, usage)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return usageError("missing command")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	switch args[0] {
	case "match":
		return runMatch(ctx, cfg, args[1:], stdout)
	case "render":
		return runRender(cfg, args[1:], stdout)
	case "params":
		return runParams(cfg, args[1:], stdout)
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// bindSynthFlags exposes the Synth section of cfg as flags.
func bindSynthFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Synth.Engine, "engine", cfg.Synth.Engine, "synth engine: "+strings.Join(synth.EngineNames(), "|"))
	fs.IntVar(&cfg.Synth.SampleRate, "sample-rate", cfg.Synth.SampleRate, "render sample rate")
	fs.IntVar(&cfg.Synth.MIDINote, "note", cfg.Synth.MIDINote, "MIDI note played for each render")
	fs.IntVar(&cfg.Synth.Velocity, "velocity", cfg.Synth.Velocity, "MIDI velocity")
	fs.Float64Var(&cfg.Synth.NoteSecs, "note-secs", cfg.Synth.NoteSecs, "seconds before note off")
	fs.Float64Var(&cfg.Synth.RenderSecs, "render-secs", cfg.Synth.RenderSecs, "rendered seconds")
	fs.StringVar(&cfg.Synth.Overrides, "overrides", cfg.Synth.Overrides, "frozen parameters as index:value,...")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level: debug|info|warn|error")
	fs.StringVar(&cfg.Logging.Format, "log-format", logging.FormatText, "log format: json|text")
	fs.StringVar(&cfg.Logging.Output, "log-output", cfg.Logging.Output, "log destination: stderr or a file path")
}

// newLogger builds the engine logger from the Logging section. Results go
// to stdout, so log lines sent there are moved to stderr.
func newLogger(cfg *config.Config) (*zap.Logger, io.Closer, error) {
	lc := cfg.Logging
	if strings.EqualFold(lc.Output, "stdout") {
		lc.Output = "stderr"
	}
	base, closer, err := logging.NewLogger(lc)
	if err != nil {
		return nil, nil, err
	}
	return logging.NewZapLogger(base.WithField("service", "synthmatch")), closer, nil
}

func runMatch(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	target := fs.String("target", "", "target WAV path")
	out := fs.String("out", "", "result JSON path (default: stdout)")
	outWAV := fs.String("out-wav", "", "write the rendered best patch to this WAV path")
	saveState := fs.String("save-state", "", "write the matched synth state JSON to this path")
	storeKind := fs.String("store", "", "also record the match in a store: memory|sqlite")
	dbPath := fs.String("db-path", "synthmatch.db", "sqlite database path")
	featureList := fs.String("features", strings.Join(cfg.Search.Features, ","), "comma-separated feature extractors (default per estimator)")
	fs.StringVar(&cfg.Search.Estimator, "estimator", cfg.Search.Estimator, "search engine: "+strings.Join(match.Estimators, "|"))
	fs.Int64Var(&cfg.Search.Seed, "seed", cfg.Search.Seed, "random seed, 0 seeds from the clock")
	fs.IntVar(&cfg.Search.PopSize, "pop", cfg.Search.PopSize, "population size (0 uses the estimator default)")
	fs.IntVar(&cfg.Search.Generations, "ngen", cfg.Search.Generations, "generations (negative uses the estimator default)")
	fs.Float64Var(&cfg.Search.CrossoverProb, "cxpb", cfg.Search.CrossoverProb, "crossover probability (negative uses the estimator default)")
	fs.Float64Var(&cfg.Search.MutationProb, "mutpb", cfg.Search.MutationProb, "mutation probability (negative uses the estimator default)")
	fs.IntVar(&cfg.Search.Workers, "workers", cfg.Search.Workers, "parallel evaluation workers")
	fs.StringVar(&cfg.Search.Metric, "metric", cfg.Search.Metric, "distance metric")
	bindSynthFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return usageError("-target is required")
	}
	cfg.Search.Features = splitList(*featureList)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	factory, err := cfg.SynthFactory(synth.WithLogger(logger))
	if err != nil {
		return err
	}
	set := match.Settings{
		Estimator: cfg.Search.Estimator,
		Search:    cfg.SearchConfig(),
		Features:  cfg.Search.Features,
		Metric:    cfg.Search.Metric,
	}
	matcher, err := match.Build(factory, set, match.WithLogger(logger))
	if err != nil {
		return err
	}

	created := time.Now().UTC()
	result, err := matcher.MatchFile(*target)
	if err != nil {
		return err
	}

	if *outWAV != "" {
		if err := result.Audio.SaveWAV(*outWAV); err != nil {
			return fmt.Errorf("writing rendered audio: %w", err)
		}
	}
	if *saveState != "" {
		if err := matcher.Synth().SaveState(*saveState); err != nil {
			return fmt.Errorf("writing synth state: %w", err)
		}
	}
	if *storeKind != "" {
		rec := storage.MatchRecord{
			ID:          uuid.NewString(),
			Status:      storage.StatusCompleted,
			Estimator:   result.Estimator,
			Target:      *target,
			Seed:        set.Search.Seed,
			Patch:       result.Patch,
			Fitness:     result.Fitness,
			Generations: len(result.Result.Logbook) - 1,
			Evaluations: result.Result.Evaluations,
			CreatedAt:   created,
			UpdatedAt:   time.Now().UTC(),
		}
		if err := record(ctx, *storeKind, *dbPath, rec); err != nil {
			return err
		}
		logger.Info("match recorded", zap.String("match_id", rec.ID), zap.String("store", *storeKind))
	}

	return writeJSON(*out, stdout, result)
}

func record(ctx context.Context, kind, dsn string, rec storage.MatchRecord) (err error) {
	store, err := storage.NewStore(kind, dsn)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}
	return store.SaveMatch(ctx, rec)
}

func runRender(cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	out := fs.String("out", "", "output WAV path")
	state := fs.String("state", "", "synth state JSON to load")
	values := fs.String("patch", "", "comma-separated parameter vector, free-length or full-length")
	random := fs.Bool("random", false, "render a random patch")
	seed := fs.Int64("seed", 1, "random seed for -random")
	bindSynthFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return usageError("-out is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	factory, err := cfg.SynthFactory(synth.WithLogger(logger))
	if err != nil {
		return err
	}
	s, err := factory()
	if err != nil {
		return err
	}

	switch {
	case *random:
		if err := s.Randomize(rand.New(rand.NewSource(*seed))); err != nil {
			return err
		}
	case *state != "":
		if err := s.LoadState(*state); err != nil {
			return err
		}
	case *values != "":
		vec, err := parseVector(*values)
		if err != nil {
			return err
		}
		if err := s.SetPatch(vec); err != nil {
			return err
		}
	}

	if err := s.Render(); err != nil {
		return err
	}
	buf, err := s.Audio()
	if err != nil {
		return err
	}
	if err := buf.SaveWAV(*out); err != nil {
		return err
	}
	return writeJSON("", stdout, s.Patch(false))
}

func runParams(cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("params", flag.ContinueOnError)
	bindSynthFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	factory, err := cfg.SynthFactory()
	if err != nil {
		return err
	}
	s, err := factory()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tDEFAULT\tVALUE")
	current := s.Patch(false)
	for _, p := range s.Parameters() {
		value, _ := current.Lookup(p.Index)
		mark := ""
		if s.Model().IsOverridden(p.Index) {
			mark = " (frozen)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%.3f%s\n", p.Index, p.Name, p.Default, value, mark)
	}
	return tw.Flush()
}

func writeJSON(path string, stdout io.Writer, v interface{}) error {
	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseVector(raw string) ([]float64, error) {
	parts := splitList(raw)
	if len(parts) == 0 {
		return nil, errors.New("empty parameter vector")
	}
	vec := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter value %q: %w", part, err)
		}
		vec[i] = v
	}
	return vec, nil
}
