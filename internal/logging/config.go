package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config selects the level, encoding and destination of a Logger. It is
// embedded in the service configuration and read from the environment.
type Config struct {
	// Level is the minimum level written: debug, info, warn, error or fatal.
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	// Format is json or text.
	Format string `env:"LOG_FORMAT" envDefault:"json"`
	// Output is stdout, stderr or a file path opened for appending.
	Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
}

// NewLogger builds a Logger from cfg. The returned closer releases the
// output file and is a no-op for the standard streams; callers close it
// after the last log line.
func NewLogger(cfg Config) (*Logger, io.Closer, error) {
	out, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	return New(parseLevel(cfg.Level), out).WithFormat(cfg.Format), closer, nil
}

func parseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log output: %w", err)
	}
	return f, f, nil
}
