package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar is the environment variable holding a log spec.
const EnvVar = "MEMLINK_LOG"

// Format represents the log output format.
type Format string

const (
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = "json"
)

// ParseFormat parses a format string into a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// UnmarshalText lets config files name a format.
func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Options configures the logger factory.
type Options struct {
	// CLISpec is the log spec from the command line (highest precedence).
	CLISpec string
	// EnvSpec is the log spec from MEMLINK_LOG.
	EnvSpec string
	// ConfigSpec is the log spec from the config file (lowest precedence).
	ConfigSpec string
	// Format is the output format (text or json).
	Format Format
	// Output is the writer for log output. Defaults to os.Stderr so
	// that command output on stdout stays machine readable.
	Output io.Writer
}

// resolveSpec picks the spec by precedence: CLI, env, config.
func (o Options) resolveSpec() string {
	switch {
	case o.CLISpec != "":
		return o.CLISpec
	case o.EnvSpec != "":
		return o.EnvSpec
	default:
		return o.ConfigSpec
	}
}

// New creates a new slog.Logger with component-level filtering.
// Precedence: CLISpec > EnvSpec > ConfigSpec > defaults.
func New(opts Options) (*slog.Logger, error) {
	spec, err := ParseSpec(opts.resolveSpec())
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	// The inner handler accepts everything; filtering is per component.
	handlerOpts := &slog.HandlerOptions{
		Level:       LevelTrace.ToSlog(),
		ReplaceAttr: replaceLevelName,
	}

	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(output, handlerOpts)
	default:
		inner = slog.NewTextHandler(output, handlerOpts)
	}
	return slog.New(NewFilteringHandler(inner, &spec)), nil
}

// replaceLevelName renders the trace level as TRACE instead of slog's
// "DEBUG-4".
func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace.ToSlog() {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// FromEnv creates a logger using the MEMLINK_LOG environment variable.
func FromEnv() (*slog.Logger, error) {
	return New(Options{EnvSpec: os.Getenv(EnvVar)})
}
