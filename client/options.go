package client

import (
	"io"
	"log/slog"

	"github.com/frobware/go-memlink/config"
	"github.com/frobware/go-memlink/interpreter"
)

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	logger     *slog.Logger
	runtimeDir string
	descDir    string
	config     *config.Config
	provider   interpreter.Provider
}

// WithLogger sets the logger for client operations.
// If not specified, a no-op logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) { o.logger = l }
}

// WithRuntimeDir sets the base runtime directory.
// If not specified, defaults to /run/memlink.
func WithRuntimeDir(path string) Option {
	return func(o *openOptions) { o.runtimeDir = path }
}

// WithDescriptorDir sets the descriptor directory, taking precedence
// over MEMLINK_DESC_DIR and the config file.
func WithDescriptorDir(dir string) Option {
	return func(o *openOptions) { o.descDir = dir }
}

// WithConfig sets the configuration. If not specified, it is loaded
// from /etc/memlink/memlink.toml, or the embedded defaults if that
// file does not exist.
func WithConfig(cfg config.Config) Option {
	return func(o *openOptions) { o.config = &cfg }
}

// WithProvider uses p instead of the provider named by the config.
// The caller keeps ownership: Close does not close p.
func WithProvider(p interpreter.Provider) Option {
	return func(o *openOptions) { o.provider = p }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
