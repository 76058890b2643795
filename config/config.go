// Package config holds memlink's runtime layout and file configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded from default.toml)
//  2. Overlay with config file values (if the file exists)
//  3. CLI flags and environment variables override at runtime
//
// The TOML decoder only sets fields present in the file, so unspecified
// fields keep their default values. A config file that exists but does
// not parse is an error, never a silent fallback to defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-memlink"
	"github.com/frobware/go-memlink/logging"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is the default path to the memlink config file.
const DefaultConfigPath = "/etc/memlink/memlink.toml"

// Provider kinds.
const (
	ProviderSimdev = "simdev"
	ProviderOBMM   = "obmm"
)

// Config is the top-level memlink configuration.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Provider    ProviderConfig    `toml:"provider"`
	Descriptors DescriptorsConfig `toml:"descriptors"`
	Export      ExportConfig      `toml:"export"`
	Import      ImportConfig      `toml:"import"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the log spec (e.g., "warn" or "warn,manager=debug").
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format logging.Format `toml:"format"`
	// Components provides an alternative way to specify per-component levels.
	Components map[string]string `toml:"components"`
}

// ToSpec converts the LoggingConfig to a log spec string. Components
// are appended to Level so that a file may set both.
func (c *LoggingConfig) ToSpec() string {
	parts := []string{}
	if c.Level != "" {
		parts = append(parts, c.Level)
	}
	names := make([]string, 0, len(c.Components))
	for name := range c.Components {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// ProviderConfig selects the capability provider.
type ProviderConfig struct {
	Kind   string `toml:"kind"`
	Device string `toml:"device"`
}

// DescriptorsConfig locates the descriptor directory.
type DescriptorsConfig struct {
	Dir string `toml:"dir"`
}

// ExportConfig holds defaults for export requests.
type ExportConfig struct {
	Flags memlink.ExportFlags `toml:"flags"`
	Priv  memlink.PrivData    `toml:"priv"`
}

// ImportConfig holds defaults for import requests.
type ImportConfig struct {
	Flags    memlink.ExportFlags `toml:"flags"`
	BaseDist int                 `toml:"base_dist"`
}

// DefaultConfig returns the configuration embedded in default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load reads configuration from path with overlay semantics. An empty
// path means DefaultConfigPath.
//
//   - File missing: returns the default configuration (no error)
//   - File exists and valid: overlays file values onto defaults
//   - File exists but invalid: returns an error
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case ProviderSimdev, ProviderOBMM:
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider.Kind)
	}
	if c.Import.BaseDist < 0 || c.Import.BaseDist > 255 {
		return fmt.Errorf("import base_dist %d out of range [0,255]", c.Import.BaseDist)
	}
	if _, err := logging.ParseSpec(c.Logging.ToSpec()); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
