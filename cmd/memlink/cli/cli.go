package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-memlink/client"
	"github.com/frobware/go-memlink/codec"
	"github.com/frobware/go-memlink/config"
	"github.com/frobware/go-memlink/logging"
)

// CLI is the root command structure for memlink.
type CLI struct {
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'warn,manager=debug'). Components: ${log_components}." env:"MEMLINK_LOG"`
	RuntimeDir string `name:"runtime-dir" help:"Runtime directory holding the handle database and lock." default:"${default_runtime_dir}"`
	DescDir    string `name:"desc-dir" help:"Descriptor directory (default: $MEMLINK_DESC_DIR, then config, then ${default_desc_dir})."`
	Provider   string `name:"provider" help:"Capability provider: simdev or obmm (default from config)."`

	// Out receives command output. Nil means os.Stdout.
	Out io.Writer `kong:"-"`
	// In supplies descriptor text for --stdin. Nil means os.Stdin.
	In io.Reader `kong:"-"`

	Export      ExportCmd      `cmd:"" help:"Allocate and export a memory region."`
	ExportVA    ExportVACmd    `cmd:"" name:"export-va" help:"Export an existing user address range."`
	Unexport    UnexportCmd    `cmd:"" help:"Release an exported region."`
	Import      ImportCmd      `cmd:"" help:"Import a region from its descriptor."`
	Unimport    UnimportCmd    `cmd:"" help:"Release an imported region."`
	Get         GetCmd         `cmd:"" help:"Show a handle record."`
	List        ListCmd        `cmd:"" help:"List handle records."`
	Desc        DescCmd        `cmd:"" help:"Descriptor operations."`
	Query       QueryCmd       `cmd:"" help:"Translate between physical addresses and handles."`
	Preimport   PreimportCmd   `cmd:"" help:"Declare a remote physical range ahead of import."`
	Unpreimport UnpreimportCmd `cmd:"" help:"Withdraw a preimport declaration."`
	Ownership   OwnershipCmd   `cmd:"" help:"Change ownership of a memory device range."`
	Doctor      DoctorCmd      `cmd:"" help:"Check coherency of handle records and descriptor files."`
	Prune       PruneCmd       `cmd:"" help:"Delete old released handle records."`
	GC          GCCmd          `cmd:"" name:"gc" help:"Remove descriptor files left behind by released or failed handles."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	opts := []kong.Option{
		kong.Name("memlink"),
		kong.Description("Export, import and track cross-node memory handles."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
			"default_runtime_dir": config.DefaultRuntimeBase,
			"default_desc_dir":    codec.DefaultDir,
			"log_components":      strings.Join(logging.Components, ", "),
		},
	}
	return append(opts, typeMappers()...)
}

// Run parses args and executes the selected command. Command output
// goes to out; descriptor text for --stdin is read from in.
func Run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	c := CLI{In: in, Out: out}
	parser, err := kong.New(&c, KongOptions()...)
	if err != nil {
		return fmt.Errorf("create parser: %w", err)
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(&c)
}

// LoadConfig loads the config file and applies --provider.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	if c.Provider != "" {
		cfg.Provider.Kind = c.Provider
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Logger creates a logger for CLI commands. Output goes to stderr so
// stdout stays parseable.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	logger, err := logging.New(logging.Options{
		CLISpec:    c.Log,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     cfg.Logging.Format,
		Output:     os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// Client opens a client for the configured runtime directory. The
// returned client must be closed when no longer needed.
func (c *CLI) Client(ctx context.Context) (*client.Client, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.Logger(cfg)
	if err != nil {
		return nil, err
	}
	logger.With("component", "cli").Debug("opening client",
		"runtime_dir", c.RuntimeDir, "provider", cfg.Provider.Kind)

	return client.Open(ctx,
		client.WithConfig(cfg),
		client.WithRuntimeDir(c.RuntimeDir),
		client.WithDescriptorDir(c.DescDir),
		client.WithLogger(logger),
	)
}

func (c *CLI) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c *CLI) in() io.Reader {
	if c.In == nil {
		return os.Stdin
	}
	return c.In
}

// WriteOut writes b to the output. A short write without an error is
// reported as io.ErrShortWrite.
func (c *CLI) WriteOut(b []byte) error {
	n, err := c.out().Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// PrintOut writes s to the output.
func (c *CLI) PrintOut(s string) error {
	return c.WriteOut([]byte(s))
}

// PrintOutf formats according to a format specifier and writes to
// the output.
func (c *CLI) PrintOutf(format string, args ...any) error {
	return c.WriteOut(fmt.Appendf(nil, format, args...))
}
