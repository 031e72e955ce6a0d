package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-bpfmap/config"
	"github.com/frobware/go-bpfmap/layout"
	"github.com/frobware/go-bpfmap/logging"
	"github.com/frobware/go-bpfmap/metrics"
	"github.com/frobware/go-bpfmap/snapshot"
	"github.com/frobware/go-bpfmap/snapshot/sqlite"
)

// CLI is the root command structure for bpfmap.
type CLI struct {
	Config      string   `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log         string   `name:"log" help:"Log spec (e.g., 'info,table=debug'). Overrides $BPFMAP_LOG."`
	LogFormat   string   `name:"log-format" help:"Log format: text or json. Overrides the config file."`
	DB          string   `name:"db" help:"Snapshot database path. Overrides the config file."`
	BTF         []string `name:"btf" help:"ELF object or raw BTF file to resolve --struct names against (can be repeated)." type:"existingfile"`
	KernelBTF   bool     `name:"kernel-btf" help:"Also resolve --struct names against the running kernel's BTF."`
	MetricsFile string   `name:"metrics-file" help:"Write Prometheus metrics for map commands to this textfile. Overrides the config file."`

	// Out receives command output. Nil means os.Stdout.
	Out io.Writer `kong:"-"`

	Info     InfoCmd     `cmd:"" help:"Show a map's identity."`
	Lookup   LookupCmd   `cmd:"" help:"Look up the value stored under a key."`
	Update   UpdateCmd   `cmd:"" help:"Create or replace an element."`
	Delete   DeleteCmd   `cmd:"" help:"Delete an element."`
	NextKey  NextKeyCmd  `cmd:"" name:"next-key" help:"Show the key that follows KEY, or the first key."`
	Keys     KeysCmd     `cmd:"" help:"List every key."`
	Values   ValuesCmd   `cmd:"" help:"List every value."`
	Dump     DumpCmd     `cmd:"" help:"List every key and value."`
	List     ListCmd     `cmd:"" help:"List maps loaded in the kernel."`
	Pins     PinsCmd     `cmd:"" help:"List objects pinned under the BPF filesystem."`
	Snapshot SnapshotCmd `cmd:"" help:"Record, inspect and compare map contents."`
	Layouts  LayoutsCmd  `cmd:"" help:"List configured value layouts, or show one."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("bpfmap"),
		kong.Description("Inspect and edit BPF maps."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(Literal{}), literalMapper()),
		kong.Vars{
			"default_config_path": config.DefaultPath,
		},
	}
}

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	return config.Load(c.Config)
}

// Logger creates a logger for CLI commands. Output goes to stderr so
// that stdout stays machine readable.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	name := cfg.Logging.Format
	if c.LogFormat != "" {
		name = c.LogFormat
	}
	format, err := logging.ParseFormat(name)
	if err != nil {
		return nil, err
	}

	return logging.New(logging.Options{
		CLISpec:    c.Log,
		EnvSpec:    os.Getenv(logging.EnvVar),
		ConfigSpec: cfg.Logging.Level,
		Format:     format,
		Output:     os.Stderr,
	})
}

// Runtime carries what every command needs once flags are parsed.
type Runtime struct {
	Config  config.Config
	Logger  *slog.Logger
	Layouts *layout.Static
	// Resolver consults Layouts first, then any BTF sources.
	Resolver layout.Resolver
	Metrics  *metrics.Metrics

	registry    *prometheus.Registry
	metricsFile string
}

// WriteMetrics writes the collected metrics to the configured
// textfile, if any.
func (rt *Runtime) WriteMetrics() error {
	if rt.metricsFile == "" {
		return nil
	}
	return metrics.WriteTextfile(rt.metricsFile, rt.registry)
}

// NewRuntime loads the configuration, builds the logger and assembles
// the layout resolver.
func (c *CLI) NewRuntime() (*Runtime, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := c.Logger(cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	static, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("config layouts: %w", err)
	}

	chain := layout.Chain{static}
	for _, path := range c.BTF {
		src, err := layout.LoadBTF(path)
		if err != nil {
			return nil, err
		}
		chain = append(chain, src)
	}
	if c.KernelBTF {
		src, err := layout.KernelBTF()
		if err != nil {
			return nil, err
		}
		chain = append(chain, src)
	}

	rt := &Runtime{
		Config:      cfg,
		Logger:      logger,
		Layouts:     static,
		Resolver:    chain,
		Metrics:     metrics.New(),
		registry:    prometheus.NewRegistry(),
		metricsFile: cfg.Metrics.Textfile,
	}
	if c.MetricsFile != "" {
		rt.metricsFile = c.MetricsFile
	}
	if err := rt.Metrics.Register(rt.registry); err != nil {
		return nil, err
	}
	return rt, nil
}

// OpenStore opens the snapshot database named by --db or the config
// file.
func (c *CLI) OpenStore(ctx context.Context, rt *Runtime) (snapshot.Store, error) {
	path := c.DB
	if path == "" {
		var err error
		if path, err = rt.Config.SnapshotDBPath(); err != nil {
			return nil, err
		}
	}
	store, err := sqlite.New(ctx, path, rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database %s: %w", path, err)
	}
	return store, nil
}

func (c *CLI) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

// WriteOut writes p to the command output. A short write is an error.
func (c *CLI) WriteOut(p []byte) error {
	n, err := c.out().Write(p)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// PrintOut writes s to the command output.
func (c *CLI) PrintOut(s string) error {
	return c.WriteOut([]byte(s))
}

// PrintOutf formats according to format and writes the result to the
// command output.
func (c *CLI) PrintOutf(format string, args ...any) error {
	return c.PrintOut(fmt.Sprintf(format, args...))
}
