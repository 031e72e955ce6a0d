// Package config loads bpfmap's TOML configuration.
//
// Values are layered: the embedded default.toml first, then the config
// file if one exists. Keys absent from the file keep their defaults.
// Command-line flags and the environment are applied afterwards by the
// CLI. A config file that exists but does not parse is an error.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/layout"
)

//go:embed default.toml
var defaultTOML string

// DefaultPath is where Load looks when given no path.
const DefaultPath = "/etc/bpfmap/bpfmap.toml"

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Iteration IterationConfig `toml:"iteration"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	BPFFS     BPFFSConfig     `toml:"bpffs"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Layouts   []LayoutConfig  `toml:"layouts"`
}

// LoggingConfig holds the lowest-precedence log settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// IterationConfig bounds full-map traversals.
type IterationConfig struct {
	MaxSteps int `toml:"max_steps"`
}

// SnapshotConfig locates the snapshot database.
type SnapshotConfig struct {
	DBPath string `toml:"db_path"`
}

// BPFFSConfig names the BPF filesystem root.
type BPFFSConfig struct {
	Root string `toml:"root"`
}

// MetricsConfig controls the Prometheus textfile written after map
// commands. An empty Textfile disables it.
type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

// LayoutConfig declares a value layout by hand, for maps whose object
// carries no BTF.
type LayoutConfig struct {
	Name   string        `toml:"name"`
	Size   uint32        `toml:"size"`
	Fields []FieldConfig `toml:"fields"`
}

// FieldConfig is one field of a LayoutConfig. Size may be omitted for
// integer types.
type FieldConfig struct {
	Name   string `toml:"name"`
	Offset uint32 `toml:"offset"`
	Size   uint32 `toml:"size"`
	Type   string `toml:"type"`
}

// Default returns the embedded defaults.
func Default() Config {
	var cfg Config
	if _, err := toml.Decode(defaultTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load overlays the file at path onto the defaults. A missing file is
// not an error. An empty path means DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the decoder cannot.
func (c *Config) Validate() error {
	if c.Iteration.MaxSteps < 0 {
		return fmt.Errorf("iteration.max_steps must not be negative, got %d", c.Iteration.MaxSteps)
	}
	_, err := c.BuildLayouts()
	return err
}

// BuildLayouts converts the declared layouts.
func (c *Config) BuildLayouts() ([]bpfmap.Layout, error) {
	layouts := make([]bpfmap.Layout, 0, len(c.Layouts))
	for _, lc := range c.Layouts {
		l, err := lc.Layout()
		if err != nil {
			return nil, err
		}
		layouts = append(layouts, l)
	}
	return layouts, nil
}

// Registry returns a layout registry holding the declared layouts.
func (c *Config) Registry() (*layout.Static, error) {
	layouts, err := c.BuildLayouts()
	if err != nil {
		return nil, err
	}
	return layout.NewStatic(layouts...)
}

// Layout converts lc, filling in integer field sizes.
func (lc LayoutConfig) Layout() (bpfmap.Layout, error) {
	if lc.Name == "" {
		return bpfmap.Layout{}, errors.New("layout without a name")
	}
	l := bpfmap.Layout{Name: lc.Name, TotalSize: lc.Size}
	for _, fc := range lc.Fields {
		ft, err := bpfmap.ParseFieldType(fc.Type)
		if err != nil {
			return bpfmap.Layout{}, fmt.Errorf("layout %q field %q: %w", lc.Name, fc.Name, err)
		}
		size := fc.Size
		if size == 0 {
			size = ft.IntegerWidth()
		}
		if size == 0 {
			return bpfmap.Layout{}, fmt.Errorf("layout %q field %q: %s needs a size", lc.Name, fc.Name, ft)
		}
		l.Fields = append(l.Fields, bpfmap.LayoutField{
			Name:   fc.Name,
			Offset: fc.Offset,
			Size:   size,
			Type:   ft,
		})
	}
	if err := l.Validate(l.Size()); err != nil {
		return bpfmap.Layout{}, err
	}
	return l, nil
}

// SnapshotDBPath returns the configured database path, or the default
// under $XDG_STATE_HOME (~/.local/state when unset).
func (c *Config) SnapshotDBPath() (string, error) {
	if c.Snapshot.DBPath != "" {
		return c.Snapshot.DBPath, nil
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate snapshot database: %w", err)
		}
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "bpfmap", "snapshots.db"), nil
}

// PinPath resolves a pin path. Relative paths are taken to be relative
// to the BPF filesystem root.
func (c *Config) PinPath(p string) string {
	if filepath.IsAbs(p) || c.BPFFS.Root == "" {
		return p
	}
	return filepath.Join(c.BPFFS.Root, p)
}
