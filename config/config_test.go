package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bpfmap.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Zero(t, cfg.Iteration.MaxSteps)
	assert.Empty(t, cfg.Snapshot.DBPath)
	assert.Equal(t, "/sys/fs/bpf", cfg.BPFFS.Root)
	assert.Empty(t, cfg.Metrics.Textfile)
	assert.Empty(t, cfg.Layouts)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_Overlay(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "info,table=debug"

[iteration]
max_steps = 500

[metrics]
textfile = "/var/lib/node_exporter/bpfmap.prom"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info,table=debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format, "unset keys keep defaults")
	assert.Equal(t, 500, cfg.Iteration.MaxSteps)
	assert.Equal(t, "/var/lib/node_exporter/bpfmap.prom", cfg.Metrics.Textfile)
	assert.Equal(t, "/sys/fs/bpf", cfg.BPFFS.Root)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "[logging\nlevel = 1"},
		{"unknown key", "[iteration]\nmax_step = 3\n"},
		{"negative steps", "[iteration]\nmax_steps = -1\n"},
		{"bad field type", "[[layouts]]\nname = \"x\"\n[[layouts.fields]]\nname = \"a\"\ntype = \"float\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLayouts(t *testing.T) {
	path := writeConfig(t, `
[[layouts]]
name = "conn_stats"
size = 16

[[layouts.fields]]
name = "packets"
offset = 0
type = "u64"

[[layouts.fields]]
name = "comm"
offset = 8
size = 8
type = "char"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, []string{"conn_stats"}, reg.Names())

	l, err := reg.Resolve("conn_stats")
	require.NoError(t, err)
	assert.Equal(t, uint32(16), l.Size())
	assert.Equal(t, []bpfmap.LayoutField{
		{Name: "packets", Offset: 0, Size: 8, Type: bpfmap.FieldUint64},
		{Name: "comm", Offset: 8, Size: 8, Type: bpfmap.FieldText},
	}, l.Fields)
}

func TestLayoutConfig_Errors(t *testing.T) {
	_, err := config.LayoutConfig{Fields: []config.FieldConfig{{Name: "a", Type: "u8"}}}.Layout()
	assert.Error(t, err, "missing name")

	_, err = config.LayoutConfig{Name: "x", Fields: []config.FieldConfig{{Name: "a", Type: "bytes"}}}.Layout()
	assert.ErrorContains(t, err, "needs a size")

	_, err = config.LayoutConfig{
		Name:   "x",
		Size:   4,
		Fields: []config.FieldConfig{{Name: "a", Offset: 2, Type: "u32"}},
	}.Layout()
	assert.ErrorIs(t, err, bpfmap.ErrLayoutOutOfBounds)
}

func TestSnapshotDBPath(t *testing.T) {
	cfg := config.Default()

	t.Setenv("XDG_STATE_HOME", "/tmp/state")
	p, err := cfg.SnapshotDBPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/state/bpfmap/snapshots.db", p)

	cfg.Snapshot.DBPath = "/var/lib/bpfmap.db"
	p, err = cfg.SnapshotDBPath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/bpfmap.db", p)
}

func TestPinPath(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "/sys/fs/bpf/tc/globals/counts", cfg.PinPath("tc/globals/counts"))
	assert.Equal(t, "/run/pins/counts", cfg.PinPath("/run/pins/counts"))

	cfg.BPFFS.Root = ""
	assert.Equal(t, "counts", cfg.PinPath("counts"))
}
