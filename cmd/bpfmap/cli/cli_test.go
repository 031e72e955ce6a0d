package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/cmd/bpfmap/cli"
)

const layoutsConfig = `
[logging]
level = "error"

[[layouts]]
name = "stat"

[[layouts.fields]]
name = "pid"
offset = 0
type = "u32"

[[layouts.fields]]
name = "comm"
offset = 4
size = 12
type = "text"
`

func parse(t *testing.T, c *cli.CLI, args ...string) *kong.Context {
	t.Helper()
	parser, err := kong.New(c, cli.KongOptions()...)
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return kctx
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bpfmap.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParse_Literals(t *testing.T) {
	var c cli.CLI
	kctx := parse(t, &c, "update", "--pin", "counts", "0x10", "str:hello", "--no-exist")
	assert.Equal(t, "update <key> <value>", kctx.Command())
	assert.Equal(t, "counts", c.Update.Pin)
	assert.Equal(t, bpfmap.Uint(16), c.Update.Key.Value)
	assert.Equal(t, bpfmap.Text("hello"), c.Update.Value.Value)
	assert.True(t, c.Update.NoExist)
}

func TestParse_OptionalKey(t *testing.T) {
	var c cli.CLI
	parse(t, &c, "next-key", "--id", "7")
	assert.Nil(t, c.NextKey.Key)
	assert.Equal(t, uint32(7), c.NextKey.ID)

	c = cli.CLI{}
	parse(t, &c, "next-key", "--id", "7", "u32:1")
	require.NotNil(t, c.NextKey.Key)
	assert.Equal(t, "u32:1", c.NextKey.Key.Raw)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad literal", []string{"lookup", "--pin", "m", "nope"}},
		{"pin and id", []string{"keys", "--pin", "m", "--id", "3"}},
		{"exist and no-exist", []string{"update", "--pin", "m", "1", "2", "--exist", "--no-exist"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c cli.CLI
			parser, err := kong.New(&c, cli.KongOptions()...)
			require.NoError(t, err)
			_, err = parser.Parse(tt.args)
			assert.Error(t, err)
		})
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c := cli.CLI{Out: &out}
	kctx := parse(t, &c, args...)
	kctx.BindTo(context.Background(), (*context.Context)(nil))
	err := kctx.Run(&c)
	return out.String(), err
}

func TestLayoutsCmd(t *testing.T) {
	t.Setenv("BPFMAP_LOG", "")
	cfg := writeConfig(t, layoutsConfig)

	out, err := run(t, "--config", cfg, "layouts")
	require.NoError(t, err)
	assert.Equal(t, "NAME\nstat\n", out)

	out, err = run(t, "--config", cfg, "layouts", "stat", "-o", "json")
	require.NoError(t, err)
	var view struct {
		Name   string
		Size   uint32
		Fields []struct {
			Name   string
			Offset uint32
			Size   uint32
			Type   string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "stat", view.Name)
	assert.Equal(t, uint32(16), view.Size)
	require.Len(t, view.Fields, 2)
	assert.Equal(t, "u32", view.Fields[0].Type)
	assert.Equal(t, uint32(4), view.Fields[0].Size)
	assert.Equal(t, "text", view.Fields[1].Type)

	_, err = run(t, "--config", cfg, "layouts", "missing")
	assert.ErrorIs(t, err, bpfmap.ErrUnknownLayout)
}

func TestMapCommandNeedsSelection(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := run(t, "--config", cfg, "keys")
	assert.ErrorContains(t, err, "--pin or --id")
}

func TestSnapshotCommands_EmptyDatabase(t *testing.T) {
	cfg := writeConfig(t, "")
	db := filepath.Join(t.TempDir(), "snapshots.db")

	out, err := run(t, "--config", cfg, "--db", db, "snapshot", "list")
	require.NoError(t, err)
	assert.Equal(t, "No snapshots found\n", out)

	out, err = run(t, "--config", cfg, "--db", db, "snapshot", "list", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	_, err = run(t, "--config", cfg, "--db", db, "snapshot", "show", "abcd")
	assert.ErrorContains(t, err, "does not exist")
}
