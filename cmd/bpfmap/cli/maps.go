package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/codec"
	"github.com/frobware/go-bpfmap/kernel"
	"github.com/frobware/go-bpfmap/loader"
	"github.com/frobware/go-bpfmap/table"
)

// openMap opens the map selected by f. The returned object must be
// closed when the command is done with the map.
func (c *CLI) openMap(ctx context.Context, rt *Runtime, f *MapFlags) (*loader.Object, *table.Map, error) {
	maxSteps := f.MaxSteps
	if maxSteps == 0 {
		maxSteps = rt.Config.Iteration.MaxSteps
	}
	opts := []loader.Option{
		loader.WithLogger(rt.Logger),
		loader.WithResolver(rt.Resolver),
		loader.WithMaxSteps(maxSteps),
		loader.WithMetrics(rt.Metrics),
	}

	var (
		obj *loader.Object
		err error
	)
	switch {
	case f.Pin != "":
		obj, err = loader.OpenPinned(ctx, []string{rt.Config.PinPath(f.Pin)}, opts...)
	case f.ID != 0:
		obj, err = loader.OpenIDs(ctx, []ebpf.MapID{ebpf.MapID(f.ID)}, opts...)
	default:
		return nil, nil, errors.New("select a map with --pin or --id")
	}
	if err != nil {
		return nil, nil, err
	}

	m, err := obj.Map(obj.MapNames()[0])
	if err == nil && f.Struct != "" {
		err = m.SetValueStruct(f.Struct)
	}
	if err != nil {
		obj.Close()
		return nil, nil, err
	}
	return obj, m, nil
}

// withMap runs fn against the map selected by f.
func (c *CLI) withMap(ctx context.Context, f *MapFlags, fn func(rt *Runtime, m *table.Map) error) error {
	rt, err := c.NewRuntime()
	if err != nil {
		return err
	}
	obj, m, err := c.openMap(ctx, rt, f)
	if err != nil {
		return err
	}
	defer func() {
		if err := obj.Close(); err != nil {
			rt.Logger.Warn("failed to close map", "error", err)
		}
	}()
	err = fn(rt, m)
	if werr := rt.WriteMetrics(); werr != nil {
		rt.Logger.Warn("failed to write metrics", "error", werr)
	}
	return err
}

// sizeHint names the literal whose width caused a size mismatch.
// Integer literals take the map's width, so only byte and text literals
// are reported.
func sizeHint(err error, m *table.Map, key Literal, value *Literal) error {
	if !errors.Is(err, bpfmap.ErrSizeMismatch) {
		return err
	}
	check := func(what string, lit Literal, want uint32) error {
		switch lit.Value.(type) {
		case bpfmap.Int, bpfmap.Uint:
			return nil
		}
		if n, ok := codec.NaturalSize(lit.Value); ok && uint32(n) != want {
			return fmt.Errorf("%s %s is %d bytes, %q expects %d: %w", what, lit.Raw, n, m.Name(), want, err)
		}
		return nil
	}
	if herr := check("key", key, m.KeySize()); herr != nil {
		return herr
	}
	if value != nil {
		if herr := check("value", *value, m.ValueSize()); herr != nil {
			return herr
		}
	}
	return err
}

type infoView struct {
	bpfmap.MapInfo
	ValueLayout string `json:"value_layout,omitempty"`
}

// InfoCmd shows a map's identity.
type InfoCmd struct {
	MapFlags
	OutputFlags
}

// Run executes the info command.
func (c *InfoCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withMap(ctx, &c.MapFlags, func(_ *Runtime, m *table.Map) error {
		view := infoView{MapInfo: m.Info(), ValueLayout: m.ValueStructName()}
		out, err := render(&c.OutputFlags, view, func() string {
			rows := [][]string{
				{"name", view.Name},
				{"type", view.Type.String()},
				{"key_size", fmt.Sprint(view.KeySize)},
				{"value_size", fmt.Sprint(view.ValueSize)},
				{"max_entries", fmt.Sprint(view.MaxEntries)},
			}
			if view.ValueLayout != "" {
				rows = append(rows, []string{"value_layout", view.ValueLayout})
			}
			return formatTable([]string{"FIELD", "VALUE"}, rows)
		})
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	})
}

// LookupCmd looks up a single key.
type LookupCmd struct {
	MapFlags
	OutputFlags
	Key Literal `arg:"" help:"Key to look up."`
}

// Run executes the lookup command.
func (c *LookupCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withMap(ctx, &c.MapFlags, func(_ *Runtime, m *table.Map) error {
		v, found, err := m.Lookup(c.Key.Value)
		if err != nil {
			return sizeHint(err, m, c.Key, nil)
		}
		if !found {
			return fmt.Errorf("key %s not found in %q", c.Key, m.Name())
		}
		out, err := formatEntries([]bpfmap.Entry{{Key: c.Key.Value, Value: v}}, &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	})
}

// UpdateCmd writes a single element.
type UpdateCmd struct {
	MapFlags
	Key     Literal `arg:"" help:"Key to write."`
	Value   Literal `arg:"" help:"Value to write."`
	NoExist bool    `name:"no-exist" xor:"mode" help:"Fail if the key is already present."`
	Exist   bool    `name:"exist" xor:"mode" help:"Fail if the key is absent."`
}

func (c *UpdateCmd) flags() kernel.UpdateFlags {
	switch {
	case c.NoExist:
		return kernel.UpdateNoExist
	case c.Exist:
		return kernel.UpdateExist
	default:
		return kernel.UpdateAny
	}
}

// Run executes the update command.
func (c *UpdateCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withMap(ctx, &c.MapFlags, func(rt *Runtime, m *table.Map) error {
		if err := m.UpdateWithFlags(c.Key.Value, c.Value.Value, c.flags()); err != nil {
			return sizeHint(err, m, c.Key, &c.Value)
		}
		rt.Logger.Info("updated element", "map", m.Name(), "key", c.Key.Raw)
		return nil
	})
}

// DeleteCmd removes a single element.
type DeleteCmd struct {
	MapFlags
	Key Literal `arg:"" help:"Key to delete."`
}

// Run executes the delete command.
func (c *DeleteCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withMap(ctx, &c.MapFlags, func(rt *Runtime, m *table.Map) error {
		deleted, err := m.Delete(c.Key.Value)
		if err != nil {
			return sizeHint(err, m, c.Key, nil)
		}
		if !deleted {
			return fmt.Errorf("key %s not found in %q", c.Key, m.Name())
		}
		rt.Logger.Info("deleted element", "map", m.Name(), "key", c.Key.Raw)
		return nil
	})
}

// NextKeyCmd shows the key after KEY in kernel order.
type NextKeyCmd struct {
	MapFlags
	OutputFlags
	Key *Literal `arg:"" optional:"" help:"Key to start after. Omit for the first key."`
}

// Run executes the next-key command.
func (c *NextKeyCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withMap(ctx, &c.MapFlags, func(_ *Runtime, m *table.Map) error {
		var key bpfmap.Value
		if c.Key != nil {
			key = c.Key.Value
		}
		next, ok, err := m.NextKey(key)
		if err != nil {
			return err
		}
		var keys []bpfmap.Value
		if ok {
			keys = append(keys, next)
		}
		out, err := formatValues(keys, "KEY", &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	})
}

// KeysCmd lists every key.
type KeysCmd struct {
	MapFlags
	OutputFlags
}

// Run executes the keys command.
func (c *KeysCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withMap(ctx, &c.MapFlags, func(_ *Runtime, m *table.Map) error {
		keys, err := m.Keys()
		if err != nil {
			return err
		}
		out, err := formatValues(keys, "KEY", &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	})
}

// ValuesCmd lists every value.
type ValuesCmd struct {
	MapFlags
	OutputFlags
}

// Run executes the values command.
func (c *ValuesCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withMap(ctx, &c.MapFlags, func(_ *Runtime, m *table.Map) error {
		values, err := m.Values()
		if err != nil {
			return err
		}
		out, err := formatValues(values, "VALUE", &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	})
}

// DumpCmd lists every key and value.
type DumpCmd struct {
	MapFlags
	OutputFlags
}

// Run executes the dump command.
func (c *DumpCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withMap(ctx, &c.MapFlags, func(_ *Runtime, m *table.Map) error {
		items, err := m.Items()
		if err != nil {
			return err
		}
		out, err := formatEntries(items, &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	})
}
