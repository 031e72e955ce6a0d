package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/codec"
	"github.com/frobware/go-bpfmap/snapshot"
	"github.com/frobware/go-bpfmap/table"
)

// SnapshotCmd groups the snapshot subcommands.
type SnapshotCmd struct {
	Save SnapshotSaveCmd `cmd:"" help:"Record the current contents of a map."`
	List SnapshotListCmd `cmd:"" default:"withargs" help:"List recorded snapshots."`
	Show SnapshotShowCmd `cmd:"" help:"Show the entries of a snapshot."`
	Diff SnapshotDiffCmd `cmd:"" help:"Compare two snapshots."`
	Rm   SnapshotRmCmd   `cmd:"" help:"Delete a snapshot."`
}

// withStore runs fn against the snapshot database.
func (c *CLI) withStore(ctx context.Context, fn func(rt *Runtime, store snapshot.Store) error) error {
	rt, err := c.NewRuntime()
	if err != nil {
		return err
	}
	store, err := c.OpenStore(ctx, rt)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			rt.Logger.Warn("failed to close snapshot database", "error", err)
		}
	}()
	return fn(rt, store)
}

// SnapshotSaveCmd records a map.
type SnapshotSaveCmd struct {
	MapFlags
}

// Run executes the snapshot save command.
func (c *SnapshotSaveCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withMap(ctx, &c.MapFlags, func(rt *Runtime, m *table.Map) error {
		snap, err := snapshot.Capture(m)
		if err != nil {
			return err
		}
		store, err := cli.OpenStore(ctx, rt)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Save(ctx, snap); err != nil {
			return err
		}
		return cli.PrintOutf("%s\t%s\t%d entries\n", snap.ID, snap.Map.Name, snap.EntryCount)
	})
}

// SnapshotListCmd lists snapshot summaries, newest first.
type SnapshotListCmd struct {
	OutputFlags
	Map string `name:"map" help:"Only list snapshots of this map."`
}

// Run executes the snapshot list command.
func (c *SnapshotListCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withStore(ctx, func(_ *Runtime, store snapshot.Store) error {
		sums, err := store.List(ctx, c.Map)
		if err != nil {
			return err
		}
		if len(sums) == 0 {
			if c.Format() == OutputFormatTable {
				return cli.PrintOut("No snapshots found\n")
			}
			sums = []snapshot.Summary{}
		}
		out, err := render(&c.OutputFlags, sums, func() string {
			rows := make([][]string, 0, len(sums))
			for _, s := range sums {
				rows = append(rows, []string{
					s.ID.String(),
					s.Map.Name,
					s.TakenAt.Local().Format(time.RFC3339),
					fmt.Sprint(s.EntryCount),
					s.ValueLayout,
				})
			}
			return formatTable([]string{"ID", "MAP", "TAKEN", "ENTRIES", "LAYOUT"}, rows)
		})
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	})
}

// load resolves an ID prefix and fetches the snapshot.
func load(ctx context.Context, store snapshot.Store, prefix string) (snapshot.Snapshot, error) {
	id, err := store.Resolve(ctx, prefix)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return store.Get(ctx, id)
}

// decodeEntries turns raw snapshot entries into values. With no layout
// name values stay raw bytes; otherwise an unknown layout, or one whose
// size differs from the snapshot's values, is an error.
func decodeEntries(rt *Runtime, snap snapshot.Snapshot, layoutName string) ([]bpfmap.Entry, error) {
	var l *bpfmap.Layout
	if layoutName != "" {
		resolved, err := rt.Resolver.Resolve(layoutName)
		if err != nil {
			return nil, err
		}
		if resolved.Size() != snap.Map.ValueSize {
			return nil, fmt.Errorf("layout %q is %d bytes, snapshot values are %d: %w",
				layoutName, resolved.Size(), snap.Map.ValueSize, bpfmap.ErrLayoutSizeMismatch)
		}
		l = &resolved
	}

	entries := make([]bpfmap.Entry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		v, err := codec.Decode(e.Value, l)
		if err != nil {
			return nil, err
		}
		entries = append(entries, bpfmap.Entry{Key: bpfmap.Bytes(e.Key), Value: v})
	}
	return entries, nil
}

// SnapshotShowCmd prints a snapshot's entries.
type SnapshotShowCmd struct {
	OutputFlags
	ID     string `arg:"" help:"Snapshot ID or unique prefix."`
	Struct string `name:"struct" short:"s" help:"Decode values through this layout instead of the one recorded."`
	Raw    bool   `name:"raw" help:"Show values as raw bytes."`
}

// Run executes the snapshot show command.
func (c *SnapshotShowCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withStore(ctx, func(rt *Runtime, store snapshot.Store) error {
		snap, err := load(ctx, store, c.ID)
		if err != nil {
			return err
		}
		layoutName := snap.ValueLayout
		switch {
		case c.Raw:
			layoutName = ""
		case c.Struct != "":
			layoutName = c.Struct
		}
		entries, err := decodeEntries(rt, snap, layoutName)
		if err != nil {
			return err
		}
		out, err := formatEntries(entries, &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	})
}

type changeView struct {
	Key string `json:"key"`
	Old string `json:"old,omitempty"`
	New string `json:"new,omitempty"`
}

type changesView struct {
	Added   []changeView `json:"added"`
	Removed []changeView `json:"removed"`
	Changed []changeView `json:"changed"`
}

func hexString(b []byte) string { return bpfmap.Bytes(b).String() }

func newChangesView(c snapshot.Changes) changesView {
	v := changesView{
		Added:   make([]changeView, 0, len(c.Added)),
		Removed: make([]changeView, 0, len(c.Removed)),
		Changed: make([]changeView, 0, len(c.Changed)),
	}
	for _, e := range c.Added {
		v.Added = append(v.Added, changeView{Key: hexString(e.Key), New: hexString(e.Value)})
	}
	for _, e := range c.Removed {
		v.Removed = append(v.Removed, changeView{Key: hexString(e.Key), Old: hexString(e.Value)})
	}
	for _, ch := range c.Changed {
		v.Changed = append(v.Changed, changeView{Key: hexString(ch.Key), Old: hexString(ch.Old), New: hexString(ch.New)})
	}
	return v
}

func formatChanges(c snapshot.Changes, flags *OutputFlags) (string, error) {
	view := newChangesView(c)
	return render(flags, view, func() string {
		if c.Empty() {
			return "No differences\n"
		}
		var rows [][]string
		for _, e := range view.Added {
			rows = append(rows, []string{"+", e.Key, "", e.New})
		}
		for _, e := range view.Removed {
			rows = append(rows, []string{"-", e.Key, e.Old, ""})
		}
		for _, e := range view.Changed {
			rows = append(rows, []string{"~", e.Key, e.Old, e.New})
		}
		return formatTable([]string{"", "KEY", "OLD", "NEW"}, rows)
	})
}

// SnapshotDiffCmd compares two snapshots.
type SnapshotDiffCmd struct {
	OutputFlags
	From string `arg:"" help:"Older snapshot ID or prefix."`
	To   string `arg:"" help:"Newer snapshot ID or prefix."`
}

// Run executes the snapshot diff command.
func (c *SnapshotDiffCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withStore(ctx, func(rt *Runtime, store snapshot.Store) error {
		from, err := load(ctx, store, c.From)
		if err != nil {
			return err
		}
		to, err := load(ctx, store, c.To)
		if err != nil {
			return err
		}
		if from.Map.Name != to.Map.Name {
			rt.Logger.Warn("comparing snapshots of different maps", "from", from.Map.Name, "to", to.Map.Name)
		}
		out, err := formatChanges(snapshot.Diff(from, to), &c.OutputFlags)
		if err != nil {
			return err
		}
		return cli.PrintOut(out)
	})
}

// SnapshotRmCmd deletes snapshots.
type SnapshotRmCmd struct {
	IDs []string `arg:"" name:"id" help:"Snapshot IDs or unique prefixes."`
}

// Run executes the snapshot rm command.
func (c *SnapshotRmCmd) Run(cli *CLI, ctx context.Context) error {
	return cli.withStore(ctx, func(rt *Runtime, store snapshot.Store) error {
		for _, prefix := range c.IDs {
			id, err := store.Resolve(ctx, prefix)
			if err != nil {
				return err
			}
			if err := store.Delete(ctx, id); err != nil {
				return err
			}
			rt.Logger.Info("deleted snapshot", "id", id)
		}
		return nil
	})
}
