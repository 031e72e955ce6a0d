// Package snapshot records the contents of a map at a point in time
// and compares recordings. Entries are kept as raw bytes so that a
// snapshot can be decoded later with whatever layout is at hand.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/table"
)

// Entry is one raw key/value pair.
type Entry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Summary describes a snapshot without its entries.
type Summary struct {
	ID          uuid.UUID      `json:"id"`
	Map         bpfmap.MapInfo `json:"map"`
	ValueLayout string         `json:"value_layout,omitempty"`
	TakenAt     time.Time      `json:"taken_at"`
	EntryCount  int            `json:"entry_count"`
}

// Snapshot is the full contents of a map.
type Snapshot struct {
	Summary
	Entries []Entry `json:"entries"`
}

// ErrSnapshotNotFound is returned when no snapshot matches an ID or
// ID prefix.
type ErrSnapshotNotFound struct {
	ID string
}

func (e ErrSnapshotNotFound) Error() string {
	return fmt.Sprintf("snapshot %s does not exist", e.ID)
}

// ErrAmbiguousID is returned when an ID prefix matches more than one
// snapshot.
type ErrAmbiguousID struct {
	Prefix  string
	Matches int
}

func (e ErrAmbiguousID) Error() string {
	return fmt.Sprintf("snapshot id prefix %q matches %d snapshots", e.Prefix, e.Matches)
}

// Store persists snapshots.
type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, id uuid.UUID) (Snapshot, error)
	// List returns summaries, newest first. An empty mapName lists
	// every map.
	List(ctx context.Context, mapName string) ([]Summary, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// Resolve expands a unique ID prefix.
	Resolve(ctx context.Context, prefix string) (uuid.UUID, error)
	Close() error
}

// Capture walks m and records every element. The entries are sorted
// by key bytes.
func Capture(m *table.Map) (Snapshot, error) {
	var entries []Entry
	err := m.WalkRaw(func(k, v []byte) bool {
		entries = append(entries, Entry{Key: bytes.Clone(k), Value: bytes.Clone(v)})
		return true
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture %q: %w", m.Name(), err)
	}
	slices.SortFunc(entries, func(a, b Entry) int { return bytes.Compare(a.Key, b.Key) })

	return Snapshot{
		Summary: Summary{
			ID:          uuid.New(),
			Map:         m.Info(),
			ValueLayout: m.ValueStructName(),
			TakenAt:     time.Now().UTC(),
			EntryCount:  len(entries),
		},
		Entries: entries,
	}, nil
}

// Change is a key whose value differs between two snapshots.
type Change struct {
	Key []byte `json:"key"`
	Old []byte `json:"old"`
	New []byte `json:"new"`
}

// Changes is the difference between two snapshots. Each list is
// sorted by key bytes.
type Changes struct {
	Added   []Entry  `json:"added"`
	Removed []Entry  `json:"removed"`
	Changed []Change `json:"changed"`
}

// Empty reports whether the snapshots had identical contents.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff reports how to get from a to b.
func Diff(a, b Snapshot) Changes {
	before := make(map[string][]byte, len(a.Entries))
	for _, e := range a.Entries {
		before[string(e.Key)] = e.Value
	}

	var c Changes
	for _, e := range b.Entries {
		old, ok := before[string(e.Key)]
		switch {
		case !ok:
			c.Added = append(c.Added, e)
		case !bytes.Equal(old, e.Value):
			c.Changed = append(c.Changed, Change{Key: e.Key, Old: old, New: e.Value})
		}
		delete(before, string(e.Key))
	}
	for _, e := range a.Entries {
		if _, gone := before[string(e.Key)]; gone {
			c.Removed = append(c.Removed, e)
		}
	}

	byKey := func(x, y Entry) int { return bytes.Compare(x.Key, y.Key) }
	slices.SortFunc(c.Added, byKey)
	slices.SortFunc(c.Removed, byKey)
	slices.SortFunc(c.Changed, func(x, y Change) int { return bytes.Compare(x.Key, y.Key) })
	return c
}
