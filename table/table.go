// Package table is the user-facing view of a single BPF map. It turns
// bpfmap.Value keys and values into the byte regions the kernel
// package works on, and decodes what comes back.
//
// A Map may be used from several goroutines. Each call takes scratch
// buffers from the Map's pool for its own exclusive use and returns
// them when it is done, so steady-state calls marshal without
// allocating. The attached value layout is swapped atomically.
package table

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/codec"
	"github.com/frobware/go-bpfmap/kernel"
	"github.com/frobware/go-bpfmap/layout"
	"github.com/frobware/go-bpfmap/metrics"
	"github.com/frobware/go-bpfmap/scratch"
)

// minSteps is the floor of the traversal step limit, so that maps
// declared with a tiny capacity still tolerate some churn.
const minSteps = 64

// Option configures a Map.
type Option func(*Map)

// WithResolver sets the registry SetValueStruct consults.
func WithResolver(r layout.Resolver) Option {
	return func(m *Map) { m.resolver = r }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(m *Map) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records operations and traversals in mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Map) { m.metrics = mt }
}

// WithMaxSteps caps the number of next-key calls one traversal may
// make. Zero or negative selects the default of
// max(2*MaxEntries, 64).
func WithMaxSteps(n int) Option {
	return func(m *Map) { m.maxSteps = n }
}

// Map is a typed facade over a kernel.Handle.
type Map struct {
	handle   *kernel.Handle
	resolver layout.Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	maxSteps int
	value    atomic.Pointer[bpfmap.Layout]

	// bufs holds *scratch.Pair.
	bufs sync.Pool
}

// New returns a facade for h with no value layout attached.
func New(h *kernel.Handle, opts ...Option) *Map {
	m := &Map{
		handle: h,
		logger: slog.New(slog.DiscardHandler),
	}
	m.bufs.New = func() any { return new(scratch.Pair) }
	for _, opt := range opts {
		opt(m)
	}
	info := h.Info()
	m.logger = m.logger.With("component", "table", "map", info.Name)
	m.metrics.ObserveMap(info.Name, info.Type.String(), info.ValueSize)
	return m
}

// Info returns the map's identity.
func (m *Map) Info() bpfmap.MapInfo { return m.handle.Info() }

func (m *Map) Name() string           { return m.handle.Info().Name }
func (m *Map) FD() int                { return m.handle.Info().FD }
func (m *Map) KeySize() uint32        { return m.handle.Info().KeySize }
func (m *Map) ValueSize() uint32      { return m.handle.Info().ValueSize }
func (m *Map) Type() bpfmap.MapType   { return m.handle.Info().Type }
func (m *Map) MaxEntries() uint32     { return m.handle.Info().MaxEntries }
func (m *Map) Handle() *kernel.Handle { return m.handle }

// Owner returns the object that owns the map's kernel resources, if it
// is still open.
func (m *Map) Owner() (*kernel.Owner, bool) { return m.handle.Owner() }

// ValueStructName returns the name of the attached value layout, or
// the empty string when values are returned as raw bytes.
func (m *Map) ValueStructName() string {
	if l := m.value.Load(); l != nil {
		return l.Name
	}
	return ""
}

// HasValueStruct reports whether a value layout is attached.
func (m *Map) HasValueStruct() bool { return m.value.Load() != nil }

// ValueLayout returns a copy of the attached value layout.
func (m *Map) ValueLayout() (bpfmap.Layout, bool) {
	l := m.value.Load()
	if l == nil {
		return bpfmap.Layout{}, false
	}
	return *l, true
}

// SetValueStruct resolves name and decodes every later value through
// it. The layout must describe exactly ValueSize bytes. A failed call
// leaves any previously attached layout in place.
func (m *Map) SetValueStruct(name string) error {
	if m.resolver == nil {
		return fmt.Errorf("map %q: no layout registry for %q: %w", m.Name(), name, bpfmap.ErrUnknownLayout)
	}
	l, err := m.resolver.Resolve(name)
	if err != nil {
		return fmt.Errorf("map %q: %w", m.Name(), err)
	}
	if got, want := l.Size(), m.ValueSize(); got != want {
		return fmt.Errorf("map %q: layout %q is %d bytes, values are %d: %w",
			m.Name(), name, got, want, bpfmap.ErrLayoutSizeMismatch)
	}
	if err := l.Validate(m.ValueSize()); err != nil {
		return fmt.Errorf("map %q: %w", m.Name(), err)
	}
	m.value.Store(&l)
	m.logger.Debug("attached value layout", "layout", name, "fields", len(l.Fields))
	return nil
}

// buffers returns a buffer pair owned by the caller until it is
// handed back with release. Regions acquired from it must not outlive
// that.
func (m *Map) buffers() *scratch.Pair {
	return m.bufs.Get().(*scratch.Pair)
}

func (m *Map) release(p *scratch.Pair) {
	m.bufs.Put(p)
}

func (m *Map) encodeKey(key bpfmap.Value, buf *scratch.Buffer) ([]byte, error) {
	region := buf.Acquire(int(m.KeySize()))
	if err := codec.Encode(key, region); err != nil {
		return nil, fmt.Errorf("map %q key: %w", m.Name(), err)
	}
	return region, nil
}

func (m *Map) decodeValue(b []byte) (bpfmap.Value, error) {
	v, err := codec.Decode(b, m.value.Load())
	if err != nil {
		return nil, fmt.Errorf("map %q value: %w", m.Name(), err)
	}
	return v, nil
}

// Lookup returns the value stored under key. The boolean is false,
// with a nil error, when key is absent.
func (m *Map) Lookup(key bpfmap.Value) (bpfmap.Value, bool, error) {
	bufs := m.buffers()
	defer m.release(bufs)
	k, err := m.encodeKey(key, &bufs.Key)
	if err != nil {
		return nil, false, err
	}
	v := bufs.Value.Acquire(int(m.ValueSize()))
	found, err := m.handle.Lookup(k, v)
	m.metrics.ObserveOp(m.Name(), "lookup", found, err)
	if err != nil || !found {
		return nil, false, err
	}
	value, err := m.decodeValue(v)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Update creates or replaces the element stored under key.
func (m *Map) Update(key, value bpfmap.Value) error {
	return m.UpdateWithFlags(key, value, kernel.UpdateAny)
}

// UpdateWithFlags writes value under key with the given semantics.
// Structured values are rejected with ErrUnsupportedType.
func (m *Map) UpdateWithFlags(key, value bpfmap.Value, flags kernel.UpdateFlags) error {
	bufs := m.buffers()
	defer m.release(bufs)
	k, err := m.encodeKey(key, &bufs.Key)
	if err != nil {
		return err
	}
	v := bufs.Value.Acquire(int(m.ValueSize()))
	if err := codec.Encode(value, v); err != nil {
		return fmt.Errorf("map %q value: %w", m.Name(), err)
	}
	err = m.handle.Update(k, v, flags)
	m.metrics.ObserveOp(m.Name(), "update", true, err)
	return err
}

// Delete removes key. It returns false, with a nil error, when key was
// not present.
func (m *Map) Delete(key bpfmap.Value) (bool, error) {
	bufs := m.buffers()
	defer m.release(bufs)
	k, err := m.encodeKey(key, &bufs.Key)
	if err != nil {
		return false, err
	}
	deleted, err := m.handle.Delete(k)
	m.metrics.ObserveOp(m.Name(), "delete", deleted, err)
	return deleted, err
}

// NextKey returns the key that follows key in kernel order. A nil key
// asks for the first key. The boolean is false at the end of the map.
//
// If key has been removed the kernel restarts the walk; the returned
// key is whatever the kernel reported.
func (m *Map) NextKey(key bpfmap.Value) (bpfmap.Value, bool, error) {
	bufs := m.buffers()
	defer m.release(bufs)
	var k []byte
	if key != nil {
		var err error
		if k, err = m.encodeKey(key, &bufs.Key); err != nil {
			return nil, false, err
		}
	}
	next := bufs.Value.Acquire(int(m.KeySize()))
	ok, err := m.handle.NextKey(k, next)
	m.metrics.ObserveOp(m.Name(), "next_key", ok, err)
	if err != nil || !ok {
		return nil, false, err
	}
	return bpfmap.Bytes(slices.Clone(next)), true, nil
}
