// Package loader opens existing BPF maps and owns their kernel
// resources. Maps are reached through table.Map facades whose handles
// refer back to the Object only weakly: once the Object is closed, or
// dropped and collected, every facade reports bpfmap.ErrMapClosed.
//
// The loader never creates maps or loads programs.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-bpfmap/bpffs"
	"github.com/frobware/go-bpfmap/kernel"
	"github.com/frobware/go-bpfmap/layout"
	"github.com/frobware/go-bpfmap/metrics"
	"github.com/frobware/go-bpfmap/table"
)

type options struct {
	logger     *slog.Logger
	resolver   layout.Resolver
	metrics    *metrics.Metrics
	maxSteps   int
	checkBPFFS bool
}

// Option configures an Object.
type Option func(*options)

// WithLogger sets the logger handed to the Object and its facades.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithResolver sets the layout registry used by every facade.
func WithResolver(r layout.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithMetrics shares mt between every facade.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(o *options) { o.metrics = mt }
}

// WithMaxSteps sets the traversal step limit of every facade.
func WithMaxSteps(n int) Option {
	return func(o *options) { o.maxSteps = n }
}

// WithoutBPFFSCheck skips the filesystem type check on pin paths.
func WithoutBPFFSCheck() Option {
	return func(o *options) { o.checkBPFFS = false }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     slog.New(slog.DiscardHandler),
		checkBPFFS: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Object owns a set of open maps.
type Object struct {
	name   string
	owner  *kernel.Owner
	opts   options
	logger *slog.Logger

	mu     sync.Mutex
	order  []string
	maps   map[string]kernel.Table
	tables map[string]*table.Map
	closed bool
}

// New wraps already open maps, keyed by name. The Object takes
// ownership: Close closes every map that implements io.Closer.
func New(name string, maps map[string]kernel.Table, opts ...Option) *Object {
	o := buildOptions(opts)
	obj := &Object{
		name:   name,
		owner:  kernel.NewOwner(name),
		opts:   o,
		logger: o.logger.With("component", "loader", "object", name),
		maps:   maps,
		tables: make(map[string]*table.Map),
	}
	for n := range maps {
		obj.order = append(obj.order, n)
	}
	slices.Sort(obj.order)
	return obj
}

// OpenPinned opens the maps pinned at paths. Each map is named after
// the base name of its pin.
func OpenPinned(ctx context.Context, paths []string, opts ...Option) (*Object, error) {
	o := buildOptions(opts)
	logger := o.logger.With("component", "loader")
	maps := make(map[string]kernel.Table, len(paths))
	var opened openMaps

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, opened.closeWith(err)
		}
		if o.checkBPFFS {
			if err := bpffs.Check(path); err != nil {
				return nil, opened.closeWith(err)
			}
		}
		name := filepath.Base(path)
		if _, dup := maps[name]; dup {
			return nil, opened.closeWith(fmt.Errorf("two pins named %q", name))
		}
		m, err := ebpf.LoadPinnedMap(path, nil)
		if err != nil {
			return nil, opened.closeWith(fmt.Errorf("open pinned map %s: %w", path, err))
		}
		opened = append(opened, m)
		logger.Debug("opened pinned map", "path", path, "type", m.Type())
		maps[name] = m
	}

	name := "pinned"
	if len(paths) == 1 {
		name = paths[0]
	}
	return New(name, maps, opts...), nil
}

// OpenIDs opens maps by kernel ID. Each map is named as the kernel
// reports it, falling back to "id<N>" for unnamed maps.
func OpenIDs(ctx context.Context, ids []ebpf.MapID, opts ...Option) (*Object, error) {
	maps := make(map[string]kernel.Table, len(ids))
	var opened openMaps

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, opened.closeWith(err)
		}
		m, err := ebpf.NewMapFromID(id)
		if err != nil {
			return nil, opened.closeWith(fmt.Errorf("open map id %d: %w", id, err))
		}
		opened = append(opened, m)

		name := fmt.Sprintf("id%d", id)
		if info, err := m.Info(); err == nil && info.Name != "" {
			name = info.Name
		}
		if _, dup := maps[name]; dup {
			name = fmt.Sprintf("%s#%d", name, id)
		}
		maps[name] = m
	}
	return New("ids", maps, opts...), nil
}

// openMaps tracks maps opened so far so a failed open can release
// them.
type openMaps []*ebpf.Map

func (ms openMaps) closeWith(err error) error {
	for _, m := range ms {
		m.Close()
	}
	return err
}

// Name returns the object's name.
func (o *Object) Name() string { return o.name }

// MapNames returns the names of the object's maps, sorted.
func (o *Object) MapNames() []string {
	return slices.Clone(o.order)
}

// Resolver returns the layout registry facades consult.
func (o *Object) Resolver() layout.Resolver { return o.opts.resolver }

// Map returns the facade for the named map. Repeated calls return the
// same facade.
func (o *Object) Map(name string) (*table.Map, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, fmt.Errorf("object %q is closed", o.name)
	}
	if t, ok := o.tables[name]; ok {
		return t, nil
	}
	m, ok := o.maps[name]
	if !ok {
		return nil, fmt.Errorf("object %q has no map %q (have %v)", o.name, name, o.order)
	}
	h, err := kernel.NewHandle(o.owner, name, m)
	if err != nil {
		return nil, err
	}
	t := table.New(h,
		table.WithResolver(o.opts.resolver),
		table.WithLogger(o.opts.logger),
		table.WithMaxSteps(o.opts.maxSteps),
		table.WithMetrics(o.opts.metrics),
	)
	o.tables[name] = t
	return t, nil
}

// Close invalidates every facade, then closes the maps. It is safe to
// call more than once.
func (o *Object) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true
	o.owner.Release()

	var errs []error
	for _, name := range o.order {
		if c, ok := o.maps[name].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close map %q: %w", name, err))
			}
		}
	}
	o.logger.Debug("closed", "maps", len(o.order))
	return errors.Join(errs...)
}
