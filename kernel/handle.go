// Package kernel performs the four BPF map primitives (lookup,
// update, delete and get-next-key) on exact-size byte regions.
//
// A Handle never owns the map's file descriptor. It holds a weak
// reference to the Owner of the kernel resources; once the owner has
// been released or garbage collected every primitive fails with
// bpfmap.ErrMapClosed instead of touching a descriptor that may have
// been closed or reused.
//
// Each primitive holds the owner's read lock for the duration of the
// kernel call, and Release takes the write lock. Once Release returns
// no primitive is in flight, so the owner may close the descriptors.
package kernel

import (
	"errors"
	"fmt"
	"sync"
	"weak"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-bpfmap"
)

// Table is the subset of *ebpf.Map the handle needs. Tests substitute
// an in-memory implementation.
type Table interface {
	Lookup(key, valueOut any) error
	Update(key, value any, flags ebpf.MapUpdateFlags) error
	Delete(key any) error
	NextKey(key, nextKeyOut any) error
	Type() ebpf.MapType
	KeySize() uint32
	ValueSize() uint32
	MaxEntries() uint32
	FD() int
}

var _ Table = (*ebpf.Map)(nil)

// UpdateFlags selects insert, replace or upsert semantics for Update.
type UpdateFlags = ebpf.MapUpdateFlags

const (
	// UpdateAny creates a new element or replaces an existing one.
	UpdateAny = ebpf.UpdateAny
	// UpdateNoExist only creates new elements.
	UpdateNoExist = ebpf.UpdateNoExist
	// UpdateExist only replaces existing elements.
	UpdateExist = ebpf.UpdateExist
)

// Owner stands for whatever owns the kernel resources behind a set of
// handles. The owner keeps the only strong reference to it.
type Owner struct {
	name string

	mu       sync.RWMutex
	released bool
}

// NewOwner returns a live owner. name is used in error messages.
func NewOwner(name string) *Owner {
	return &Owner{name: name}
}

// Name returns the owner's name.
func (o *Owner) Name() string { return o.name }

// Release marks the owner's resources as gone. It waits for
// primitives already in progress. It is safe to call more than once.
func (o *Owner) Release() {
	o.mu.Lock()
	o.released = true
	o.mu.Unlock()
}

// Released reports whether Release has been called.
func (o *Owner) Released() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.released
}

// pin holds off Release until unpin is called. It reports false, and
// holds nothing, once the owner is released.
func (o *Owner) pin() bool {
	o.mu.RLock()
	if o.released {
		o.mu.RUnlock()
		return false
	}
	return true
}

func (o *Owner) unpin() { o.mu.RUnlock() }

// Handle is the identity of one open map plus its primitives.
type Handle struct {
	owner weak.Pointer[Owner]
	table Table
	info  bpfmap.MapInfo
}

// NewHandle wraps t, which must stay open for as long as owner is
// live. Per-CPU map types are rejected: their values are wider than
// the declared value size.
func NewHandle(owner *Owner, name string, t Table) (*Handle, error) {
	if owner == nil {
		return nil, errors.New("nil owner")
	}
	info := bpfmap.MapInfo{
		Name:       name,
		FD:         t.FD(),
		Type:       bpfmap.NewMapType(t.Type().String()),
		KeySize:    t.KeySize(),
		ValueSize:  t.ValueSize(),
		MaxEntries: t.MaxEntries(),
	}
	if info.Type.PerCPU() {
		return nil, fmt.Errorf("map %q: per-CPU map type %s: %w", name, info.Type, bpfmap.ErrUnsupportedType)
	}
	return &Handle{
		owner: weak.Make(owner),
		table: t,
		info:  info,
	}, nil
}

// Info returns the map's identity.
func (h *Handle) Info() bpfmap.MapInfo { return h.info }

// Owner returns the owner if it is still live.
func (h *Handle) Owner() (*Owner, bool) {
	o := h.owner.Value()
	if o == nil || o.Released() {
		return nil, false
	}
	return o, true
}

// enter pins the owner for one primitive. The caller must call
// unpin on the returned owner when the kernel call is done.
func (h *Handle) enter() (*Owner, error) {
	o := h.owner.Value()
	if o == nil || !o.pin() {
		return nil, fmt.Errorf("map %q: %w", h.info.Name, bpfmap.ErrMapClosed)
	}
	return o, nil
}

func (h *Handle) checkSize(what string, b []byte, want uint32) error {
	if uint32(len(b)) != want {
		return fmt.Errorf("map %q: %s is %d bytes, want %d: %w", h.info.Name, what, len(b), want, bpfmap.ErrSizeMismatch)
	}
	return nil
}

// Lookup copies the value stored under key into valueOut. It returns
// false, with a nil error, when key is absent.
func (h *Handle) Lookup(key, valueOut []byte) (bool, error) {
	o, err := h.enter()
	if err != nil {
		return false, err
	}
	defer o.unpin()
	if err := h.checkSize("key", key, h.info.KeySize); err != nil {
		return false, err
	}
	if err := h.checkSize("value", valueOut, h.info.ValueSize); err != nil {
		return false, err
	}
	if err := h.table.Lookup(key, valueOut); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return false, nil
		}
		return false, h.kernelError("lookup", err)
	}
	return true, nil
}

// Update stores value under key in a single kernel call.
func (h *Handle) Update(key, value []byte, flags UpdateFlags) error {
	o, err := h.enter()
	if err != nil {
		return err
	}
	defer o.unpin()
	if err := h.checkSize("key", key, h.info.KeySize); err != nil {
		return err
	}
	if err := h.checkSize("value", value, h.info.ValueSize); err != nil {
		return err
	}
	if err := h.table.Update(key, value, flags); err != nil {
		return h.kernelError("update", err)
	}
	return nil
}

// Delete removes key. It returns false, with a nil error, when key was
// already absent.
func (h *Handle) Delete(key []byte) (bool, error) {
	o, err := h.enter()
	if err != nil {
		return false, err
	}
	defer o.unpin()
	if err := h.checkSize("key", key, h.info.KeySize); err != nil {
		return false, err
	}
	if err := h.table.Delete(key); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return false, nil
		}
		return false, h.kernelError("delete", err)
	}
	return true, nil
}

// NextKey writes the key that follows key in kernel iteration order
// into nextOut. A nil key asks for the first key. It returns false,
// with a nil error, when there are no more keys.
//
// If key is no longer in the map the kernel decides where to resume;
// for hash maps that is the first key. The result is passed through
// unchanged.
func (h *Handle) NextKey(key, nextOut []byte) (bool, error) {
	o, err := h.enter()
	if err != nil {
		return false, err
	}
	defer o.unpin()
	if err := h.checkSize("next key", nextOut, h.info.KeySize); err != nil {
		return false, err
	}

	var cur any
	if key != nil {
		if err := h.checkSize("key", key, h.info.KeySize); err != nil {
			return false, err
		}
		cur = key
	}

	if err := h.table.NextKey(cur, nextOut); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return false, nil
		}
		return false, h.kernelError("next-key", err)
	}
	return true, nil
}
