// Package fakemap is an in-memory stand-in for a kernel hash map. It
// implements kernel.Table so the layers above the kernel can be tested
// without privileges.
package fakemap

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// Map mimics BPF_MAP_TYPE_HASH: fixed key and value sizes, a capacity,
// and get-next-key that restarts from the first key when handed a key
// that is no longer present.
type Map struct {
	mu         sync.Mutex
	typ        ebpf.MapType
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	order      []string
	elems      map[string][]byte

	// BeforeNextKey, when set, runs at the start of every NextKey
	// call with the map unlocked. Tests use it to mutate the map
	// mid-traversal.
	BeforeNextKey func(m *Map)

	// BeforeLookup, when set, runs at the start of every Lookup call
	// with the map unlocked.
	BeforeLookup func(m *Map, key []byte)

	// FailUpdate, when set, is returned by every Update call.
	FailUpdate error

	nextKeyCalls int
	lookupCalls  int
	closed       bool
}

// New returns an empty hash map.
func New(keySize, valueSize, maxEntries uint32) *Map {
	return &Map{
		typ:        ebpf.Hash,
		keySize:    keySize,
		valueSize:  valueSize,
		maxEntries: maxEntries,
		elems:      make(map[string][]byte),
	}
}

// WithType overrides the reported map type.
func (m *Map) WithType(t ebpf.MapType) *Map {
	m.typ = t
	return m
}

func (m *Map) Type() ebpf.MapType { return m.typ }
func (m *Map) KeySize() uint32    { return m.keySize }
func (m *Map) ValueSize() uint32  { return m.valueSize }
func (m *Map) MaxEntries() uint32 { return m.maxEntries }
func (m *Map) FD() int            { return 42 }

// Len returns the number of elements.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// NextKeyCalls returns how many times NextKey ran.
func (m *Map) NextKeyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextKeyCalls
}

// LookupCalls returns how many times Lookup reached the element store.
func (m *Map) LookupCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupCalls
}

func asBytes(v any, want uint32) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("fakemap: %T is not []byte: %w", v, unix.EINVAL)
	}
	if uint32(len(b)) != want {
		return nil, fmt.Errorf("fakemap: %d bytes, want %d: %w", len(b), want, unix.EINVAL)
	}
	return b, nil
}

// Lookup implements kernel.Table.
func (m *Map) Lookup(key, valueOut any) error {
	k, err := asBytes(key, m.keySize)
	if err != nil {
		return err
	}
	if m.BeforeLookup != nil {
		m.BeforeLookup(m, k)
	}
	out, err := asBytes(valueOut, m.valueSize)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupCalls++
	v, ok := m.elems[string(k)]
	if !ok {
		return fmt.Errorf("lookup: %w", ebpf.ErrKeyNotExist)
	}
	copy(out, v)
	return nil
}

// Update implements kernel.Table.
func (m *Map) Update(key, value any, flags ebpf.MapUpdateFlags) error {
	if m.FailUpdate != nil {
		return m.FailUpdate
	}
	k, err := asBytes(key, m.keySize)
	if err != nil {
		return err
	}
	v, err := asBytes(value, m.valueSize)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.elems[string(k)]
	switch {
	case flags == ebpf.UpdateNoExist && exists:
		return fmt.Errorf("update: %w", unix.EEXIST)
	case flags == ebpf.UpdateExist && !exists:
		return fmt.Errorf("update: %w", ebpf.ErrKeyNotExist)
	case !exists && uint32(len(m.order)) >= m.maxEntries:
		return fmt.Errorf("update: %w", unix.E2BIG)
	}
	if !exists {
		m.order = append(m.order, string(k))
	}
	m.elems[string(k)] = slices.Clone(v)
	return nil
}

// Delete implements kernel.Table.
func (m *Map) Delete(key any) error {
	k, err := asBytes(key, m.keySize)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(string(k))
}

func (m *Map) deleteLocked(k string) error {
	if _, ok := m.elems[k]; !ok {
		return fmt.Errorf("delete: %w", ebpf.ErrKeyNotExist)
	}
	delete(m.elems, k)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == k })
	return nil
}

// NextKey implements kernel.Table.
func (m *Map) NextKey(key, nextKeyOut any) error {
	if m.BeforeNextKey != nil {
		m.BeforeNextKey(m)
	}
	out, err := asBytes(nextKeyOut, m.keySize)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKeyCalls++

	next := 0
	if key != nil {
		k, err := asBytes(key, m.keySize)
		if err != nil {
			return err
		}
		if i := slices.Index(m.order, string(k)); i >= 0 {
			next = i + 1
		}
	}
	if next >= len(m.order) {
		return fmt.Errorf("next key: %w", ebpf.ErrKeyNotExist)
	}
	copy(out, m.order[next])
	return nil
}

// Close records that the map was closed.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *Map) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Put stores value under key directly, bypassing size checks and
// capacity. It is for test setup.
func (m *Map) Put(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.elems[string(key)]; !ok {
		m.order = append(m.order, string(key))
	}
	m.elems[string(key)] = slices.Clone(value)
}

// Remove deletes key directly. It is for test hooks.
func (m *Map) Remove(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.deleteLocked(string(key))
}
