package table_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/codec"
	"github.com/frobware/go-bpfmap/internal/fakemap"
	"github.com/frobware/go-bpfmap/kernel"
	"github.com/frobware/go-bpfmap/layout"
	"github.com/frobware/go-bpfmap/logging"
	"github.com/frobware/go-bpfmap/metrics"
	"github.com/frobware/go-bpfmap/table"
)

func key32(v uint32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, v)
	return b
}

func asUint32(t *testing.T, v bpfmap.Value) uint32 {
	t.Helper()
	b, ok := v.(bpfmap.Bytes)
	require.True(t, ok, "expected Bytes, got %T", v)
	require.Len(t, b, 4)
	return binary.NativeEndian.Uint32(b)
}

type fixture struct {
	fake  *fakemap.Map
	owner *kernel.Owner
	m     *table.Map
}

func newFixture(t *testing.T, fm *fakemap.Map, opts ...table.Option) *fixture {
	t.Helper()
	owner := kernel.NewOwner("test")
	h, err := kernel.NewHandle(owner, "counts", fm)
	require.NoError(t, err)
	return &fixture{fake: fm, owner: owner, m: table.New(h, opts...)}
}

func TestExampleScenario(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 4, 16))
	m := f.m

	require.NoError(t, m.Update(bpfmap.Uint(1), bpfmap.Uint(100)))
	require.NoError(t, m.Update(bpfmap.Uint(2), bpfmap.Uint(200)))

	items, err := m.Items()
	require.NoError(t, err)
	got := make(map[uint32]uint32)
	for _, e := range items {
		got[asUint32(t, e.Key)] = asUint32(t, e.Value)
	}
	assert.Equal(t, map[uint32]uint32{1: 100, 2: 200}, got)

	deleted, err := m.Delete(bpfmap.Uint(1))
	require.NoError(t, err)
	assert.True(t, deleted)

	_, found, err := m.Lookup(bpfmap.Uint(1))
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err := m.Lookup(bpfmap.Uint(2))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(200), asUint32(t, v))
}

func TestRoundTripBytes(t *testing.T) {
	for _, size := range []uint32{1, 8, 64, 65, 256} {
		f := newFixture(t, fakemap.New(size, size, 4))

		key := make(bpfmap.Bytes, size)
		value := make(bpfmap.Bytes, size)
		for i := range key {
			key[i] = byte(i)
			value[i] = byte(255 - i)
		}

		require.NoError(t, f.m.Update(key, value))
		got, found, err := f.m.Lookup(key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, value, got, "size %d", size)
	}
}

func TestLookupNeverInserted(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 4, 16))
	v, found, err := f.m.Lookup(bpfmap.Uint(7))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, v)
}

func TestDeleteAbsent(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 4, 16))
	deleted, err := f.m.Delete(bpfmap.Uint(7))
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestNextKey_EmptyMapIsEnd(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 4, 16))
	k, ok, err := f.m.NextKey(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, k)
}

func TestNextKey_FullCoverage(t *testing.T) {
	const n = 50
	f := newFixture(t, fakemap.New(4, 4, 64))
	for i := uint32(0); i < n; i++ {
		require.NoError(t, f.m.Update(bpfmap.Uint(i), bpfmap.Uint(i)))
	}

	seen := make(map[uint32]int)
	var cur bpfmap.Value
	for {
		next, ok, err := f.m.NextKey(cur)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen[asUint32(t, next)]++
		cur = next
	}
	require.Len(t, seen, n)
	for k, count := range seen {
		assert.Equal(t, 1, count, "key %d", k)
	}
}

func TestKeysValuesItemsAgree(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 4, 32))
	for i := uint32(0); i < 20; i++ {
		require.NoError(t, f.m.Update(bpfmap.Uint(i), bpfmap.Uint(i*3)))
	}
	require.Equal(t, 20, f.fake.Len())

	keys, err := f.m.Keys()
	require.NoError(t, err)
	assert.Zero(t, f.fake.LookupCalls(), "keys must not read values")
	values, err := f.m.Values()
	require.NoError(t, err)
	items, err := f.m.Items()
	require.NoError(t, err)

	assert.Len(t, keys, 20)
	assert.Len(t, values, len(keys))
	assert.Len(t, items, len(keys))
	for i, e := range items {
		assert.Equal(t, keys[i], e.Key)
		assert.Equal(t, values[i], e.Value)
		assert.Equal(t, asUint32(t, e.Key)*3, asUint32(t, e.Value))
	}
}

func TestTraversal_EmptyMap(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 4, 32))
	keys, err := f.m.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
	items, err := f.m.Items()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestTraversal_RestartedWalkHasNoDuplicates(t *testing.T) {
	fm := fakemap.New(4, 4, 16)
	for i := uint32(1); i <= 5; i++ {
		fm.Put(key32(i), key32(i))
	}
	f := newFixture(t, fm)

	// Delete key 2 just before the kernel is asked for its successor,
	// so the walk restarts from the first key.
	calls := 0
	fm.BeforeNextKey = func(m *fakemap.Map) {
		calls++
		if calls == 3 {
			m.Remove(key32(2))
		}
	}

	keys, err := f.m.Keys()
	require.NoError(t, err)
	var got []uint32
	for _, k := range keys {
		got = append(got, asUint32(t, k))
	}
	assert.ElementsMatch(t, []uint32{1, 2, 3, 4, 5}, got)
}

func TestTraversal_VanishedKeyIsSkipped(t *testing.T) {
	fm := fakemap.New(4, 4, 16)
	for i := uint32(1); i <= 4; i++ {
		fm.Put(key32(i), key32(i*10))
	}
	f := newFixture(t, fm)

	fm.BeforeLookup = func(m *fakemap.Map, key []byte) {
		if bytes.Equal(key, key32(3)) {
			m.Remove(key)
		}
	}

	items, err := f.m.Items()
	require.NoError(t, err)
	got := make(map[uint32]uint32)
	for _, e := range items {
		got[asUint32(t, e.Key)] = asUint32(t, e.Value)
	}
	assert.Equal(t, map[uint32]uint32{1: 10, 2: 20, 4: 40}, got)
}

func TestTraversal_TerminatesUnderChurn(t *testing.T) {
	const maxEntries = 8
	fm := fakemap.New(4, 4, maxEntries)
	next := uint32(0)
	var live [][]byte
	for ; next < maxEntries; next++ {
		fm.Put(key32(next), key32(next))
		live = append(live, key32(next))
	}
	f := newFixture(t, fm)

	// Every step evicts the oldest key and inserts a fresh one, so
	// the kernel never runs out of keys to report.
	fm.BeforeNextKey = func(m *fakemap.Map) {
		m.Remove(live[0])
		live = live[1:]
		k := key32(next)
		next++
		m.Put(k, k)
		live = append(live, k)
	}

	keys, err := f.m.Keys()
	require.NoError(t, err)
	assert.NotEmpty(t, keys)
	assert.LessOrEqual(t, fm.NextKeyCalls(), 64)
}

func TestTraversal_StepLimitLogsAndReturnsPartial(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{CLISpec: "info", Output: &buf})
	require.NoError(t, err)

	fm := fakemap.New(4, 4, 16)
	for i := uint32(0); i < 10; i++ {
		fm.Put(key32(i), key32(i))
	}
	f := newFixture(t, fm, table.WithMaxSteps(3), table.WithLogger(logger))

	keys, err := f.m.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Equal(t, 3, fm.NextKeyCalls())
	assert.Contains(t, buf.String(), "step limit")
	assert.Contains(t, buf.String(), "component=table")
}

func TestWalk_StopsEarly(t *testing.T) {
	fm := fakemap.New(4, 4, 16)
	for i := uint32(0); i < 10; i++ {
		fm.Put(key32(i), key32(i))
	}
	f := newFixture(t, fm)

	visited := 0
	require.NoError(t, f.m.Walk(func(_, _ bpfmap.Value) bool {
		visited++
		return visited < 4
	}))
	assert.Equal(t, 4, visited)
}

func TestAll(t *testing.T) {
	fm := fakemap.New(4, 4, 16)
	for i := uint32(0); i < 5; i++ {
		fm.Put(key32(i), key32(i+1))
	}
	f := newFixture(t, fm)

	count := 0
	for e, err := range f.m.All() {
		require.NoError(t, err)
		assert.Equal(t, asUint32(t, e.Key)+1, asUint32(t, e.Value))
		count++
	}
	assert.Equal(t, 5, count)

	count = 0
	for range f.m.All() {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestAll_YieldsError(t *testing.T) {
	fm := fakemap.New(4, 4, 16)
	fm.Put(key32(1), key32(1))
	f := newFixture(t, fm)
	f.owner.Release()

	var errs []error
	for _, err := range f.m.All() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], bpfmap.ErrMapClosed)
}

func TestUpdate_Errors(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 4, 1))

	err := f.m.Update(bpfmap.Bytes{1, 2}, bpfmap.Uint(1))
	assert.ErrorIs(t, err, bpfmap.ErrSizeMismatch)

	err = f.m.Update(bpfmap.Uint(1), bpfmap.Fields{{Name: "a", Value: bpfmap.Uint(1)}})
	assert.ErrorIs(t, err, bpfmap.ErrUnsupportedType)

	err = f.m.Update(bpfmap.Uint(1<<40), bpfmap.Uint(1))
	assert.ErrorIs(t, err, bpfmap.ErrSizeMismatch)

	require.NoError(t, f.m.Update(bpfmap.Uint(1), bpfmap.Uint(1)))

	err = f.m.Update(bpfmap.Uint(2), bpfmap.Uint(2))
	assert.True(t, bpfmap.IsMapFull(err))

	err = f.m.UpdateWithFlags(bpfmap.Uint(1), bpfmap.Uint(9), kernel.UpdateNoExist)
	var kerr *bpfmap.KernelError
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, unix.EEXIST, kerr.Errno)

	require.NoError(t, f.m.UpdateWithFlags(bpfmap.Uint(1), bpfmap.Uint(9), kernel.UpdateExist))
	v, _, err := f.m.Lookup(bpfmap.Uint(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(9), asUint32(t, v))
}

func TestTextKeys(t *testing.T) {
	f := newFixture(t, fakemap.New(16, 8, 4))
	require.NoError(t, f.m.Update(bpfmap.Text("eth0"), bpfmap.Int(-1)))

	v, found, err := f.m.Lookup(bpfmap.Text("eth0"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bpfmap.Bytes{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, v)
}

func TestAccessors(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 8, 32))
	m := f.m

	assert.Equal(t, "counts", m.Name())
	assert.Equal(t, 42, m.FD())
	assert.Equal(t, uint32(4), m.KeySize())
	assert.Equal(t, uint32(8), m.ValueSize())
	assert.Equal(t, uint32(32), m.MaxEntries())
	assert.Equal(t, bpfmap.MapType("hash"), m.Type())
	assert.Equal(t, m.Info(), m.Handle().Info())

	owner, ok := m.Owner()
	require.True(t, ok)
	assert.Same(t, f.owner, owner)
}

func TestMapClosedAfterRelease(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 4, 16))
	require.NoError(t, f.m.Update(bpfmap.Uint(1), bpfmap.Uint(1)))
	f.owner.Release()

	_, _, err := f.m.Lookup(bpfmap.Uint(1))
	assert.ErrorIs(t, err, bpfmap.ErrMapClosed)
	assert.ErrorIs(t, f.m.Update(bpfmap.Uint(1), bpfmap.Uint(2)), bpfmap.ErrMapClosed)
	_, err = f.m.Delete(bpfmap.Uint(1))
	assert.ErrorIs(t, err, bpfmap.ErrMapClosed)
	_, _, err = f.m.NextKey(nil)
	assert.ErrorIs(t, err, bpfmap.ErrMapClosed)
	_, err = f.m.Keys()
	assert.ErrorIs(t, err, bpfmap.ErrMapClosed)
	_, ok := f.m.Owner()
	assert.False(t, ok)
}

func registry(t *testing.T, layouts ...bpfmap.Layout) *layout.Static {
	t.Helper()
	s, err := layout.NewStatic(layouts...)
	require.NoError(t, err)
	return s
}

var twelve = bpfmap.Layout{
	Name: "twelve",
	Fields: []bpfmap.LayoutField{
		{Name: "pid", Offset: 0, Size: 4, Type: bpfmap.FieldUint32},
		{Name: "count", Offset: 4, Size: 8, Type: bpfmap.FieldUint64},
	},
}

var stat = bpfmap.Layout{
	Name: "stat",
	Fields: []bpfmap.LayoutField{
		{Name: "pid", Offset: 0, Size: 4, Type: bpfmap.FieldUint32},
		{Name: "delta", Offset: 4, Size: 2, Type: bpfmap.FieldInt16},
		{Name: "comm", Offset: 6, Size: 6, Type: bpfmap.FieldText},
	},
}

func TestSetValueStruct_SizeMismatch(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 8, 16), table.WithResolver(registry(t, twelve)))

	err := f.m.SetValueStruct("twelve")
	assert.ErrorIs(t, err, bpfmap.ErrLayoutSizeMismatch)
	assert.False(t, f.m.HasValueStruct())
	assert.Empty(t, f.m.ValueStructName())
}

func TestSetValueStruct_Unknown(t *testing.T) {
	f := newFixture(t, fakemap.New(4, 12, 16))
	assert.ErrorIs(t, f.m.SetValueStruct("twelve"), bpfmap.ErrUnknownLayout)

	f = newFixture(t, fakemap.New(4, 12, 16), table.WithResolver(registry(t)))
	assert.ErrorIs(t, f.m.SetValueStruct("twelve"), bpfmap.ErrUnknownLayout)
}

func TestSetValueStruct_DecodesFields(t *testing.T) {
	fm := fakemap.New(4, 12, 16)
	f := newFixture(t, fm, table.WithResolver(registry(t, stat, twelve)))

	raw := make([]byte, 12)
	binary.NativeEndian.PutUint32(raw[0:], 4242)
	binary.NativeEndian.PutUint16(raw[4:], uint16(0xfffd))
	copy(raw[6:], "sshd")
	fm.Put(key32(1), raw)

	require.NoError(t, f.m.SetValueStruct("stat"))
	assert.True(t, f.m.HasValueStruct())
	assert.Equal(t, "stat", f.m.ValueStructName())

	v, found, err := f.m.Lookup(bpfmap.Uint(1))
	require.NoError(t, err)
	require.True(t, found)

	fields, ok := v.(bpfmap.Fields)
	require.True(t, ok)
	require.Len(t, fields, len(stat.Fields))
	assert.Equal(t, bpfmap.Fields{
		{Name: "pid", Value: bpfmap.Uint(4242)},
		{Name: "delta", Value: bpfmap.Int(-3)},
		{Name: "comm", Value: bpfmap.Text("sshd")},
	}, fields)

	// Swapping layouts replaces the previous one; a failing swap does
	// not detach it.
	require.NoError(t, f.m.SetValueStruct("twelve"))
	assert.Equal(t, "twelve", f.m.ValueStructName())
	assert.Error(t, f.m.SetValueStruct("missing"))
	assert.Equal(t, "twelve", f.m.ValueStructName())

	l, ok := f.m.ValueLayout()
	require.True(t, ok)
	assert.Equal(t, twelve.Fields, l.Fields)

	items, err := f.m.Items()
	require.NoError(t, err)
	require.Len(t, items, 1)
	fields = items[0].Value.(bpfmap.Fields)
	pid, _ := fields.Get("pid")
	assert.Equal(t, bpfmap.Uint(4242), pid)
}

func TestMetrics(t *testing.T) {
	mt := metrics.New()
	fm := fakemap.New(4, 4, 16)
	f := newFixture(t, fm, table.WithMetrics(mt))

	require.NoError(t, f.m.Update(bpfmap.Uint(1), bpfmap.Uint(10)))
	require.NoError(t, f.m.Update(bpfmap.Uint(2), bpfmap.Uint(20)))
	_, _, err := f.m.Lookup(bpfmap.Uint(3))
	require.NoError(t, err)

	// Key 2 disappears between next-key and lookup.
	fm.BeforeLookup = func(m *fakemap.Map, key []byte) {
		if bytes.Equal(key, key32(2)) {
			m.Remove(key)
		}
	}
	items, err := f.m.Items()
	require.NoError(t, err)
	assert.Len(t, items, 1)

	ops := func(op, result string) float64 {
		return testutil.ToFloat64(mt.Operations.WithLabelValues("counts", op, result))
	}
	assert.Equal(t, 2.0, ops("update", metrics.ResultOK))
	assert.Equal(t, 1.0, ops("lookup", metrics.ResultNotFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Traversals.WithLabelValues("counts", metrics.OutcomeComplete)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.TraversalEvents.WithLabelValues("counts", metrics.EventVanished)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Entries.WithLabelValues("counts")))
	assert.Equal(t, 4.0, testutil.ToFloat64(mt.ValueSize.WithLabelValues("counts", "hash")))

	f.owner.Release()
	_, err = f.m.Keys()
	require.ErrorIs(t, err, bpfmap.ErrMapClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.Traversals.WithLabelValues("counts", metrics.OutcomeError)))
}

var sink bpfmap.Value

// The facade must not allocate for its own buffers: a call costs what
// the handle call underneath costs, plus the decoded result.
func TestPrimitivesReuseScratchBuffers(t *testing.T) {
	fm := fakemap.New(4, 8, 16)
	f := newFixture(t, fm)
	require.NoError(t, f.m.Update(bpfmap.Uint(1), bpfmap.Uint(1)))
	h := f.m.Handle()

	var (
		key     bpfmap.Value = bpfmap.Uint(1)
		missing bpfmap.Value = bpfmap.Uint(9)
		value   bpfmap.Value = bpfmap.Uint(2)
		rawKey               = key32(1)
		rawGone              = key32(9)
		rawVal               = make([]byte, 8)
	)

	decode := testing.AllocsPerRun(100, func() {
		sink, _ = codec.Decode(rawVal, nil)
	})

	tests := []struct {
		name   string
		facade func()
		handle func()
		extra  float64
	}{
		{
			name:   "update",
			facade: func() { _ = f.m.Update(key, value) },
			handle: func() { _ = h.Update(rawKey, rawVal, kernel.UpdateAny) },
		},
		{
			name:   "delete absent",
			facade: func() { _, _ = f.m.Delete(missing) },
			handle: func() { _, _ = h.Delete(rawGone) },
		},
		{
			name:   "lookup",
			facade: func() { sink, _, _ = f.m.Lookup(key) },
			handle: func() { _, _ = h.Lookup(rawKey, rawVal) },
			extra:  decode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := testing.AllocsPerRun(100, tt.handle) + tt.extra
			got := testing.AllocsPerRun(100, tt.facade)
			assert.LessOrEqual(t, got, want)
		})
	}
}

func TestWalk_UndecodableValueCountsAsError(t *testing.T) {
	reg, err := layout.NewStatic(bpfmap.Layout{
		Name:   "odd",
		Fields: []bpfmap.LayoutField{{Name: "x", Offset: 0, Size: 4, Type: bpfmap.FieldType(99)}},
	})
	require.NoError(t, err)

	mt := metrics.New()
	fm := fakemap.New(4, 4, 16)
	fm.Put(key32(1), key32(1))
	f := newFixture(t, fm, table.WithResolver(reg), table.WithMetrics(mt))
	require.NoError(t, f.m.SetValueStruct("odd"))

	_, err = f.m.Items()
	require.ErrorIs(t, err, bpfmap.ErrUnsupportedType)

	traversals := func(outcome string) float64 {
		return testutil.ToFloat64(mt.Traversals.WithLabelValues("counts", outcome))
	}
	assert.Equal(t, 1.0, traversals(metrics.OutcomeError))
	assert.Zero(t, traversals(metrics.OutcomeStopped))
}
