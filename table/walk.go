package table

import (
	"context"
	"iter"

	"github.com/frobware/go-bpfmap"
	"github.com/frobware/go-bpfmap/codec"
	"github.com/frobware/go-bpfmap/logging"
	"github.com/frobware/go-bpfmap/metrics"
)

// stepLimit bounds the number of next-key calls in one traversal.
func (m *Map) stepLimit() int {
	if m.maxSteps > 0 {
		return m.maxSteps
	}
	return max(2*int(m.MaxEntries()), minSteps)
}

// walk visits every key from the first until the kernel reports the
// end. Keys the kernel hands out a second time, which happens when it
// restarts after the current key was deleted, are skipped. With
// withValues set each key is looked up and keys that vanished in
// between are skipped too. fn returning false stops the walk; an
// error from fn ends it and is returned.
//
// Reaching the step limit is not an error: the walk ends and whatever
// was visited stands.
func (m *Map) walk(withValues bool, fn func(k, v []byte) (bool, error)) (err error) {
	keys, values := m.buffers(), m.buffers()
	defer m.release(keys)
	defer m.release(values)

	var (
		curBuf, nextBuf = &keys.Key, &keys.Value
		valueBuf        = &values.Value
		cur             []byte
		keySize         = int(m.KeySize())
		limit           = m.stepLimit()
		seen            = make(map[string]struct{})
		steps, visited  int
		outcome         = metrics.OutcomeComplete
	)
	defer func() {
		if err != nil {
			outcome = metrics.OutcomeError
		}
		m.metrics.ObserveTraversal(m.Name(), outcome, steps, visited)
	}()

	for {
		if steps >= limit {
			m.logger.Warn("traversal step limit reached, result may be incomplete",
				"steps", limit, "visited", visited)
			outcome = metrics.OutcomeTruncated
			return nil
		}
		steps++

		next := nextBuf.Acquire(keySize)
		ok, err := m.handle.NextKey(cur, next)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		cur = next
		curBuf, nextBuf = nextBuf, curBuf

		if _, dup := seen[string(cur)]; dup {
			m.logger.Log(context.Background(), logging.LevelTrace.ToSlog(), "skipping revisited key", "key", bpfmap.Bytes(cur))
			m.metrics.ObserveEvent(m.Name(), metrics.EventRevisit)
			continue
		}
		seen[string(cur)] = struct{}{}

		var value []byte
		if withValues {
			value = valueBuf.Acquire(int(m.ValueSize()))
			found, err := m.handle.Lookup(cur, value)
			if err != nil {
				return err
			}
			if !found {
				m.logger.Debug("key vanished during traversal", "key", bpfmap.Bytes(cur))
				m.metrics.ObserveEvent(m.Name(), metrics.EventVanished)
				continue
			}
		}
		visited++
		more, err := fn(cur, value)
		if err != nil {
			return err
		}
		if !more {
			outcome = metrics.OutcomeStopped
			return nil
		}
	}
}

// WalkRaw calls fn with the raw bytes of every element until fn
// returns false. The slices are only valid during the call.
func (m *Map) WalkRaw(fn func(key, value []byte) bool) error {
	return m.walk(true, func(k, v []byte) (bool, error) {
		return fn(k, v), nil
	})
}

// Walk calls fn for every element until fn returns false. Keys are
// raw bytes; values are decoded through the attached layout.
func (m *Map) Walk(fn func(key, value bpfmap.Value) bool) error {
	return m.walk(true, func(k, v []byte) (bool, error) {
		key, _ := codec.Decode(k, nil)
		value, err := m.decodeValue(v)
		if err != nil {
			return false, err
		}
		return fn(key, value), nil
	})
}

// All returns an iterator over every element. A failure is yielded
// once as the final pair, with a zero Entry.
func (m *Map) All() iter.Seq2[bpfmap.Entry, error] {
	return func(yield func(bpfmap.Entry, error) bool) {
		stopped := false
		err := m.Walk(func(k, v bpfmap.Value) bool {
			if !yield(bpfmap.Entry{Key: k, Value: v}, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(bpfmap.Entry{}, err)
		}
	}
}

// Keys returns every key in kernel order as raw bytes.
func (m *Map) Keys() ([]bpfmap.Value, error) {
	var keys []bpfmap.Value
	err := m.walk(false, func(k, _ []byte) (bool, error) {
		key, _ := codec.Decode(k, nil)
		keys = append(keys, key)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Values returns every value in kernel key order.
func (m *Map) Values() ([]bpfmap.Value, error) {
	var values []bpfmap.Value
	err := m.Walk(func(_, v bpfmap.Value) bool {
		values = append(values, v)
		return true
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Items returns every key/value pair in kernel key order.
func (m *Map) Items() ([]bpfmap.Entry, error) {
	var entries []bpfmap.Entry
	err := m.Walk(func(k, v bpfmap.Value) bool {
		entries = append(entries, bpfmap.Entry{Key: k, Value: v})
		return true
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
