// Package scratch provides the byte buffers used to marshal a single
// key or value.
//
// A Buffer keeps a small inline array for the common case and only
// touches the heap when asked for more than InlineCapacity bytes.
// A Buffer belongs to one operation at a time. Callers may pool
// Buffers between operations, but a region returned by Acquire must
// not be retained once the Buffer is handed back, and a Buffer must
// not be shared between goroutines.
package scratch

// InlineCapacity is the largest size served from the inline array.
const InlineCapacity = 64

// Buffer is a small-size-optimised scratch buffer. The zero value is
// ready to use.
type Buffer struct {
	inline [InlineCapacity]byte
	heap   []byte
	grows  int
}

// Acquire returns a zeroed region of exactly size bytes. The region is
// only valid until the next call to Acquire on the same Buffer.
func (b *Buffer) Acquire(size int) []byte {
	if size < 0 {
		panic("scratch: negative size")
	}
	if size <= InlineCapacity {
		region := b.inline[:size]
		clear(region)
		return region
	}
	if cap(b.heap) < size {
		b.heap = make([]byte, size)
		b.grows++
		return b.heap
	}
	b.heap = b.heap[:size]
	clear(b.heap)
	return b.heap
}

// Grows returns how many times the Buffer had to allocate heap
// storage.
func (b *Buffer) Grows() int {
	return b.grows
}

// Pair holds the two buffers most operations need: one for the key
// and one for the value.
type Pair struct {
	Key   Buffer
	Value Buffer
}
