// Package codec converts between bpfmap.Value and the fixed-size byte
// regions stored in BPF maps.
//
// Encoding always writes raw bytes; struct layouts are only consulted
// when decoding. Integers use the host's native byte order, which is
// the order BPF programs on the same machine read and write.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/frobware/go-bpfmap"
)

// Encode writes v into dst. dst must be exactly as long as the key or
// value being written.
func Encode(v bpfmap.Value, dst []byte) error {
	switch v := v.(type) {
	case bpfmap.Bytes:
		if len(v) != len(dst) {
			return fmt.Errorf("%d bytes for a %d byte region: %w", len(v), len(dst), bpfmap.ErrSizeMismatch)
		}
		copy(dst, v)
		return nil
	case bpfmap.Int:
		return putInt(dst, int64(v))
	case bpfmap.Uint:
		return putUint(dst, uint64(v))
	case bpfmap.Text:
		if len(v) > len(dst) {
			return fmt.Errorf("text of %d bytes for a %d byte region: %w", len(v), len(dst), bpfmap.ErrSizeMismatch)
		}
		n := copy(dst, v)
		clear(dst[n:])
		return nil
	case bpfmap.Fields:
		return fmt.Errorf("structured values cannot be written: %w", bpfmap.ErrUnsupportedType)
	case nil:
		return fmt.Errorf("nil value: %w", bpfmap.ErrUnsupportedType)
	default:
		return fmt.Errorf("%T: %w", v, bpfmap.ErrUnsupportedType)
	}
}

func putInt(dst []byte, v int64) error {
	switch len(dst) {
	case 1:
		if v < math.MinInt8 || v > math.MaxInt8 {
			return overflow(v, len(dst))
		}
		dst[0] = byte(int8(v))
	case 2:
		if v < math.MinInt16 || v > math.MaxInt16 {
			return overflow(v, len(dst))
		}
		binary.NativeEndian.PutUint16(dst, uint16(int16(v)))
	case 4:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return overflow(v, len(dst))
		}
		binary.NativeEndian.PutUint32(dst, uint32(int32(v)))
	case 8:
		binary.NativeEndian.PutUint64(dst, uint64(v))
	default:
		return fmt.Errorf("integer for a %d byte region: %w", len(dst), bpfmap.ErrUnsupportedType)
	}
	return nil
}

func putUint(dst []byte, v uint64) error {
	switch len(dst) {
	case 1:
		if v > math.MaxUint8 {
			return overflow(v, len(dst))
		}
		dst[0] = byte(v)
	case 2:
		if v > math.MaxUint16 {
			return overflow(v, len(dst))
		}
		binary.NativeEndian.PutUint16(dst, uint16(v))
	case 4:
		if v > math.MaxUint32 {
			return overflow(v, len(dst))
		}
		binary.NativeEndian.PutUint32(dst, uint32(v))
	case 8:
		binary.NativeEndian.PutUint64(dst, v)
	default:
		return fmt.Errorf("integer for a %d byte region: %w", len(dst), bpfmap.ErrUnsupportedType)
	}
	return nil
}

func overflow[T int64 | uint64](v T, width int) error {
	return fmt.Errorf("%d does not fit in %d bytes: %w", v, width, bpfmap.ErrSizeMismatch)
}

// Decode converts src into a Value. Without a layout the result is a
// Bytes copy of src. With a layout the result is Fields, one entry per
// layout field in declaration order.
func Decode(src []byte, layout *bpfmap.Layout) (bpfmap.Value, error) {
	if layout == nil {
		return bpfmap.Bytes(bytes.Clone(src)), nil
	}
	return DecodeFields(src, layout)
}

// DecodeFields interprets src through layout. A field that would read
// past the end of src fails with bpfmap.ErrLayoutOutOfBounds.
func DecodeFields(src []byte, layout *bpfmap.Layout) (bpfmap.Fields, error) {
	fields := make(bpfmap.Fields, 0, len(layout.Fields))
	for _, f := range layout.Fields {
		end := uint64(f.Offset) + uint64(f.Size)
		if end > uint64(len(src)) {
			return nil, fmt.Errorf("field %q [%d:%d] in %d bytes: %w",
				f.Name, f.Offset, end, len(src), bpfmap.ErrLayoutOutOfBounds)
		}
		v, err := decodeField(src[f.Offset:end], f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields = append(fields, bpfmap.Field{Name: f.Name, Value: v})
	}
	return fields, nil
}

func decodeField(b []byte, t bpfmap.FieldType) (bpfmap.Value, error) {
	if w := t.IntegerWidth(); w != 0 && int(w) != len(b) {
		return nil, fmt.Errorf("%s in %d bytes: %w", t, len(b), bpfmap.ErrLayoutOutOfBounds)
	}
	switch t {
	case bpfmap.FieldInt8:
		return bpfmap.Int(int8(b[0])), nil
	case bpfmap.FieldInt16:
		return bpfmap.Int(int16(binary.NativeEndian.Uint16(b))), nil
	case bpfmap.FieldInt32:
		return bpfmap.Int(int32(binary.NativeEndian.Uint32(b))), nil
	case bpfmap.FieldInt64:
		return bpfmap.Int(int64(binary.NativeEndian.Uint64(b))), nil
	case bpfmap.FieldUint8:
		return bpfmap.Uint(b[0]), nil
	case bpfmap.FieldUint16:
		return bpfmap.Uint(binary.NativeEndian.Uint16(b)), nil
	case bpfmap.FieldUint32:
		return bpfmap.Uint(binary.NativeEndian.Uint32(b)), nil
	case bpfmap.FieldUint64:
		return bpfmap.Uint(binary.NativeEndian.Uint64(b)), nil
	case bpfmap.FieldByteArray:
		return bpfmap.Bytes(bytes.Clone(b)), nil
	case bpfmap.FieldText:
		if i := bytes.IndexByte(b, 0); i >= 0 {
			b = b[:i]
		}
		return bpfmap.Text(b), nil
	default:
		return nil, fmt.Errorf("%s: %w", t, bpfmap.ErrUnsupportedType)
	}
}

// NaturalSize reports the byte width v would naturally occupy: the
// length of Bytes and Text, or 8 for integers. It returns false for
// values that have no fixed encoding.
func NaturalSize(v bpfmap.Value) (int, bool) {
	switch v := v.(type) {
	case bpfmap.Bytes:
		return len(v), true
	case bpfmap.Text:
		return len(v), true
	case bpfmap.Int, bpfmap.Uint:
		return 8, true
	default:
		return 0, false
	}
}
