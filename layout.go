package bpfmap

import (
	"fmt"
	"strings"
)

// FieldType tells the codec how to interpret the bytes of a field.
type FieldType int

const (
	FieldInvalid FieldType = iota
	FieldInt8
	FieldInt16
	FieldInt32
	FieldInt64
	FieldUint8
	FieldUint16
	FieldUint32
	FieldUint64
	// FieldByteArray is a fixed-length run of bytes, decoded as Bytes.
	FieldByteArray
	// FieldText is a fixed-length, null-padded character array,
	// decoded as Text up to the first NUL.
	FieldText
)

var fieldTypeNames = map[FieldType]string{
	FieldInt8:      "i8",
	FieldInt16:     "i16",
	FieldInt32:     "i32",
	FieldInt64:     "i64",
	FieldUint8:     "u8",
	FieldUint16:    "u16",
	FieldUint32:    "u32",
	FieldUint64:    "u64",
	FieldByteArray: "bytes",
	FieldText:      "text",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// ParseFieldType parses the names produced by FieldType.String.
// "char" is accepted as an alias for text.
func ParseFieldType(s string) (FieldType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "char" {
		return FieldText, nil
	}
	for t, name := range fieldTypeNames {
		if name == s {
			return t, nil
		}
	}
	return FieldInvalid, fmt.Errorf("unknown field type %q", s)
}

// IntegerWidth returns the byte width of an integer field type, or 0
// for non-integer types.
func (t FieldType) IntegerWidth() uint32 {
	switch t {
	case FieldInt8, FieldUint8:
		return 1
	case FieldInt16, FieldUint16:
		return 2
	case FieldInt32, FieldUint32:
		return 4
	case FieldInt64, FieldUint64:
		return 8
	}
	return 0
}

// Signed reports whether t is a signed integer type.
func (t FieldType) Signed() bool {
	return t >= FieldInt8 && t <= FieldInt64
}

// LayoutField describes one member of a struct layout.
type LayoutField struct {
	Name   string
	Offset uint32
	Size   uint32
	Type   FieldType
}

// Layout describes how to read a fixed-size byte buffer as a sequence
// of named fields.
type Layout struct {
	Name string
	// TotalSize is the size of the described struct including any
	// trailing padding. Zero means the size is implied by the fields.
	TotalSize uint32
	Fields    []LayoutField
}

// Size returns the number of bytes the layout describes: TotalSize if
// set, otherwise the end of the furthest field.
func (l *Layout) Size() uint32 {
	if l.TotalSize != 0 {
		return l.TotalSize
	}
	var end uint32
	for _, f := range l.Fields {
		if e := f.Offset + f.Size; e > end {
			end = e
		}
	}
	return end
}

// Validate checks that every field fits within n bytes and that
// integer fields have the width their type implies.
func (l *Layout) Validate(n uint32) error {
	for _, f := range l.Fields {
		if uint64(f.Offset)+uint64(f.Size) > uint64(n) {
			return fmt.Errorf("layout %q field %q [%d:%d] exceeds %d bytes: %w",
				l.Name, f.Name, f.Offset, f.Offset+f.Size, n, ErrLayoutOutOfBounds)
		}
		if w := f.Type.IntegerWidth(); w != 0 && w != f.Size {
			return fmt.Errorf("layout %q field %q: %s needs %d bytes, has %d: %w",
				l.Name, f.Name, f.Type, w, f.Size, ErrLayoutOutOfBounds)
		}
		if f.Type == FieldInvalid {
			return fmt.Errorf("layout %q field %q has no type: %w", l.Name, f.Name, ErrUnsupportedType)
		}
	}
	return nil
}
