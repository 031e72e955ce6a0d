package bpfmap

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Value is a key or value as seen by callers. It is a closed set:
// Bytes, Int, Uint, Text and Fields are the only implementations.
type Value interface {
	fmt.Stringer
	isValue()
}

// Bytes is an opaque byte sequence, copied verbatim to and from the
// map.
type Bytes []byte

// Int is a signed integer, encoded in native byte order at the width
// of the key or value it is written to.
type Int int64

// Uint is an unsigned integer, encoded in native byte order at the
// width of the key or value it is written to.
type Uint uint64

// Text is a string, encoded zero padded to the full width of the key
// or value it is written to.
type Text string

// Field is one named member of a decoded struct.
type Field struct {
	Name  string
	Value Value
}

// Fields is a struct value decoded through a Layout. Members appear in
// the order the layout declares them.
type Fields []Field

func (Bytes) isValue()  {}
func (Int) isValue()    {}
func (Uint) isValue()   {}
func (Text) isValue()   {}
func (Fields) isValue() {}

func (b Bytes) String() string { return "0x" + hex.EncodeToString(b) }
func (i Int) String() string   { return strconv.FormatInt(int64(i), 10) }
func (u Uint) String() string  { return strconv.FormatUint(uint64(u), 10) }
func (t Text) String() string  { return strconv.Quote(string(t)) }

func (f Fields) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, field := range f {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(field.Name)
		b.WriteString(": ")
		if field.Value == nil {
			b.WriteString("<nil>")
		} else {
			b.WriteString(field.Value.String())
		}
	}
	b.WriteByte('}')
	return b.String()
}

// Get returns the value of the named field.
func (f Fields) Get(name string) (Value, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return nil, false
}

// Names returns the field names in declaration order.
func (f Fields) Names() []string {
	names := make([]string, len(f))
	for i, field := range f {
		names[i] = field.Name
	}
	return names
}

// Entry is a key/value pair produced by a full traversal.
type Entry struct {
	Key   Value
	Value Value
}
