package cli

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/frobware/go-bpfmap"
)

// Literal is a key or value typed on the command line.
//
//	42, 0x2a, -1     integer sized to the key or value
//	u8:..u64:N       unsigned integer of exactly that width
//	i8:..i64:N       signed integer of exactly that width
//	str:TEXT         text, zero padded
//	hex:0a0b..       raw bytes
type Literal struct {
	Raw   string
	Value bpfmap.Value
}

func (l Literal) String() string { return l.Raw }

var widths = map[string]int{"8": 1, "16": 2, "32": 4, "64": 8}

// ParseLiteral parses a command-line key or value.
func ParseLiteral(s string) (Literal, error) {
	if s == "" {
		return Literal{}, fmt.Errorf("literal cannot be empty")
	}
	lit := Literal{Raw: s}

	prefix, rest, ok := strings.Cut(s, ":")
	if !ok {
		v, err := parseInteger(s)
		if err != nil {
			return Literal{}, fmt.Errorf("invalid literal %q: expected an integer or one of u<N>:, i<N>:, str:, hex:", s)
		}
		lit.Value = v
		return lit, nil
	}

	switch {
	case prefix == "str":
		lit.Value = bpfmap.Text(rest)
	case prefix == "hex":
		b, err := hex.DecodeString(strings.TrimPrefix(rest, "0x"))
		if err != nil {
			return Literal{}, fmt.Errorf("invalid literal %q: %w", s, err)
		}
		if len(b) == 0 {
			return Literal{}, fmt.Errorf("invalid literal %q: no bytes", s)
		}
		lit.Value = bpfmap.Bytes(b)
	case len(prefix) > 1 && (prefix[0] == 'u' || prefix[0] == 'i'):
		size, ok := widths[prefix[1:]]
		if !ok {
			return Literal{}, fmt.Errorf("invalid literal %q: unknown width %q", s, prefix)
		}
		b, err := fixedWidth(rest, size, prefix[0] == 'i')
		if err != nil {
			return Literal{}, fmt.Errorf("invalid literal %q: %w", s, err)
		}
		lit.Value = bpfmap.Bytes(b)
	default:
		return Literal{}, fmt.Errorf("invalid literal %q: unknown prefix %q", s, prefix)
	}
	return lit, nil
}

func parseInteger(s string) (bpfmap.Value, error) {
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return nil, err
		}
		return bpfmap.Int(v), nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return nil, err
	}
	return bpfmap.Uint(v), nil
}

// fixedWidth encodes s as a size-byte integer in native byte order.
func fixedWidth(s string, size int, signed bool) ([]byte, error) {
	bits := size * 8
	var u uint64
	if signed {
		v, err := strconv.ParseInt(s, 0, bits)
		if err != nil {
			return nil, err
		}
		u = uint64(v)
	} else {
		v, err := strconv.ParseUint(s, 0, bits)
		if err != nil {
			return nil, err
		}
		u = v
	}

	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, u)
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return b[:size], nil
	}
	return b[8-size:], nil
}
