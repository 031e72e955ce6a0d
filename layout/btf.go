package layout

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/btf"

	"github.com/frobware/go-bpfmap"
)

// TypeSource finds BTF types by name. *btf.Spec implements it.
type TypeSource interface {
	AnyTypesByName(name string) ([]btf.Type, error)
}

var _ TypeSource = (*btf.Spec)(nil)

// BTF resolves layouts from BTF struct definitions.
type BTF struct {
	src TypeSource
}

// NewBTF returns a resolver backed by src.
func NewBTF(src TypeSource) *BTF {
	return &BTF{src: src}
}

// LoadBTF reads BTF from an ELF file or raw BTF blob at path.
func LoadBTF(path string) (*BTF, error) {
	spec, err := btf.LoadSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load BTF from %s: %w", path, err)
	}
	return NewBTF(spec), nil
}

// KernelBTF returns a resolver for the running kernel's types.
func KernelBTF() (*BTF, error) {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return nil, fmt.Errorf("load kernel BTF: %w", err)
	}
	return NewBTF(spec), nil
}

// Resolve implements Resolver. name may refer to a struct or to a
// typedef of one.
func (b *BTF) Resolve(name string) (bpfmap.Layout, error) {
	types, err := b.src.AnyTypesByName(name)
	if errors.Is(err, btf.ErrNotFound) {
		return bpfmap.Layout{}, fmt.Errorf("layout %q: %w", name, bpfmap.ErrUnknownLayout)
	}
	if err != nil {
		return bpfmap.Layout{}, fmt.Errorf("layout %q: %w", name, err)
	}
	for _, t := range types {
		if s, ok := btf.UnderlyingType(t).(*btf.Struct); ok {
			return FromStruct(name, s)
		}
	}
	return bpfmap.Layout{}, fmt.Errorf("layout %q: not a struct: %w", name, bpfmap.ErrUnknownLayout)
}

// FromStruct converts a BTF struct into a layout called name.
func FromStruct(name string, s *btf.Struct) (bpfmap.Layout, error) {
	l := bpfmap.Layout{
		Name:      name,
		TotalSize: s.Size,
		Fields:    make([]bpfmap.LayoutField, 0, len(s.Members)),
	}
	for i, m := range s.Members {
		fieldName := m.Name
		if fieldName == "" {
			fieldName = fmt.Sprintf("anon%d", i)
		}
		if m.BitfieldSize != 0 || m.Offset%8 != 0 {
			return bpfmap.Layout{}, fmt.Errorf("layout %q field %q: bitfields: %w", name, fieldName, bpfmap.ErrUnsupportedType)
		}
		typ, size, err := fieldType(m.Type)
		if err != nil {
			return bpfmap.Layout{}, fmt.Errorf("layout %q field %q: %w", name, fieldName, err)
		}
		l.Fields = append(l.Fields, bpfmap.LayoutField{
			Name:   fieldName,
			Offset: m.Offset.Bytes(),
			Size:   size,
			Type:   typ,
		})
	}
	if err := l.Validate(l.Size()); err != nil {
		return bpfmap.Layout{}, err
	}
	return l, nil
}

func fieldType(t btf.Type) (bpfmap.FieldType, uint32, error) {
	t = btf.UnderlyingType(t)
	switch v := t.(type) {
	case *btf.Int:
		return integer(v.Size, v.Encoding&btf.Signed != 0), v.Size, nil
	case *btf.Enum:
		return integer(v.Size, v.Signed), v.Size, nil
	case *btf.Pointer:
		return bpfmap.FieldUint64, 8, nil
	case *btf.Array:
		size, err := btf.Sizeof(v)
		if err != nil {
			return bpfmap.FieldInvalid, 0, err
		}
		if isChar(v.Type) {
			return bpfmap.FieldText, uint32(size), nil
		}
		return bpfmap.FieldByteArray, uint32(size), nil
	}
	size, err := btf.Sizeof(t)
	if err != nil {
		return bpfmap.FieldInvalid, 0, fmt.Errorf("%s: %w", t, bpfmap.ErrUnsupportedType)
	}
	return bpfmap.FieldByteArray, uint32(size), nil
}

func isChar(t btf.Type) bool {
	i, ok := btf.UnderlyingType(t).(*btf.Int)
	return ok && i.Size == 1 && (i.Encoding&btf.Char != 0 || i.Name == "char")
}

// integer picks the field type for an integer of size bytes. Widths
// the codec cannot decode as a number fall back to a byte array.
func integer(size uint32, signed bool) bpfmap.FieldType {
	types := map[uint32][2]bpfmap.FieldType{
		1: {bpfmap.FieldUint8, bpfmap.FieldInt8},
		2: {bpfmap.FieldUint16, bpfmap.FieldInt16},
		4: {bpfmap.FieldUint32, bpfmap.FieldInt32},
		8: {bpfmap.FieldUint64, bpfmap.FieldInt64},
	}
	pair, ok := types[size]
	if !ok {
		return bpfmap.FieldByteArray
	}
	if signed {
		return pair[1]
	}
	return pair[0]
}
