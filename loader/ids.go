package loader

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-bpfmap"
)

// KernelMap describes a map found by MapIDs. The optional fields are
// zero on kernels too old to report them.
type KernelMap struct {
	ID      ebpf.MapID     `json:"id"`
	Info    bpfmap.MapInfo `json:"info"`
	Flags   uint32         `json:"flags,omitempty"`
	BTFID   uint32         `json:"btf_id,omitempty"`
	Memlock uint64         `json:"memlock,omitempty"`
	Frozen  bool           `json:"frozen,omitempty"`
}

// MapIDs yields every map currently loaded in the kernel, in ID order.
// Maps that disappear while being inspected are skipped. Listing needs
// CAP_SYS_ADMIN.
func MapIDs(ctx context.Context) iter.Seq2[KernelMap, error] {
	return func(yield func(KernelMap, error) bool) {
		var id ebpf.MapID
		for {
			if err := ctx.Err(); err != nil {
				yield(KernelMap{}, err)
				return
			}
			next, err := ebpf.MapGetNextID(id)
			if errors.Is(err, os.ErrNotExist) {
				return
			}
			if err != nil {
				yield(KernelMap{}, fmt.Errorf("next map id after %d: %w", id, err))
				return
			}
			id = next

			km, err := describe(id)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if !yield(km, err) || err != nil {
				return
			}
		}
	}
}

func describe(id ebpf.MapID) (KernelMap, error) {
	m, err := ebpf.NewMapFromID(id)
	if err != nil {
		return KernelMap{}, fmt.Errorf("open map id %d: %w", id, err)
	}
	defer m.Close()

	km := KernelMap{
		ID: id,
		Info: bpfmap.MapInfo{
			Type:       bpfmap.NewMapType(m.Type().String()),
			KeySize:    m.KeySize(),
			ValueSize:  m.ValueSize(),
			MaxEntries: m.MaxEntries(),
		},
	}
	km.Info.FD = -1

	info, err := m.Info()
	if err != nil {
		return km, nil
	}
	km.Info.Name = info.Name
	km.Flags = info.Flags
	km.Frozen = info.Frozen()
	if id, ok := info.BTFID(); ok {
		km.BTFID = uint32(id)
	}
	if memlock, ok := info.Memlock(); ok {
		km.Memlock = memlock
	}
	return km, nil
}
