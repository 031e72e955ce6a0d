package bpfmap

import "strings"

// MapType is a kernel BPF map type name. Always lowercase; use
// NewMapType to construct.
type MapType string

// NewMapType creates a MapType from a string, normalising to
// lowercase.
func NewMapType(s string) MapType {
	return MapType(strings.ToLower(s))
}

func (t MapType) String() string { return string(t) }

// PerCPU reports whether values of this map type are replicated per
// CPU, which makes a lookup return more than ValueSize bytes.
func (t MapType) PerCPU() bool {
	// cilium/ebpf names the per-CPU LRU hash "LRUCPUHash".
	return strings.Contains(string(t), "percpu") || t == "lrucpuhash"
}

// MapInfo is the identity of an open map. All fields are fixed when
// the map is opened.
type MapInfo struct {
	Name       string  `json:"name"`
	FD         int     `json:"fd"`
	Type       MapType `json:"type"`
	KeySize    uint32  `json:"key_size"`
	ValueSize  uint32  `json:"value_size"`
	MaxEntries uint32  `json:"max_entries"`
}
