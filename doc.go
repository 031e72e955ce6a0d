// Package bpfmap defines the values, struct layouts and errors shared
// by the packages that read and write BPF maps.
//
// Keys and values cross the API as Value, a closed set of shapes
// (Bytes, Int, Uint, Text and Fields). The codec package turns them
// into the fixed-size byte regions the kernel expects, the kernel
// package performs the four map primitives, and the table package
// puts the two together behind a lookup/update/delete/iterate surface.
//
// "Not found" and "no more keys" are ordinary outcomes and are
// reported with a boolean, never with an error.
package bpfmap
