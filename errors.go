package bpfmap

import (
	"errors"
	"fmt"
	"syscall"
)

// Caller errors. These report a violated precondition and are never
// retried.
var (
	// ErrSizeMismatch is returned when a value's byte width does not
	// match the key or value size declared by the map.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrUnsupportedType is returned when a value cannot be mapped to
	// a fixed-size byte layout.
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrLayoutOutOfBounds is returned when a struct layout field
	// would read past the end of the buffer it describes.
	ErrLayoutOutOfBounds = errors.New("layout field out of bounds")

	// ErrLayoutSizeMismatch is returned when a struct layout's size
	// differs from the map's value size.
	ErrLayoutSizeMismatch = errors.New("layout size mismatch")

	// ErrUnknownLayout is returned when no registry knows a layout
	// by the requested name.
	ErrUnknownLayout = errors.New("unknown layout")
)

// ErrMapClosed is returned when a map is used after the object that
// owns its kernel resources has been closed or collected.
var ErrMapClosed = errors.New("map closed")

// ErrKernel matches every *KernelError via errors.Is.
var ErrKernel = errors.New("kernel rejected map operation")

// KernelError is returned when the kernel rejects a map operation.
// The error carries whatever detail the kernel provided; this package
// never retries.
type KernelError struct {
	// Op is the primitive that failed: lookup, update, delete or
	// next-key.
	Op string
	// Map is the name of the map.
	Map string
	// Type is the kernel map type.
	Type MapType
	// Errno is the raw errno, zero if the failure did not carry one.
	Errno syscall.Errno
	// Reason is a map-kind specific explanation of Errno, such as
	// "map is full". Empty when there is nothing useful to add.
	Reason string
	// Err is the underlying error.
	Err error
}

func (e *KernelError) Error() string {
	msg := fmt.Sprintf("%s on map %q (%s)", e.Op, e.Map, e.Type)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *KernelError) Unwrap() error { return e.Err }

// Is reports whether target is ErrKernel.
func (e *KernelError) Is(target error) bool { return target == ErrKernel }

// IsMapFull reports whether err is a kernel rejection caused by the
// map having no free slot.
func IsMapFull(err error) bool {
	var kerr *KernelError
	return errors.As(err, &kerr) && kerr.Errno == syscall.E2BIG
}
