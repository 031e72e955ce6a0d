package kernel

import (
	"errors"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-bpfmap"
)

// errENOTSUPP is the kernel-internal ENOTSUPP, which leaks out of the
// bpf syscall but has no constant in x/sys/unix.
const errENOTSUPP = unix.Errno(524)

func (h *Handle) kernelError(op string, err error) error {
	kerr := &bpfmap.KernelError{
		Op:   op,
		Map:  h.info.Name,
		Type: h.info.Type,
		Err:  err,
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		kerr.Errno = errno
		kerr.Reason = reason(op, h.info.Type, errno)
	}
	return kerr
}

// reason explains errno in terms of the map type. The kernel reports
// the same errno for different causes depending on the map kind, so
// the explanation is only as precise as the kind allows.
func reason(op string, t bpfmap.MapType, errno unix.Errno) string {
	array := strings.Contains(string(t), "array")

	switch errno {
	case unix.E2BIG:
		if array {
			return "index beyond max entries"
		}
		return "map is full"
	case unix.EEXIST:
		return "key already exists"
	case unix.ENOMEM:
		return "kernel could not allocate an element"
	case unix.EPERM, unix.EACCES:
		return "permission denied"
	case unix.EBUSY:
		return "map is busy"
	case unix.EINVAL:
		if op == "delete" && array {
			return "elements of array maps cannot be deleted"
		}
		return "invalid argument"
	case errENOTSUPP, unix.EOPNOTSUPP:
		return "operation not supported by this map type"
	}
	return ""
}
