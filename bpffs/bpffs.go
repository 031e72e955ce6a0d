// Package bpffs checks paths against the BPF filesystem and lists the
// objects pinned there.
package bpffs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMountInfoPath is the mount table of the current process.
	DefaultMountInfoPath = "/proc/self/mountinfo"

	// maxMountInfoLine bounds a single mountinfo line. Hosts with many
	// overlay layers produce very long lines.
	maxMountInfoLine = 1024 * 1024
)

// ErrNotBPFFS is returned when a path does not live on a BPF
// filesystem.
var ErrNotBPFFS = errors.New("not on a BPF filesystem")

// statfsType is replaced in tests.
var statfsType = func(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Type), nil
}

// Check verifies that path exists on a BPF filesystem. A pin path
// names a file, so the check is made against its directory.
func Check(path string) error {
	dir := path
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		dir = filepath.Dir(path)
	}
	fsType, err := statfsType(dir)
	if err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}
	if fsType != unix.BPF_FS_MAGIC {
		return fmt.Errorf("%s (filesystem type 0x%x): %w", path, fsType, ErrNotBPFFS)
	}
	return nil
}

// MountPoints returns every BPF filesystem mount listed in
// mountInfoPath, in mount order.
//
// Each mountinfo line reads (see proc(5)):
//
//	mount_id parent_id major:minor root mount_point options [optional...] - fstype source super_options
//
// The optional fields vary in number, so the " - " separator is found
// by searching rather than by position, as libmount does.
func MountPoints(mountInfoPath string) ([]string, error) {
	f, err := os.Open(mountInfoPath)
	if err != nil {
		return nil, fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxMountInfoLine)

	var mounts []string
	for sc.Scan() {
		prefix, suffix, ok := strings.Cut(sc.Text(), " - ")
		if !ok {
			continue
		}
		fields := strings.Fields(prefix)
		fsFields := strings.Fields(suffix)
		if len(fields) < 5 || len(fsFields) < 1 {
			continue
		}
		if fsFields[0] == "bpf" {
			mounts = append(mounts, fields[4])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read mountinfo: %w", err)
	}
	return mounts, nil
}
