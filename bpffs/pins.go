package bpffs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"path/filepath"
)

// Pin is an object pinned under a scanned root.
type Pin struct {
	// Path is the absolute pin path.
	Path string
	// Name is Path relative to the root, with forward slashes.
	Name string
}

// Scanner lists pinned objects below a directory. It does not tell
// maps from programs or links; opening the pin does.
type Scanner struct {
	root    string
	onError func(path string, err error)
}

// NewScanner returns a scanner rooted at root.
func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

// WithOnError sets a callback for subdirectories that cannot be read.
// They are skipped either way.
func (s *Scanner) WithOnError(f func(path string, err error)) *Scanner {
	s.onError = f
	return s
}

// Pins yields every non-directory entry below the root in lexical
// order. A missing root yields nothing. Errors are yielded only when
// the root itself cannot be read or ctx is done.
func (s *Scanner) Pins(ctx context.Context) iter.Seq2[Pin, error] {
	return func(yield func(Pin, error) bool) {
		errStop := errors.New("stop")
		err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == s.root {
					return err
				}
				if s.onError != nil {
					s.onError(path, err)
				}
				return fs.SkipDir
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return err
			}
			if !yield(Pin{Path: path, Name: filepath.ToSlash(rel)}, nil) {
				return errStop
			}
			return nil
		})
		switch {
		case err == nil, errors.Is(err, errStop), errors.Is(err, fs.ErrNotExist):
		default:
			yield(Pin{}, fmt.Errorf("scan %s: %w", s.root, err))
		}
	}
}
