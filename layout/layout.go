// Package layout resolves struct layouts by name. A layout tells the
// codec how to read a map value as named fields.
package layout

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/frobware/go-bpfmap"
)

// Resolver looks up a struct layout by name. Implementations return an
// error wrapping bpfmap.ErrUnknownLayout when they do not know name.
type Resolver interface {
	Resolve(name string) (bpfmap.Layout, error)
}

// Static is an in-memory registry. It is safe for concurrent use.
type Static struct {
	mu      sync.RWMutex
	layouts map[string]bpfmap.Layout
}

// NewStatic returns a registry holding layouts. It fails if any layout
// is malformed or two share a name.
func NewStatic(layouts ...bpfmap.Layout) (*Static, error) {
	s := &Static{layouts: make(map[string]bpfmap.Layout)}
	for _, l := range layouts {
		if _, dup := s.layouts[l.Name]; dup {
			return nil, fmt.Errorf("layout %q registered twice", l.Name)
		}
		if err := s.Register(l); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds l, replacing any layout with the same name.
func (s *Static) Register(l bpfmap.Layout) error {
	if l.Name == "" {
		return errors.New("layout has no name")
	}
	if err := l.Validate(l.Size()); err != nil {
		return err
	}
	l.Fields = slices.Clone(l.Fields)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layouts == nil {
		s.layouts = make(map[string]bpfmap.Layout)
	}
	s.layouts[l.Name] = l
	return nil
}

// Resolve implements Resolver.
func (s *Static) Resolve(name string) (bpfmap.Layout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layouts[name]
	if !ok {
		return bpfmap.Layout{}, fmt.Errorf("layout %q: %w", name, bpfmap.ErrUnknownLayout)
	}
	l.Fields = slices.Clone(l.Fields)
	return l, nil
}

// Names returns the registered names, sorted.
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.layouts))
	for name := range s.layouts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Chain tries each resolver in order and returns the first hit. Nil
// entries are skipped.
type Chain []Resolver

// Resolve implements Resolver. An error other than ErrUnknownLayout
// stops the search.
func (c Chain) Resolve(name string) (bpfmap.Layout, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		l, err := r.Resolve(name)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, bpfmap.ErrUnknownLayout) {
			return bpfmap.Layout{}, err
		}
	}
	return bpfmap.Layout{}, fmt.Errorf("layout %q: %w", name, bpfmap.ErrUnknownLayout)
}
