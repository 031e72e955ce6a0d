package logging

import (
	"context"
	"log/slog"
)

// ComponentKey is the attribute that selects a component's level.
const ComponentKey = "component"

// filteringHandler drops records below the level the spec assigns to
// the handler's component. The component is taken from the most
// recent ComponentKey attribute added with WithAttrs.
type filteringHandler struct {
	next      slog.Handler
	spec      *Spec
	component string
}

// NewFilteringHandler wraps next so that records are filtered per
// component according to spec. next should accept every level.
func NewFilteringHandler(next slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{next: next, spec: spec}
}

func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == ComponentKey {
			clone.component = a.Value.String()
		}
	}
	return &clone
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.next = h.next.WithGroup(name)
	return &clone
}
