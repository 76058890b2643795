package logging

import (
	"context"
	"log/slog"
)

// componentKey is the attribute key used for component names.
const componentKey = "component"

// filteringHandler is a slog.Handler that filters records by the level
// the Spec assigns to the handler's component. The level is resolved
// once, when the component attribute is attached.
type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
	level     slog.Level
}

// NewFilteringHandler creates a new slog.Handler that filters based on component levels.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{
		inner: inner,
		spec:  spec,
		level: spec.BaseLevel.ToSlog(),
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle delegates to the inner handler if the record passes the
// component's level.
func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new Handler with the given attributes added.
// The last "component" attribute selects the level.
func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	for _, attr := range attrs {
		if attr.Key == componentKey {
			next.component = attr.Value.String()
		}
	}
	if next.component != h.component {
		next.level = h.spec.LevelFor(next.component).ToSlog()
	}
	return &next
}

// WithGroup returns a new Handler with the given group appended to the receiver's groups.
func (h *filteringHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	return &next
}
