// Package logging builds the process-wide slog logger from a filter
// expression such as "info,upstream=debug".
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below slog.LevelDebug. Filters select it with "trace".
const LevelTrace = slog.LevelDebug - 4

// DefaultFilter is applied when no filter is configured or the configured
// one does not parse.
const DefaultFilter = "debug"

// Filter is a parsed filter expression: a default level plus per-component
// overrides keyed on the "component" attribute.
type Filter struct {
	Default    slog.Level
	Components map[string]slog.Level
}

// ParseFilter parses a comma separated list of directives. A bare level sets
// the default; name=level sets the level for one component.
func ParseFilter(expr string) (Filter, error) {
	f := Filter{Default: slog.LevelInfo, Components: map[string]slog.Level{}}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return f, fmt.Errorf("empty log filter")
	}
	for _, directive := range strings.Split(expr, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		name, lvl, found := strings.Cut(directive, "=")
		if !found {
			level, err := ParseLevel(name)
			if err != nil {
				return f, err
			}
			f.Default = level
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return f, fmt.Errorf("log filter directive %q: missing component name", directive)
		}
		level, err := ParseLevel(lvl)
		if err != nil {
			return f, fmt.Errorf("log filter directive %q: %w", directive, err)
		}
		f.Components[name] = level
	}
	return f, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// LevelFor returns the minimum enabled level for a component.
func (f Filter) LevelFor(component string) slog.Level {
	if l, ok := f.Components[component]; ok {
		return l
	}
	return f.Default
}

// minLevel is the lowest level any directive enables.
func (f Filter) minLevel() slog.Level {
	m := f.Default
	for _, l := range f.Components {
		if l < m {
			m = l
		}
	}
	return m
}

// Handler applies a Filter in front of another slog.Handler.
type Handler struct {
	inner     slog.Handler
	filter    Filter
	component string
}

// NewHandler wraps inner. inner must itself accept every level the filter
// can enable.
func NewHandler(inner slog.Handler, f Filter) *Handler {
	return &Handler{inner: inner, filter: f}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.filter.LevelFor(h.component)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	return &Handler{inner: h.inner.WithAttrs(attrs), filter: h.filter, component: component}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), filter: h.filter, component: h.component}
}

// New builds a logger writing format ("text" or "json") to w, filtered by
// expr. If expr does not parse the default filter is used and the parse error
// is returned alongside the usable logger.
func New(w io.Writer, format, expr string) (*slog.Logger, error) {
	f, err := ParseFilter(expr)
	if err != nil {
		f, _ = ParseFilter(DefaultFilter)
	}

	opts := &slog.HandlerOptions{
		Level:       f.minLevel(),
		ReplaceAttr: replaceLevel,
	}

	var inner slog.Handler
	switch strings.ToLower(format) {
	case "json":
		inner = slog.NewJSONHandler(w, opts)
	default:
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewHandler(inner, f)), err
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level <= LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
