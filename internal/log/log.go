// Package log configures the process-wide slog logger. Attributes attached
// to a context travel with every record logged through that context, which
// lets the worker stamp scan_id/job_id/project on everything a job emits.
package log

import (
	"context"
	"log/slog"
	"os"
)

type attrsKeyT struct{}

var attrsKey attrsKeyT

// ContextHandler decorates records with attributes carried by the context.
type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(attrsKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

// ContextAttrs returns a context whose log records carry the given attrs in
// addition to any the parent context already carries.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(attrsKey).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(a)+len(attrs))
	merged = append(merged, a...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, attrsKey, merged)
}

// New builds a JSON logger writing to stderr.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(ContextHandler{Handler: base})
}
