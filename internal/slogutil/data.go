package slogutil

import (
	"context"
	"log/slog"
	"maps"
)

// attrSet holds the attributes carried by a context, keyed by attribute key
// so that a later With overrides an earlier one.
type attrSet map[string]slog.Attr

type attrSetKey struct{}

func fromContext(ctx context.Context) (attrSet, bool) {
	s, ok := ctx.Value(attrSetKey{}).(attrSet)
	return s, ok
}

// With returns a context whose log records carry the given key-value pairs,
// in addition to any attached by the parent context.
func With(ctx context.Context, kvargs ...any) context.Context {
	if len(kvargs) == 0 {
		return ctx
	}

	parent, _ := fromContext(ctx)
	s := make(attrSet, len(parent)+len(kvargs)/2)
	maps.Copy(s, parent)

	var r slog.Record
	r.Add(kvargs...)
	r.Attrs(func(a slog.Attr) bool {
		s[a.Key] = a
		return true
	})

	return context.WithValue(ctx, attrSetKey{}, s)
}

// IterAttrs yields the attributes attached to ctx. It can be used as an
// iter.Seq[slog.Attr].
func IterAttrs(ctx context.Context) func(func(attr slog.Attr) bool) {
	return func(yield func(attr slog.Attr) bool) {
		s, _ := fromContext(ctx)
		for _, a := range s {
			if !yield(a) {
				return
			}
		}
	}
}

// Data returns the attributes attached to ctx as plain values.
func Data(ctx context.Context) map[string]any {
	s, ok := fromContext(ctx)
	if !ok {
		return nil
	}

	m := make(map[string]any, len(s))
	for k, a := range s {
		m[k] = a.Value.Any()
	}
	return m
}

// contextHook copies the context attributes onto every record.
type contextHook struct{}

func (contextHook) Run(ctx context.Context, r *slog.Record) {
	for a := range IterAttrs(ctx) {
		r.AddAttrs(a)
	}
}
