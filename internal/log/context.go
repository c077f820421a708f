package log

import "context"

type (
	loggerKey struct{}
	fieldsKey struct{}
)

// WithContext returns ctx carrying l.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the Logger carried by ctx, or Nop when there is none.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}

// WithFields returns ctx carrying kv in addition to any fields already on
// it. Every record logged with the returned context includes them, so a
// sync pass can tag its event once and have engine and store logs agree.
func WithFields(ctx context.Context, kv ...any) context.Context {
	if len(kv) < 2 {
		return ctx
	}
	prev := fieldsFrom(ctx)
	next := make([]any, 0, len(prev)+len(kv))
	next = append(next, prev...)
	next = append(next, kv...)
	return context.WithValue(ctx, fieldsKey{}, next)
}

func fieldsFrom(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	kv, _ := ctx.Value(fieldsKey{}).([]any)
	return kv
}
