package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const defaultMaxErrorLinks = 8

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	// errorLinks caps error_links entries; 0 leaves them out
	errorLinks int
}

// implemented by xerrors wrappers
type (
	hasPC    interface{ PC() uintptr }
	hasStack interface{ StackPCs() []uintptr }
)

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = defaultMaxErrorLinks
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler = slog.NewTextHandler(w, ho)
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, ho)
	}

	attrs := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}
	if opts.Component != "" {
		attrs = append(attrs, slog.String("component", opts.Component))
	}

	l := &slogLogger{
		h:     enrichHandler{next: h, stackLevel: opts.StacktraceLevel},
		attrs: attrs,
	}
	if opts.IncludeErrorLinks {
		l.errorLinks = opts.MaxErrorLinks
	}
	return l, nil
}

// With returns a logger with kv appended; the receiver is left untouched.
func (s *slogLogger) With(kv ...any) Logger {
	next := make([]slog.Attr, len(s.attrs), len(s.attrs)+len(kv)/2)
	copy(next, s.attrs)
	next = appendKV(next, kv)
	return &slogLogger{h: s.h, attrs: next, errorLinks: s.errorLinks}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, s.errorKV(err)...)
	}
	s.log(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) errorKV(err error) []any {
	surface, root := classifyTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if s.errorLinks > 0 {
		kv = append(kv, "error_links", chainLinks(err, s.errorLinks))
	}
	return kv
}

// log builds the record: persistent attrs, then context fields, then kv.
// It must be called directly from the exported level methods so the
// source position points at their caller.
func (s *slogLogger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	// runtime.Callers, log, the level method
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(appendKV(nil, fieldsFrom(ctx))...)
	r.AddAttrs(appendKV(nil, kv)...)
	_ = s.h.Handle(ctx, r)
}

// appendKV converts alternating key/value pairs, dropping pairs whose key
// is not a string and a trailing lone key.
func appendKV(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}

// enrichHandler adds the active span's ids and, at or above stackLevel, a
// stack: the one captured by the logged error when it has one, otherwise
// the logging call site's.
type enrichHandler struct {
	next       slog.Handler
	stackLevel slog.Level
}

func (h enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= h.stackLevel {
		r.AddAttrs(slog.String("stack", recordStack(r)))
	}
	return h.next.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{next: h.next.WithAttrs(attrs), stackLevel: h.stackLevel}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{next: h.next.WithGroup(name), stackLevel: h.stackLevel}
}

func recordStack(r slog.Record) string {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if hs, ok := a.Value.Any().(hasStack); ok {
			pcs = hs.StackPCs()
		}
		return false
	})
	if len(pcs) == 0 {
		buf := make([]uintptr, 64)
		// runtime.Callers, recordStack, Handle
		pcs = buf[:runtime.Callers(3, buf)]
	}
	return formatStack(pcs)
}

// plumbing reports frames that belong to logging or error wrapping rather
// than to the code that logged.
func plumbing(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.") ||
		strings.Contains(fn, "/internal/xerrors.")
}

// formatStack renders func/file:line pairs, skipping leading plumbing
// frames and stopping at the runtime.
func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var b strings.Builder
	started := false
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		started = started || !plumbing(fr.Function)
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

type frame struct {
	fn, file string
	line     int
}

func frameAt(pc uintptr) (frame, bool) {
	if pc == 0 {
		return frame{}, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return frame{fr.Function, fr.File, fr.Line}, true
}

func firstCaller(pcs []uintptr) (frame, bool) {
	if len(pcs) == 0 {
		return frame{}, false
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if !strings.HasPrefix(fr.Function, "runtime.") && !plumbing(fr.Function) {
			return frame{fr.Function, fr.File, fr.Line}, true
		}
		if !more {
			return frame{}, false
		}
	}
}

// errorChain lists the distinct messages down the Unwrap chain, then those
// of a joined error's members.
func errorChain(err error) []string {
	var out []string
	add := func(msg string) {
		if len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// chainLinks walks at most max links of the chain, recording where each
// wrapped error was created when it knows. The head is always included.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (max <= 0 || depth < max); depth, e = depth+1, errors.Unwrap(e) {
		var (
			fr frame
			ok bool
		)
		switch x := e.(type) {
		case hasPC:
			fr, ok = frameAt(x.PC())
		case hasStack:
			fr, ok = firstCaller(x.StackPCs())
		}
		if !ok && depth > 0 {
			continue
		}
		link := map[string]any{"msg": e.Error()}
		if ok {
			link["func"], link["file"], link["line"] = fr.fn, fr.file, fr.line
		}
		links = append(links, link)
	}
	return links
}

// classifyTypes returns the first error type in the chain that is not a
// bare wrapper, and the type of the innermost error.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		root = fmt.Sprintf("%T", e)
		if surface != "" {
			continue
		}
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if strings.Contains(t.PkgPath(), "/internal/xerrors") || (t.PkgPath() == "fmt" && t.Name() == "wrapError") {
			continue
		}
		surface = fmt.Sprintf("%T", e)
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}
