package mirror

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/contentrepo/memstore"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/pathutil"
)

const (
	svc          = DefaultServiceIdentity
	componentDir = "/content/site/page/jcr:content"
	component    = componentDir + "/ec"
	fragment     = "/content/fragments/f1"
	origin       = fragment + "/jcr:content/root"
)

var errInjected = errors.New("injected failure")

// test helpers

func newStore() *memstore.Store {
	return memstore.New(memstore.WithIdentities(svc))
}

func mustSession(t *testing.T, ids contentrepo.IdentityProvider) contentrepo.Session {
	t.Helper()
	sess, err := ids.Acquire(t.Context(), svc)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

// ensure creates every missing node on the way to p and gives the last one
// props. Nothing is committed.
func ensure(t *testing.T, sess contentrepo.Session, p string, props map[string]any) {
	t.Helper()
	w := sess.(contentrepo.NodeWriter)
	cur := pathutil.Root
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, name := range segs {
		next := pathutil.Join(cur, name)
		if _, err := sess.Resolve(t.Context(), next); err != nil {
			var np map[string]any
			if i == len(segs)-1 {
				np = props
			}
			if err := w.AddNode(t.Context(), cur, name, "", np); err != nil {
				t.Fatalf("AddNode %s: %v", next, err)
			}
		}
		cur = next
	}
}

func commit(t *testing.T, sess contentrepo.Session) {
	t.Helper()
	if err := sess.Commit(t.Context()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// seedComponent builds a component at component referencing fragment, with
// its refresh flag set to refresh and the given destination and origin
// children. Each child carries a "src"
// property naming which side it came from.
func seedComponent(t *testing.T, s *memstore.Store, destKids, originKids []string, refresh bool) {
	t.Helper()
	sess := mustSession(t, s)
	props := map[string]any{
		contentrepo.ResourceTypeProperty: DefaultSupertypeMarker,
		FragmentPathProperty:             fragment,
		RefreshProperty:                  refresh,
	}
	ensure(t, sess, component, props)
	ensure(t, sess, origin, nil)
	for _, k := range destKids {
		ensure(t, sess, component+"/"+k, map[string]any{"src": "dest"})
	}
	for _, k := range originKids {
		ensure(t, sess, origin+"/"+k, map[string]any{"src": "origin"})
	}
	commit(t, sess)
}

func childNames(t *testing.T, sess contentrepo.Session, p string) []string {
	t.Helper()
	kids, err := sess.Children(t.Context(), p)
	if err != nil {
		t.Fatalf("Children(%s): %v", p, err)
	}
	names := make([]string, len(kids))
	for i, k := range kids {
		names[i] = k.Name
	}
	return names
}

func resolve(t *testing.T, sess contentrepo.Session, p string) contentrepo.Node {
	t.Helper()
	n, err := sess.Resolve(t.Context(), p)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", p, err)
	}
	return n
}

func refreshFlag(t *testing.T, s *memstore.Store, p string) any {
	t.Helper()
	return resolve(t, mustSession(t, s), p).Properties[RefreshProperty]
}

func flush(t *testing.T, s *memstore.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func propertyChanged(p string) contentrepo.Event {
	return contentrepo.NewEvent(contentrepo.PropertyChanged, p, "author")
}

func assertNames(t *testing.T, got, want []string) {
	t.Helper()
	if !slices.Equal(got, want) {
		t.Fatalf("children = %v, want %v", got, want)
	}
}

// providerFunc adapts a function to contentrepo.IdentityProvider.
type providerFunc func(ctx context.Context, identity string) (contentrepo.Session, error)

func (f providerFunc) Acquire(ctx context.Context, identity string) (contentrepo.Session, error) {
	return f(ctx, identity)
}

// faultySession wraps a real session and injects failures.
type faultySession struct {
	contentrepo.Session

	mu sync.Mutex
	// failCopy lists source paths whose copy fails
	failCopy map[string]bool
	// beforeCommit runs once, just before the first commit
	beforeCommit func()
	failResolve  bool
	failSub      bool
	panicResolve bool
	// breakable makes Subscribe return handles whose delivery can be failed
	breakable bool
	handles   []*breakableHandle

	copies  int
	commits int
	closed  int
}

func (f *faultySession) Resolve(ctx context.Context, p string) (contentrepo.Node, error) {
	if f.panicResolve {
		panic("resolve exploded")
	}
	if f.failResolve {
		return contentrepo.Node{}, errInjected
	}
	return f.Session.Resolve(ctx, p)
}

func (f *faultySession) CopySubtreeInto(ctx context.Context, src, dest string) error {
	f.mu.Lock()
	f.copies++
	fail := f.failCopy[src]
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.Session.CopySubtreeInto(ctx, src, dest)
}

func (f *faultySession) Commit(ctx context.Context) error {
	f.mu.Lock()
	f.commits++
	hook := f.beforeCommit
	f.beforeCommit = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.Session.Commit(ctx)
}

func (f *faultySession) Subscribe(ctx context.Context, l contentrepo.Listener, flt contentrepo.EventFilter) (contentrepo.Handle, error) {
	if f.failSub {
		return nil, errInjected
	}
	h, err := f.Session.Subscribe(ctx, l, flt)
	if err != nil || !f.breakable {
		return h, err
	}
	bh := &breakableHandle{Handle: h, failed: make(chan struct{})}
	f.mu.Lock()
	f.handles = append(f.handles, bh)
	f.mu.Unlock()
	return bh, nil
}

func (f *faultySession) Unsubscribe(ctx context.Context, h contentrepo.Handle) error {
	if bh, ok := h.(*breakableHandle); ok {
		h = bh.Handle
	}
	return f.Session.Unsubscribe(ctx, h)
}

// breakableHandle lets a test fail delivery the way a dropped store
// connection would.
type breakableHandle struct {
	contentrepo.Handle
	once   sync.Once
	failed chan struct{}
}

func (b *breakableHandle) Failed() <-chan struct{} { return b.failed }

func (b *breakableHandle) Err() error {
	select {
	case <-b.failed:
		return errInjected
	default:
		return nil
	}
}

func (b *breakableHandle) fail() { b.once.Do(func() { close(b.failed) }) }

func (f *faultySession) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return f.Session.Close()
}

// wrapping returns a provider that hands out faultySessions over s, each
// configured by setup, and records them.
func wrapping(s *memstore.Store, setup func(*faultySession)) (providerFunc, *[]*faultySession) {
	var mu sync.Mutex
	var made []*faultySession
	p := providerFunc(func(ctx context.Context, identity string) (contentrepo.Session, error) {
		inner, err := s.Acquire(ctx, identity)
		if err != nil {
			return nil, err
		}
		fs := &faultySession{Session: inner}
		if setup != nil {
			setup(fs)
		}
		mu.Lock()
		made = append(made, fs)
		mu.Unlock()
		return fs, nil
	})
	return p, &made
}

// recMetrics records what the mirror package reports.
type recMetrics struct {
	mu             sync.Mutex
	outcomes       []string
	durations      int
	copies         int
	copyFailures   int
	wipes          int
	commitFailures map[string]int
	guardSkips     int
	active         bool
	startFailures  int
}

func newRecMetrics() *recMetrics {
	return &recMetrics{commitFailures: make(map[string]int)}
}

func (m *recMetrics) IncEvent(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recMetrics) ObserveEventDuration(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *recMetrics) AddCopies(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies += n
}

func (m *recMetrics) AddCopyFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyFailures += n
}

func (m *recMetrics) AddWipes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wipes += n
}

func (m *recMetrics) IncCommitFailure(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitFailures[stage]++
}

func (m *recMetrics) IncGuardSkip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guardSkips++
}

func (m *recMetrics) SetSubscriptionActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = active
}

func (m *recMetrics) IncSubscriptionStartFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startFailures++
}

func (m *recMetrics) outcomeList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.outcomes)
}

func newTestHandler(t *testing.T, ids contentrepo.IdentityProvider, m Metrics, opts ...func(*HandlerOptions)) *Handler {
	t.Helper()
	ho := HandlerOptions{
		Logger:     log.Nop(),
		Identities: ids,
		Config:     DefaultConfig(),
		Metrics:    m,
	}
	for _, o := range opts {
		o(&ho)
	}
	h, err := NewHandler(ho)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}
