package mirror

import (
	"context"
	"strings"
	"sync"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/pathutil"
	"github.com/keithlinneman/fragmentsync/internal/ratelimit"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// Guard can suppress a sync for a relevant node. The flag reset still runs
// for a suppressed event.
type Guard interface {
	// Allow reports whether ev, which resolved to the editable component
	// node, may be mirrored.
	Allow(ctx context.Context, ev contentrepo.Event, node contentrepo.Node) bool
	// Cleared is called after the handler committed refreshComponents=false
	// over a value that was set.
	Cleared(nodePath string)
}

type GuardMode string

const (
	GuardOff  GuardMode = "off"
	GuardEcho GuardMode = "echo"
	GuardRate GuardMode = "rate"
)

func ParseGuardMode(s string) (GuardMode, error) {
	switch m := GuardMode(strings.ToLower(strings.TrimSpace(s))); m {
	case GuardOff, GuardEcho, GuardRate:
		return m, nil
	case "":
		return GuardOff, nil
	}
	return "", xerrors.Newf("unknown loop guard %q (want off, echo or rate)", s)
}

// EchoGuard skips the single event produced by the handler's own flag
// reset on a node.
type EchoGuard struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

func NewEchoGuard() *EchoGuard {
	return &EchoGuard{pending: make(map[string]struct{})}
}

func (g *EchoGuard) Cleared(nodePath string) {
	g.mu.Lock()
	g.pending[nodePath] = struct{}{}
	g.mu.Unlock()
}

func (g *EchoGuard) Allow(_ context.Context, ev contentrepo.Event, node contentrepo.Node) bool {
	if pathutil.Base(ev.Path) != RefreshProperty {
		return true
	}
	g.mu.Lock()
	_, ok := g.pending[node.Path]
	delete(g.pending, node.Path)
	g.mu.Unlock()

	// an operator may have set the flag again before the echo arrived
	return !ok || node.Bool(RefreshProperty, false)
}

// RateGuard caps how often one node is mirrored.
type RateGuard struct {
	limiter *ratelimit.KeyLimiter
}

func NewRateGuard(l *ratelimit.KeyLimiter) *RateGuard {
	return &RateGuard{limiter: l}
}

func (g *RateGuard) Allow(_ context.Context, _ contentrepo.Event, node contentrepo.Node) bool {
	return g.limiter.Allow(node.Path)
}

func (g *RateGuard) Cleared(string) {}
