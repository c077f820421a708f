package contentrepo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/fragmentsync/internal/pathutil"
)

// EventKind is a bit set so filters can ask for several kinds at once.
type EventKind uint8

const (
	NodeAdded EventKind = 1 << iota
	NodeRemoved
	PropertyAdded
	PropertyChanged
	PropertyRemoved
)

func (k EventKind) String() string {
	var names []string
	for _, e := range []struct {
		k EventKind
		n string
	}{
		{NodeAdded, "node_added"},
		{NodeRemoved, "node_removed"},
		{PropertyAdded, "property_added"},
		{PropertyChanged, "property_changed"},
		{PropertyRemoved, "property_removed"},
	} {
		if k&e.k != 0 {
			names = append(names, e.n)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Event is a single change notification. For property events Path is the
// property path, i.e. the node path plus the property name.
type Event struct {
	ID        uuid.UUID
	Kind      EventKind
	Path      string
	Identity  string
	Timestamp time.Time
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind EventKind, path, identity string) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		Path:      path,
		Identity:  identity,
		Timestamp: time.Now().UTC(),
	}
}

// NodePath returns the path of the node an event concerns: the parent of a
// property path, the path itself for node events.
func (e Event) NodePath() string {
	if e.Kind&(PropertyAdded|PropertyChanged|PropertyRemoved) != 0 {
		return pathutil.Parent(e.Path)
	}
	return e.Path
}

// EventFilter selects which events a Listener receives.
type EventFilter struct {
	Kinds EventKind
	// Path is the scope root; Deep extends it to all descendants.
	Path string
	Deep bool
	// NodeTypes restricts delivery to events whose node has one of these
	// primary types. Empty means any type.
	NodeTypes []string
}

// Matches reports whether an event on a node of primaryType passes the filter.
func (f EventFilter) Matches(e Event, primaryType string) bool {
	if f.Kinds&e.Kind == 0 {
		return false
	}
	if !pathutil.Within(e.NodePath(), f.Path, f.Deep) {
		return false
	}
	if len(f.NodeTypes) == 0 {
		return true
	}
	for _, t := range f.NodeTypes {
		if t == primaryType {
			return true
		}
	}
	return false
}

// Listener receives events in delivery order. A store calls HandleEvents
// for one registration from a single goroutine, never concurrently.
type Listener interface {
	HandleEvents(ctx context.Context, events []Event)
}

// ListenerFunc adapts a function into a Listener.
type ListenerFunc func(ctx context.Context, events []Event)

func (f ListenerFunc) HandleEvents(ctx context.Context, events []Event) { f(ctx, events) }

// Handle identifies a listener registration.
type Handle interface {
	ID() string
}

// FailingHandle is implemented by handles whose delivery can end without an
// Unsubscribe, for example when the connection carrying notifications dies.
// Failed is closed at that point and Err reports the cause.
type FailingHandle interface {
	Handle
	Failed() <-chan struct{}
	Err() error
}
