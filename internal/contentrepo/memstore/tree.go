package memstore

import (
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/pathutil"
)

// entry is one node of the in-memory tree. children keeps insertion order.
type entry struct {
	name         string
	primaryType  string
	resourceType string
	props        map[string]any
	children     []*entry
}

func newRoot() *entry {
	return &entry{primaryType: "rep:root", props: map[string]any{}}
}

func (e *entry) clone() *entry {
	cp := &entry{
		name:         e.name,
		primaryType:  e.primaryType,
		resourceType: e.resourceType,
		props:        maps.Clone(e.props),
		children:     make([]*entry, len(e.children)),
	}
	for i, c := range e.children {
		cp.children[i] = c.clone()
	}
	return cp
}

func (e *entry) child(name string) (*entry, int) {
	for i, c := range e.children {
		if c.name == name {
			return c, i
		}
	}
	return nil, -1
}

// lookup walks from root; root itself is "/".
func lookup(root *entry, p string) *entry {
	if p == pathutil.Root {
		return root
	}
	cur := root
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		next, _ := cur.child(seg)
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

func (e *entry) snapshot(p string) contentrepo.Node {
	return contentrepo.Node{
		Path:         p,
		Name:         e.name,
		PrimaryType:  e.primaryType,
		ResourceType: e.resourceType,
		Properties:   maps.Clone(e.props),
	}
}

// typedEvent carries the primary type of the node an event concerns, needed
// to evaluate filters after the node may already be gone.
type typedEvent struct {
	ev          contentrepo.Event
	primaryType string
}

// op is a staged mutation. Ops are applied to the session view immediately
// and replayed against the live tree on commit.
type op interface {
	apply(root *entry, identity string) ([]typedEvent, error)
}

type removeOp struct {
	parent, name string
}

func (o removeOp) apply(root *entry, identity string) ([]typedEvent, error) {
	parent := lookup(root, o.parent)
	if parent == nil {
		return nil, contentrepo.ErrNotFound
	}
	c, i := parent.child(o.name)
	if c == nil {
		return nil, contentrepo.ErrNotFound
	}
	parent.children = append(parent.children[:i], parent.children[i+1:]...)
	p := pathutil.Join(o.parent, o.name)
	return []typedEvent{{contentrepo.NewEvent(contentrepo.NodeRemoved, p, identity), c.primaryType}}, nil
}

type insertOp struct {
	parent string
	node   *entry
}

func (o insertOp) apply(root *entry, identity string) ([]typedEvent, error) {
	parent := lookup(root, o.parent)
	if parent == nil {
		return nil, contentrepo.ErrNotFound
	}
	if c, _ := parent.child(o.node.name); c != nil {
		return nil, contentrepo.ErrItemExists
	}
	n := o.node.clone()
	parent.children = append(parent.children, n)
	return addedEvents(n, pathutil.Join(o.parent, n.name), identity), nil
}

func addedEvents(e *entry, p, identity string) []typedEvent {
	out := []typedEvent{{contentrepo.NewEvent(contentrepo.NodeAdded, p, identity), e.primaryType}}
	for _, k := range slices.Sorted(maps.Keys(e.props)) {
		out = append(out, typedEvent{contentrepo.NewEvent(contentrepo.PropertyAdded, pathutil.Join(p, k), identity), e.primaryType})
	}
	for _, c := range e.children {
		out = append(out, addedEvents(c, pathutil.Join(p, c.name), identity)...)
	}
	return out
}

type setPropOp struct {
	path, name string
	value      any
}

func (o setPropOp) apply(root *entry, identity string) ([]typedEvent, error) {
	n := lookup(root, o.path)
	if n == nil {
		return nil, contentrepo.ErrNotFound
	}
	old, had := n.props[o.name]
	p := pathutil.Join(o.path, o.name)
	switch {
	case o.value == nil && !had:
		return nil, nil
	case o.value == nil:
		delete(n.props, o.name)
		return []typedEvent{{contentrepo.NewEvent(contentrepo.PropertyRemoved, p, identity), n.primaryType}}, nil
	case had && reflect.DeepEqual(old, o.value):
		// unchanged value, no event
		return nil, nil
	case had:
		n.props[o.name] = o.value
		return []typedEvent{{contentrepo.NewEvent(contentrepo.PropertyChanged, p, identity), n.primaryType}}, nil
	default:
		if n.props == nil {
			n.props = map[string]any{}
		}
		n.props[o.name] = o.value
		return []typedEvent{{contentrepo.NewEvent(contentrepo.PropertyAdded, p, identity), n.primaryType}}, nil
	}
}
