package memstore

import (
	"context"
	"maps"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/pathutil"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// session stages mutations in view, a private clone of the tree taken on
// the first write since the last commit.
type session struct {
	store    *Store
	identity string
	closed   bool

	view *entry
	ops  []op

	regs []*registration
}

var (
	_ contentrepo.Session    = (*session)(nil)
	_ contentrepo.NodeWriter = (*session)(nil)
)

func (s *session) Identity() string { return s.identity }

// read runs fn against the session view, or the live tree under lock when
// nothing is staged.
func (s *session) read(fn func(root *entry) error) error {
	if s.closed {
		return contentrepo.ErrClosed
	}
	if s.view != nil {
		return fn(s.view)
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return fn(s.store.root)
}

func (s *session) stage(o op) error {
	if s.closed {
		return contentrepo.ErrClosed
	}
	if s.view == nil {
		s.store.mu.Lock()
		s.view = s.store.root.clone()
		s.store.mu.Unlock()
	}
	if _, err := o.apply(s.view, s.identity); err != nil {
		return err
	}
	s.ops = append(s.ops, o)
	return nil
}

func (s *session) Resolve(ctx context.Context, p string) (contentrepo.Node, error) {
	if err := pathutil.Validate(p); err != nil {
		return contentrepo.Node{}, xerrors.Mark(err, contentrepo.ErrNotFound)
	}
	var n contentrepo.Node
	err := s.read(func(root *entry) error {
		e := lookup(root, p)
		if e == nil {
			return xerrors.Mark(xerrors.Newf("no node at %s", p), contentrepo.ErrNotFound)
		}
		n = e.snapshot(p)
		return nil
	})
	return n, err
}

func (s *session) Children(ctx context.Context, p string) ([]contentrepo.Node, error) {
	if err := pathutil.Validate(p); err != nil {
		return nil, xerrors.Mark(err, contentrepo.ErrNotFound)
	}
	var out []contentrepo.Node
	err := s.read(func(root *entry) error {
		e := lookup(root, p)
		if e == nil {
			return xerrors.Mark(xerrors.Newf("no node at %s", p), contentrepo.ErrNotFound)
		}
		out = make([]contentrepo.Node, 0, len(e.children))
		for _, c := range e.children {
			out = append(out, c.snapshot(pathutil.Join(p, c.name)))
		}
		return nil
	})
	return out, err
}

func (s *session) RemoveChild(ctx context.Context, parentPath, name string) error {
	if err := s.stage(removeOp{parent: parentPath, name: name}); err != nil {
		return xerrors.Wrapf(err, "remove %s", pathutil.Join(parentPath, name))
	}
	return nil
}

func (s *session) CopySubtreeInto(ctx context.Context, srcPath, destParentPath string) error {
	if pathutil.Within(destParentPath, srcPath, true) {
		return xerrors.Newf("cannot copy %s into its own subtree %s", srcPath, destParentPath)
	}
	var src *entry
	err := s.read(func(root *entry) error {
		e := lookup(root, srcPath)
		if e == nil {
			return contentrepo.ErrNotFound
		}
		src = e.clone()
		return nil
	})
	if err != nil {
		return xerrors.Wrapf(err, "copy source %s", srcPath)
	}
	if err := s.stage(insertOp{parent: destParentPath, node: src}); err != nil {
		return xerrors.Wrapf(err, "copy %s into %s", srcPath, destParentPath)
	}
	return nil
}

func (s *session) SetProperty(ctx context.Context, p, name string, value any) error {
	if err := s.stage(setPropOp{path: p, name: name, value: value}); err != nil {
		return xerrors.Wrapf(err, "set property %s", pathutil.Join(p, name))
	}
	return nil
}

// AddNode stages a new child node.
func (s *session) AddNode(ctx context.Context, parentPath, name, primaryType string, props map[string]any) error {
	if name == "" || pathutil.HasDotSegments(name) {
		return xerrors.Newf("invalid node name %q", name)
	}
	if primaryType == "" {
		primaryType = contentrepo.DefaultPrimaryType
	}
	props = maps.Clone(props)
	rt, _ := props[contentrepo.ResourceTypeProperty].(string)
	delete(props, contentrepo.ResourceTypeProperty)
	if props == nil {
		props = map[string]any{}
	}
	n := &entry{name: name, primaryType: primaryType, resourceType: rt, props: props}
	if err := s.stage(insertOp{parent: parentPath, node: n}); err != nil {
		return xerrors.Wrapf(err, "add node %s", pathutil.Join(parentPath, name))
	}
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.closed {
		return contentrepo.ErrClosed
	}
	ops := s.ops
	s.ops, s.view = nil, nil
	if len(ops) == 0 {
		return nil
	}
	return s.store.commit(ops, s.identity)
}

func (s *session) Subscribe(ctx context.Context, l contentrepo.Listener, f contentrepo.EventFilter) (contentrepo.Handle, error) {
	if s.closed {
		return nil, contentrepo.ErrClosed
	}
	if l == nil {
		return nil, xerrors.New("nil listener")
	}
	if f.Kinds == 0 {
		return nil, xerrors.New("event filter selects no event kinds")
	}
	if err := pathutil.Validate(f.Path); err != nil {
		return nil, xerrors.Wrap(err, "event filter path")
	}
	r := s.store.register(ctx, s, l, f)
	s.regs = append(s.regs, r)
	return r, nil
}

// Unsubscribe must not be called from within the listener being removed.
func (s *session) Unsubscribe(ctx context.Context, h contentrepo.Handle) error {
	r, ok := h.(*registration)
	if !ok || r.store != s.store {
		return xerrors.Newf("unknown listener handle %v", h)
	}
	s.store.unregister(r)
	for i, x := range s.regs {
		if x == r {
			s.regs = append(s.regs[:i], s.regs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	for _, r := range s.regs {
		s.store.unregister(r)
	}
	s.regs = nil
	s.ops, s.view = nil, nil
	s.closed = true
	return nil
}
