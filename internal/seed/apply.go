package seed

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/pathutil"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

type Stats struct {
	// Created counts new nodes, including missing ancestors.
	Created int
	// Updated counts existing nodes whose properties were written.
	Updated int
}

// Apply stages doc into sess without committing. Missing ancestors of
// top-level nodes are created with the default primary type. Existing
// nodes keep their types and get the document's properties written over
// theirs.
func Apply(ctx context.Context, sess contentrepo.Session, doc *Document) (Stats, error) {
	w, ok := sess.(contentrepo.NodeWriter)
	if !ok {
		return Stats{}, xerrors.New("session cannot create nodes")
	}
	a := applier{sess: sess, w: w}
	for _, n := range doc.Nodes {
		parent := pathutil.Parent(n.Path)
		if err := a.ensure(ctx, parent); err != nil {
			return a.st, err
		}
		n.Name = pathutil.Base(n.Path)
		if err := a.node(ctx, parent, n); err != nil {
			return a.st, err
		}
	}
	return a.st, nil
}

type applier struct {
	sess contentrepo.Session
	w    contentrepo.NodeWriter
	st   Stats
}

func (a *applier) ensure(ctx context.Context, p string) error {
	cur := pathutil.Root
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if seg == "" {
			continue
		}
		next := pathutil.Join(cur, seg)
		_, err := a.sess.Resolve(ctx, next)
		switch {
		case xerrors.Is(err, contentrepo.ErrNotFound):
			if err := a.w.AddNode(ctx, cur, seg, "", nil); err != nil {
				return xerrors.Wrapf(err, "create ancestor %s", next)
			}
			a.st.Created++
		case err != nil:
			return xerrors.Wrapf(err, "resolve %s", next)
		}
		cur = next
	}
	return nil
}

func (a *applier) node(ctx context.Context, parent string, n Node) error {
	p := pathutil.Join(parent, n.Name)
	_, err := a.sess.Resolve(ctx, p)
	switch {
	case xerrors.Is(err, contentrepo.ErrNotFound):
		if err := a.w.AddNode(ctx, parent, n.Name, n.PrimaryType, n.props()); err != nil {
			return xerrors.Wrapf(err, "create %s", p)
		}
		a.st.Created++
	case err != nil:
		return xerrors.Wrapf(err, "resolve %s", p)
	default:
		for _, k := range slices.Sorted(maps.Keys(n.Properties)) {
			if err := a.sess.SetProperty(ctx, p, k, n.Properties[k]); err != nil {
				return xerrors.Wrapf(err, "update %s", p)
			}
		}
		if len(n.Properties) > 0 {
			a.st.Updated++
		}
	}
	for _, c := range n.Children {
		if err := a.node(ctx, p, c); err != nil {
			return err
		}
	}
	return nil
}

// Seed applies doc in its own session for identity and commits once.
func Seed(ctx context.Context, ids contentrepo.IdentityProvider, identity string, doc *Document, logger log.Logger) (Stats, error) {
	if logger == nil {
		logger = log.Nop()
	}
	sess, err := ids.Acquire(ctx, identity)
	if err != nil {
		return Stats{}, xerrors.Wrap(err, "acquire seeding session")
	}
	defer sess.Close()

	st, err := Apply(ctx, sess, doc)
	if err != nil {
		return st, err
	}
	if err := sess.Commit(ctx); err != nil {
		return st, xerrors.Wrap(err, "commit seed")
	}
	logger.Info(ctx, "content seeded", "created", st.Created, "updated", st.Updated)
	return st, nil
}
