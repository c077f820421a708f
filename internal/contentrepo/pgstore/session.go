package pgstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/pathutil"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// session holds at most one open transaction. Reads and writes share it so
// a session sees its own uncommitted changes.
type session struct {
	store    *Store
	identity string
	closed   bool

	tx   pgx.Tx
	regs []*registration
}

var (
	_ contentrepo.Session    = (*session)(nil)
	_ contentrepo.NodeWriter = (*session)(nil)
)

func (s *session) Identity() string { return s.identity }

// begin opens a transaction bound to the session identity.
func (s *session) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "pgstore: begin")
	}
	if s.store.setRole {
		if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{s.identity}.Sanitize()); err != nil {
			_ = tx.Rollback(ctx)
			return nil, xerrors.Wrapf(classify(err), "pgstore: switch to role %q", s.identity)
		}
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('fragmentsync.identity', $1, true)", s.identity); err != nil {
		_ = tx.Rollback(ctx)
		return nil, xerrors.Wrap(classify(err), "pgstore: tag transaction identity")
	}
	return tx, nil
}

// conn returns the open transaction, starting one when needed.
func (s *session) conn(ctx context.Context) (pgx.Tx, error) {
	if s.closed {
		return nil, contentrepo.ErrClosed
	}
	if s.tx == nil {
		tx, err := s.begin(ctx)
		if err != nil {
			return nil, err
		}
		s.tx = tx
	}
	return s.tx, nil
}

// atomically runs fn in a savepoint of the session transaction. A failing
// statement rolls back to the savepoint and leaves earlier work intact.
func (s *session) atomically(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.conn(ctx)
	if err != nil {
		return err
	}
	sp, err := tx.Begin(ctx)
	if err != nil {
		return xerrors.Wrap(classify(err), "pgstore: savepoint")
	}
	if err := fn(sp); err != nil {
		if rerr := sp.Rollback(ctx); rerr != nil {
			return xerrors.Join(err, xerrors.Wrap(rerr, "pgstore: rollback to savepoint"))
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return xerrors.Wrap(classify(err), "pgstore: release savepoint")
	}
	return nil
}

const nodeColumns = "path, name, primary_type, resource_type, props"

func scanNode(row pgx.Row) (contentrepo.Node, error) {
	var (
		n   contentrepo.Node
		raw []byte
	)
	if err := row.Scan(&n.Path, &n.Name, &n.PrimaryType, &n.ResourceType, &raw); err != nil {
		return contentrepo.Node{}, err
	}
	n.Properties = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &n.Properties); err != nil {
			return contentrepo.Node{}, xerrors.Wrapf(err, "decode properties of %s", n.Path)
		}
	}
	return n, nil
}

func (s *session) Resolve(ctx context.Context, p string) (contentrepo.Node, error) {
	if err := pathutil.Validate(p); err != nil {
		return contentrepo.Node{}, xerrors.Mark(err, contentrepo.ErrNotFound)
	}
	tx, err := s.conn(ctx)
	if err != nil {
		return contentrepo.Node{}, err
	}
	n, err := scanNode(tx.QueryRow(ctx, "SELECT "+nodeColumns+" FROM fragmentsync.nodes WHERE path = $1", p))
	if err != nil {
		return contentrepo.Node{}, xerrors.Wrapf(classify(err), "resolve %s", p)
	}
	return n, nil
}

func (s *session) exists(ctx context.Context, tx pgx.Tx, p string) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM fragmentsync.nodes WHERE path = $1)", p).Scan(&ok)
	return ok, classify(err)
}

func (s *session) Children(ctx context.Context, p string) ([]contentrepo.Node, error) {
	if err := pathutil.Validate(p); err != nil {
		return nil, xerrors.Mark(err, contentrepo.ErrNotFound)
	}
	tx, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	ok, err := s.exists(ctx, tx, p)
	if err != nil {
		return nil, xerrors.Wrapf(err, "children of %s", p)
	}
	if !ok {
		return nil, xerrors.Mark(xerrors.Newf("no node at %s", p), contentrepo.ErrNotFound)
	}

	rows, err := tx.Query(ctx, "SELECT "+nodeColumns+" FROM fragmentsync.nodes WHERE parent_path = $1 ORDER BY id", p)
	if err != nil {
		return nil, xerrors.Wrapf(classify(err), "children of %s", p)
	}
	defer rows.Close()
	out := []contentrepo.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, xerrors.Wrapf(err, "children of %s", p)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrapf(classify(err), "children of %s", p)
	}
	return out, nil
}

// RemoveChild deletes the child and, by cascade, its subtree.
func (s *session) RemoveChild(ctx context.Context, parentPath, name string) error {
	p := pathutil.Join(parentPath, name)
	return s.atomically(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM fragmentsync.nodes WHERE path = $1 AND parent_path = $2", p, parentPath)
		if err != nil {
			return xerrors.Wrapf(classify(err), "remove %s", p)
		}
		if tag.RowsAffected() == 0 {
			return xerrors.Mark(xerrors.Newf("no node at %s", p), contentrepo.ErrNotFound)
		}
		return nil
	})
}

// copySQL rewrites every path of the source subtree from the $1 prefix to
// the $3 prefix; the source root is re-parented under $2. Rows are inserted
// in id order so sibling order is kept.
const copySQL = `
INSERT INTO fragmentsync.nodes (path, parent_path, name, primary_type, resource_type, props)
SELECT $3 || substr(path, length($1) + 1),
       CASE WHEN path = $1 THEN $2 ELSE $3 || substr(parent_path, length($1) + 1) END,
       name, primary_type, resource_type, props
FROM fragmentsync.nodes
WHERE path = $1 OR starts_with(path, $1 || '/')
ORDER BY id`

func (s *session) CopySubtreeInto(ctx context.Context, srcPath, destParentPath string) error {
	if pathutil.Within(destParentPath, srcPath, true) {
		return xerrors.Newf("cannot copy %s into its own subtree %s", srcPath, destParentPath)
	}
	if err := pathutil.Validate(srcPath); err != nil || srcPath == pathutil.Root {
		return xerrors.Mark(xerrors.Newf("invalid copy source %q", srcPath), contentrepo.ErrNotFound)
	}
	target := pathutil.Join(destParentPath, pathutil.Base(srcPath))

	return s.atomically(ctx, func(tx pgx.Tx) error {
		for _, c := range []struct {
			path string
			want bool
			err  error
		}{
			{srcPath, true, contentrepo.ErrNotFound},
			{destParentPath, true, contentrepo.ErrNotFound},
			{target, false, contentrepo.ErrItemExists},
		} {
			ok, err := s.exists(ctx, tx, c.path)
			if err != nil {
				return xerrors.Wrapf(err, "copy %s into %s", srcPath, destParentPath)
			}
			if ok != c.want {
				return xerrors.Mark(xerrors.Newf("copy %s into %s: %s", srcPath, destParentPath, c.path), c.err)
			}
		}

		if _, err := tx.Exec(ctx, copySQL, srcPath, destParentPath, target); err != nil {
			return xerrors.Wrapf(classify(err), "copy %s into %s", srcPath, destParentPath)
		}
		return nil
	})
}

// SetProperty writes one property; a nil value removes it.
func (s *session) SetProperty(ctx context.Context, p, name string, value any) error {
	var (
		q    string
		args []any
	)
	if value == nil {
		q, args = "UPDATE fragmentsync.nodes SET props = props - $2::text WHERE path = $1", []any{p, name}
	} else {
		raw, err := json.Marshal(value)
		if err != nil {
			return xerrors.Wrapf(err, "encode property %s", pathutil.Join(p, name))
		}
		q = "UPDATE fragmentsync.nodes SET props = props || jsonb_build_object($2::text, $3::text::jsonb) WHERE path = $1"
		args = []any{p, name, string(raw)}
	}
	return s.atomically(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return xerrors.Wrapf(classify(err), "set property %s", pathutil.Join(p, name))
		}
		if tag.RowsAffected() == 0 {
			return xerrors.Mark(xerrors.Newf("no node at %s", p), contentrepo.ErrNotFound)
		}
		return nil
	})
}

// AddNode inserts a new child node.
func (s *session) AddNode(ctx context.Context, parentPath, name, primaryType string, props map[string]any) error {
	if name == "" || strings.Contains(name, "/") || pathutil.HasDotSegments(name) {
		return xerrors.Newf("invalid node name %q", name)
	}
	if primaryType == "" {
		primaryType = contentrepo.DefaultPrimaryType
	}
	rest := make(map[string]any, len(props))
	var rt string
	for k, v := range props {
		if k == contentrepo.ResourceTypeProperty {
			rt, _ = v.(string)
			continue
		}
		rest[k] = v
	}
	raw, err := json.Marshal(rest)
	if err != nil {
		return xerrors.Wrapf(err, "encode properties of %s", pathutil.Join(parentPath, name))
	}

	p := pathutil.Join(parentPath, name)
	return s.atomically(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO fragmentsync.nodes (path, parent_path, name, primary_type, resource_type, props) VALUES ($1, $2, $3, $4, $5, $6::text::jsonb)",
			p, parentPath, name, primaryType, rt, string(raw))
		if err != nil {
			return xerrors.Wrapf(classify(err), "add node %s", p)
		}
		return nil
	})
}

func (s *session) Commit(ctx context.Context) error {
	if s.closed {
		return contentrepo.ErrClosed
	}
	tx := s.tx
	s.tx = nil
	if tx == nil {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return xerrors.Wrap(classify(err), "pgstore: commit")
	}
	return nil
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
	r, err := s.store.listen(ctx, s.identity, l, f)
	if err != nil {
		return nil, err
	}
	s.regs = append(s.regs, r)
	return r, nil
}

// Unsubscribe must not be called from within the listener being removed.
func (s *session) Unsubscribe(ctx context.Context, h contentrepo.Handle) error {
	r, ok := h.(*registration)
	if !ok || r.store != s.store {
		return xerrors.Newf("unknown listener handle %v", h)
	}
	r.stop(ctx)
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
	s.closed = true
	ctx := context.Background()
	for _, r := range s.regs {
		r.stop(ctx)
	}
	s.regs = nil
	if s.tx != nil {
		err := s.tx.Rollback(ctx)
		s.tx = nil
		if err != nil && !xerrors.Is(err, pgx.ErrTxClosed) {
			return xerrors.Wrap(err, "pgstore: discard uncommitted changes")
		}
	}
	return nil
}
