package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// Store is safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger

	// nil allows any identity
	identities map[string]bool
	setRole    bool
}

type Option func(*Store)

// WithIdentities restricts Acquire to the given service identities.
func WithIdentities(ids ...string) Option {
	return func(s *Store) {
		s.identities = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.identities[id] = true
		}
	}
}

// WithRoleSwitch makes every session transaction run SET LOCAL ROLE to
// the session identity, so database grants decide what it may touch.
func WithRoleSwitch() Option {
	return func(s *Store) { s.setRole = true }
}

func WithLogger(l log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps an existing pool. The caller keeps ownership of the pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: log.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect opens a pool for dsn and verifies it. Close releases it.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "pgstore: open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(err, "pgstore: ping")
	}
	return New(pool, opts...), nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var _ contentrepo.IdentityProvider = (*Store)(nil)

// Acquire opens a session for identity. The identity is checked against
// the allow-list and, with role switching, against the database by
// opening and rolling back one transaction.
func (s *Store) Acquire(ctx context.Context, identity string) (contentrepo.Session, error) {
	if identity == "" {
		return nil, xerrors.Mark(xerrors.New("empty service identity"), contentrepo.ErrAuthorization)
	}
	if s.identities != nil && !s.identities[identity] {
		return nil, xerrors.Mark(xerrors.Newf("identity %q is not a known service user", identity), contentrepo.ErrAuthorization)
	}
	sess := &session{store: s, identity: identity}
	if s.setRole {
		tx, err := sess.begin(ctx)
		if err != nil {
			return nil, err
		}
		_ = tx.Rollback(ctx)
	}
	return sess, nil
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeInsufficientPriv    = "42501"
	codeInvalidParameter    = "22023"
	codeUndefinedTable      = "42P01"
	codeUndefinedSchema     = "3F000"
)

// classify maps driver errors onto the contentrepo sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if xerrors.Is(err, pgx.ErrNoRows) {
		return xerrors.Mark(err, contentrepo.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if !xerrors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return xerrors.Mark(err, contentrepo.ErrItemExists)
	case codeForeignKeyViolation:
		return xerrors.Mark(err, contentrepo.ErrNotFound)
	case codeInsufficientPriv, codeInvalidParameter:
		// 22023 is what SET ROLE reports for an unknown role
		return xerrors.Mark(err, contentrepo.ErrAuthorization)
	case codeUndefinedTable, codeUndefinedSchema:
		return xerrors.Wrap(err, "schema missing, run `fragmentsyncctl schema`")
	}
	return err
}
