// Package backend opens the content store selected by configuration and
// hands the daemon and the operator CLI the same IdentityProvider.
package backend

import (
	"context"
	"time"

	"github.com/keithlinneman/fragmentsync/internal/cfg"
	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/contentrepo/memstore"
	"github.com/keithlinneman/fragmentsync/internal/contentrepo/pgstore"
	"github.com/keithlinneman/fragmentsync/internal/health"
	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/secrets"
	"github.com/keithlinneman/fragmentsync/internal/seed"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

const pingTimeout = 2 * time.Second

type Options struct {
	Config cfg.App
	Logger log.Logger

	// Secrets resolves -postgres-dsn-param. Required only when that flag
	// is the DSN source.
	Secrets secrets.Getter
}

// Backend is an opened content store.
type Backend struct {
	Kind       string
	Identities contentrepo.IdentityProvider

	// Memory is set for the memory backend, Postgres for the postgres one.
	Memory   *memstore.Store
	Postgres *pgstore.Store

	// Ready reports store reachability for the readiness probe.
	Ready health.Probe
}

// Open connects the configured store. With -install-schema the postgres
// schema is installed before Open returns.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	c := opts.Config
	ids := c.IdentityList()

	switch c.StoreBackend {
	case cfg.BackendMemory, "":
		s := memstore.New(memstore.WithIdentities(ids...), memstore.WithLogger(L))
		L.Info(ctx, "opened in-memory content store", "identities", len(ids))
		return &Backend{
			Kind:       cfg.BackendMemory,
			Identities: s,
			Memory:     s,
			Ready:      health.Fixed(true, ""),
		}, nil

	case cfg.BackendPostgres:
		dsn, err := secrets.Resolve(ctx, c.PostgresDSN, c.PostgresDSNParam, opts.Secrets)
		if err != nil {
			return nil, xerrors.Wrap(err, "resolve postgres dsn")
		}
		if dsn == "" {
			return nil, xerrors.New("postgres backend needs -postgres-dsn or -postgres-dsn-param")
		}
		pgOpts := []pgstore.Option{pgstore.WithIdentities(ids...), pgstore.WithLogger(L)}
		if c.PostgresRoleSwitch {
			pgOpts = append(pgOpts, pgstore.WithRoleSwitch())
		}
		s, err := pgstore.Connect(ctx, dsn, pgOpts...)
		if err != nil {
			return nil, err
		}
		if c.InstallSchema {
			if err := s.Install(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		L.Info(ctx, "opened postgres content store",
			"identities", len(ids),
			"role_switch", c.PostgresRoleSwitch,
			"dsn_from_ssm", c.PostgresDSN == "",
		)
		return &Backend{
			Kind:       cfg.BackendPostgres,
			Identities: s,
			Postgres:   s,
			Ready: health.WithTimeout(health.CheckFunc(func(ctx context.Context) error {
				if err := s.Ping(ctx); err != nil {
					return xerrors.Wrap(err, "postgres unreachable")
				}
				return nil
			}), pingTimeout),
		}, nil
	}
	return nil, xerrors.Newf("unknown store backend %q", c.StoreBackend)
}

// Close releases the store.
func (b *Backend) Close() {
	if b.Postgres != nil {
		b.Postgres.Close()
	}
}

// Seed loads the document at ref (a path or s3:// URI) and imports it as
// identity in one commit.
func (b *Backend) Seed(ctx context.Context, loader *seed.Loader, ref, identity string, L log.Logger) (seed.Stats, error) {
	doc, err := loader.Load(ctx, ref)
	if err != nil {
		return seed.Stats{}, err
	}
	st, err := seed.Seed(ctx, b.Identities, identity, doc, L)
	if err != nil {
		return st, xerrors.Wrapf(err, "seed %s", ref)
	}
	return st, nil
}
