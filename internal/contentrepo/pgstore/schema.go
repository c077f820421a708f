package pgstore

import (
	"context"
	_ "embed"

	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

//go:embed schema.sql
var schemaSQL string

// Channel is the NOTIFY channel the triggers publish on.
const Channel = "fragmentsync_events"

// Schema returns the DDL applied by Install.
func Schema() string { return schemaSQL }

// Install creates or upgrades the schema. It is safe to run repeatedly.
func (s *Store) Install(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return xerrors.Wrap(classify(err), "pgstore: install schema")
	}
	s.logger.Info(ctx, "pgstore schema installed")
	return nil
}
