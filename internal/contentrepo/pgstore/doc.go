// Package pgstore is a PostgreSQL content store.
//
// Nodes live in one table keyed by path. A session runs its work in a
// transaction opened on first use, switching to the session identity's
// role when configured, and Commit ends it. Row triggers turn committed
// changes into NOTIFY payloads which a dedicated LISTEN connection per
// registration decodes, filters and delivers in commit order.
//
// The schema (schema.sql) is installed with [Store.Install].
package pgstore
