// Package contentrepo defines the boundary between the mirror engine and a
// hierarchical, path-addressable content store.
//
// A store adapter implements [IdentityProvider] and hands out [Session]
// values bound to a privileged service identity. A session reads nodes,
// stages mutations until [Session.Commit], and registers [Listener]s for
// change notifications.
//
// Adapters shipped with this module:
//   - memstore: an in-memory tree used by tests and local runs
//   - pgstore: a PostgreSQL-backed tree with LISTEN/NOTIFY delivery
//
// Stores do not emit a change event when a property is written with the
// value it already holds.
package contentrepo
