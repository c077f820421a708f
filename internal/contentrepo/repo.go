package contentrepo

import "context"

// IdentityProvider hands out sessions bound to a service identity.
type IdentityProvider interface {
	Acquire(ctx context.Context, identity string) (Session, error)
}

// Session is a privileged connection to the store. Mutations are staged
// and become visible to other sessions, and produce events, on Commit.
// Reads through the session see its own staged mutations.
//
// A Session is not safe for concurrent use.
type Session interface {
	Identity() string

	Resolve(ctx context.Context, path string) (Node, error)
	Children(ctx context.Context, path string) ([]Node, error)

	RemoveChild(ctx context.Context, parentPath, name string) error
	// CopySubtreeInto deep-copies the node at srcPath, with its descendants
	// and node types but without history, as a new child of destParentPath
	// keeping its name.
	CopySubtreeInto(ctx context.Context, srcPath, destParentPath string) error
	SetProperty(ctx context.Context, path, name string, value any) error

	Commit(ctx context.Context) error

	Subscribe(ctx context.Context, l Listener, f EventFilter) (Handle, error)
	Unsubscribe(ctx context.Context, h Handle) error

	// Close discards uncommitted mutations, removes the session's listener
	// registrations and releases the identity. Close is idempotent.
	Close() error
}

// NodeWriter is implemented by sessions that can create nodes. The mirror
// engine never creates nodes directly; seeding and the operator CLI do.
type NodeWriter interface {
	AddNode(ctx context.Context, parentPath, name, primaryType string, props map[string]any) error
}
