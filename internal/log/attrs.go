package log

// Attribute keys shared by the sync daemon's records.
const (
	KeyEventID     = "event_id"
	KeyEventKind   = "event_kind"
	KeyPath        = "path"
	KeyNode        = "node"
	KeyOrigin      = "origin"
	KeyDestination = "destination"
	KeyForce       = "force"
	KeyIdentity    = "identity"
)

// Event identifies one content change notification.
func Event(id, kind, path string) []any {
	return []any{KeyEventID, id, KeyEventKind, kind, KeyPath, path}
}

// Node names the content node a record is about.
func Node(path string) []any {
	return []any{KeyNode, path}
}

// Copy describes one mirror of origin's children into destination.
func Copy(origin, destination string, force bool) []any {
	return []any{KeyOrigin, origin, KeyDestination, destination, KeyForce, force}
}
