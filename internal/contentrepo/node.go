package contentrepo

import (
	"maps"
	"strconv"
)

const (
	// DefaultPrimaryType is the node type assigned when none is given.
	DefaultPrimaryType = "nt:unstructured"

	// ResourceTypeProperty, when passed in a property map to
	// NodeWriter.AddNode, sets the node's resource type.
	ResourceTypeProperty = "sling:resourceType"
)

// Node is a read-only snapshot of a content node. Children are enumerated
// through [Session.Children]; a Node never carries them.
type Node struct {
	Path         string
	Name         string
	PrimaryType  string
	ResourceType string
	Properties   map[string]any
}

// Type returns the node's type tag: the resource type when set, the primary
// type otherwise.
func (n Node) Type() string {
	if n.ResourceType != "" {
		return n.ResourceType
	}
	return n.PrimaryType
}

// String returns a string property or def when missing or not a string.
func (n Node) String(name, def string) string {
	v, ok := n.Properties[name]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Bool returns a boolean property or def. String values "true"/"false" are
// accepted since some stores persist untyped values.
func (n Node) Bool(name string, def bool) bool {
	switch v := n.Properties[name].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// Clone returns a copy whose property map can be modified freely.
func (n Node) Clone() Node {
	n.Properties = maps.Clone(n.Properties)
	return n
}
