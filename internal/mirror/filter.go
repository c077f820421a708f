package mirror

import (
	"strings"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// MatchMode selects how a node's type tag is compared with the marker.
type MatchMode string

const (
	// MatchContains accepts any type tag containing the marker, which also
	// admits composite subtype strings.
	MatchContains MatchMode = "contains"
	MatchPrefix   MatchMode = "prefix"
	MatchExact    MatchMode = "exact"
)

func ParseMatchMode(s string) (MatchMode, error) {
	switch m := MatchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case MatchContains, MatchPrefix, MatchExact:
		return m, nil
	case "":
		return MatchContains, nil
	}
	return "", xerrors.Newf("unknown match mode %q (want contains, prefix or exact)", s)
}

// Match reports whether typeTag satisfies marker under m. An unknown mode
// behaves like MatchContains.
func (m MatchMode) Match(typeTag, marker string) bool {
	switch m {
	case MatchExact:
		return typeTag == marker
	case MatchPrefix:
		return strings.HasPrefix(typeTag, marker)
	default:
		return strings.Contains(typeTag, marker)
	}
}

// ChangeFilter decides whether a resolved node is an editable component.
type ChangeFilter struct {
	mode   MatchMode
	marker string
}

func NewChangeFilter(mode MatchMode, marker string) ChangeFilter {
	return ChangeFilter{mode: mode, marker: marker}
}

// Relevant reports whether n's type tag matches the marker. An empty marker
// never matches.
func (f ChangeFilter) Relevant(n contentrepo.Node) bool {
	if f.marker == "" {
		return false
	}
	return f.mode.Match(n.Type(), f.marker)
}
