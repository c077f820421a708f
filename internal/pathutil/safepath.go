// Package pathutil handles absolute, slash-separated content paths such as
// /content/site/en/jcr:content/card.
package pathutil

import (
	"strings"

	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// Root is the path of the tree root.
const Root = "/"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Validate rejects paths that are relative, contain empty or dot segments,
// or end in a slash (other than the root itself).
func Validate(p string) error {
	if !strings.HasPrefix(p, "/") {
		return xerrors.Newf("content path %q is not absolute", p)
	}
	if p == Root {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return xerrors.Newf("content path %q has a trailing slash", p)
	}
	if strings.Contains(p, "//") {
		return xerrors.Newf("content path %q has an empty segment", p)
	}
	if HasDotSegments(p) {
		return xerrors.Newf("content path %q has dot segments", p)
	}
	return nil
}

// Parent drops the final segment: Parent("/a/b/c") == "/a/b".
// Parent of a top-level path or the root is the root.
func Parent(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Base returns the final segment, or "" for the root.
func Base(p string) string {
	if p == Root {
		return ""
	}
	return p[strings.LastIndex(p, "/")+1:]
}

// Join appends name segments to an absolute path.
func Join(p string, names ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(p, "/"))
	for _, n := range names {
		n = strings.Trim(n, "/")
		if n == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(n)
	}
	if b.Len() == 0 {
		return Root
	}
	return b.String()
}

// Within reports whether p is scope or below it. With deep=false only scope
// itself and its direct children count.
func Within(p, scope string, deep bool) bool {
	if scope == Root {
		if deep {
			return strings.HasPrefix(p, "/")
		}
		return p == Root || Parent(p) == Root
	}
	if p == scope {
		return true
	}
	if !strings.HasPrefix(p, scope+"/") {
		return false
	}
	return deep || Parent(p) == scope
}
