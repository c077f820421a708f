package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// treeNode is one node of a dumped subtree.
type treeNode struct {
	Name       string         `json:"name"`
	Path       string         `json:"path"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Children   []treeNode     `json:"children,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
}

func treeCmd(a *app) *cobra.Command {
	var depth int

	c := &cobra.Command{
		Use:         "tree <path>",
		Short:       "Print the subtree rooted at path",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{needsStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if depth < 0 {
				return xerrors.Newf("--depth must be >= 0 (got %d)", depth)
			}
			ctx := cmd.Context()
			sess, err := a.store.Identities.Acquire(ctx, a.as)
			if err != nil {
				return err
			}
			defer sess.Close()

			root, err := sess.Resolve(ctx, args[0])
			if err != nil {
				return xerrors.Wrapf(err, "resolve %s", args[0])
			}
			limit := depth
			if limit == 0 {
				limit = -1
			}
			tree, err := walk(ctx, sess, root, limit)
			if err != nil {
				return err
			}
			return a.emit(tree, func(w io.Writer) error { return printTree(w, tree, 0) })
		},
	}

	c.Flags().IntVar(&depth, "depth", 0, "Levels below path to print (0 = unlimited)")
	return c
}

// walk collects n and its descendants down to limit levels below n. A
// negative limit walks everything.
func walk(ctx context.Context, sess contentrepo.Session, n contentrepo.Node, limit int) (treeNode, error) {
	out := treeNode{
		Name:       n.Name,
		Path:       n.Path,
		Type:       n.Type(),
		Properties: n.Properties,
	}
	kids, err := sess.Children(ctx, n.Path)
	if err != nil {
		return out, xerrors.Wrapf(err, "children of %s", n.Path)
	}
	if limit == 0 {
		out.Truncated = len(kids) > 0
		return out, nil
	}
	for _, k := range kids {
		child, err := walk(ctx, sess, k, limit-1)
		if err != nil {
			return out, err
		}
		out.Children = append(out.Children, child)
	}
	return out, nil
}

func printTree(w io.Writer, n treeNode, indent int) error {
	name := n.Name
	if name == "" {
		name = "/"
	}
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", indent))
	b.WriteString(name)
	fmt.Fprintf(&b, " [%s]", n.Type)
	for _, k := range slices.Sorted(maps.Keys(n.Properties)) {
		fmt.Fprintf(&b, " %s=%v", k, n.Properties[k])
	}
	if n.Truncated {
		b.WriteString(" ...")
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := printTree(w, c, indent+1); err != nil {
			return err
		}
	}
	return nil
}
