package seed

import (
	"maps"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/pathutil"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

type Document struct {
	Nodes []Node `yaml:"nodes"`
}

// Node is one node of a seed tree. Path is used for top-level nodes, Name
// for nested ones.
type Node struct {
	Path         string         `yaml:"path"`
	Name         string         `yaml:"name"`
	PrimaryType  string         `yaml:"primaryType"`
	ResourceType string         `yaml:"resourceType"`
	Properties   map[string]any `yaml:"properties"`
	Children     []Node         `yaml:"children"`
}

// props merges the resource type into the property map the way
// contentrepo.NodeWriter expects it.
func (n Node) props() map[string]any {
	out := maps.Clone(n.Properties)
	if out == nil {
		out = map[string]any{}
	}
	if n.ResourceType != "" {
		out[contentrepo.ResourceTypeProperty] = n.ResourceType
	}
	return out
}

// Parse decodes and validates a seed document.
func Parse(b []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, xerrors.Wrap(err, "decode seed document")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate reports every malformed node at once.
func (d *Document) Validate() error {
	var errs []error
	for i, n := range d.Nodes {
		switch {
		case n.Path == "":
			errs = append(errs, xerrors.Newf("nodes[%d]: path is required", i))
		case n.Path == pathutil.Root:
			errs = append(errs, xerrors.Newf("nodes[%d]: the root cannot be seeded", i))
		default:
			if err := pathutil.Validate(n.Path); err != nil {
				errs = append(errs, xerrors.Wrapf(err, "nodes[%d]", i))
			}
		}
		errs = append(errs, validateChildren(n.Path, n.Children)...)
	}
	return xerrors.Join(errs...)
}

func validateChildren(parent string, kids []Node) []error {
	var errs []error
	seen := make(map[string]bool, len(kids))
	for i, c := range kids {
		at := parent + ".children[" + strconv.Itoa(i) + "]"
		switch {
		case c.Name == "":
			errs = append(errs, xerrors.Newf("%s: name is required", at))
			continue
		case strings.Contains(c.Name, "/") || pathutil.HasDotSegments(c.Name):
			errs = append(errs, xerrors.Newf("%s: invalid name %q", at, c.Name))
			continue
		case seen[c.Name]:
			errs = append(errs, xerrors.Newf("%s: duplicate name %q", at, c.Name))
			continue
		}
		seen[c.Name] = true
		errs = append(errs, validateChildren(pathutil.Join(parent, c.Name), c.Children)...)
	}
	return errs
}
