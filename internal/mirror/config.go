package mirror

import (
	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/pathutil"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

const (
	DefaultContentRoot     = "/content"
	DefaultSupertypeMarker = "editable-components/components/editablecomponent"
	DefaultServiceIdentity = "editable-components-service-user"
	DefaultOriginSuffix    = "/jcr:content/root"
	DefaultRootNodeType    = contentrepo.DefaultPrimaryType

	// FragmentPathProperty names the template fragment a component mirrors.
	FragmentPathProperty = "fragmentVariationPath"
	// RefreshProperty is the operator's force signal; the handler clears it.
	RefreshProperty = "refreshComponents"
)

// Config holds the settings shared by the subscription, handler and engine.
type Config struct {
	ContentRoot     string
	SupertypeMarker string
	MatchMode       MatchMode
	ServiceIdentity string
	RootNodeType    string
	// OriginSuffix is appended verbatim to the fragment path.
	OriginSuffix string
}

func DefaultConfig() Config {
	return Config{
		ContentRoot:     DefaultContentRoot,
		SupertypeMarker: DefaultSupertypeMarker,
		MatchMode:       MatchContains,
		ServiceIdentity: DefaultServiceIdentity,
		RootNodeType:    DefaultRootNodeType,
		OriginSuffix:    DefaultOriginSuffix,
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if err := pathutil.Validate(c.ContentRoot); err != nil {
		errs = append(errs, xerrors.Wrap(err, "content root"))
	}
	if c.SupertypeMarker == "" {
		errs = append(errs, xerrors.New("supertype marker is required"))
	}
	if _, err := ParseMatchMode(string(c.MatchMode)); err != nil {
		errs = append(errs, err)
	}
	if c.ServiceIdentity == "" {
		errs = append(errs, xerrors.New("service identity is required"))
	}
	if c.RootNodeType == "" {
		errs = append(errs, xerrors.New("root node type is required"))
	}
	return xerrors.Join(errs...)
}

// EventFilter is the registration used for the change subscription:
// property changes anywhere below the content root on nodes of the root
// node type.
func (c Config) EventFilter() contentrepo.EventFilter {
	return contentrepo.EventFilter{
		Kinds:     contentrepo.PropertyChanged,
		Path:      c.ContentRoot,
		Deep:      true,
		NodeTypes: []string{c.RootNodeType},
	}
}

// OriginPath returns where the template children of fragmentPath live.
func (c Config) OriginPath(fragmentPath string) string {
	return fragmentPath + c.OriginSuffix
}
