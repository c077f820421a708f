package mirror

import (
	"strings"
	"testing"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
)

func TestParseMatchMode(t *testing.T) {
	tests := []struct {
		in      string
		want    MatchMode
		wantErr bool
	}{
		{"", MatchContains, false},
		{"contains", MatchContains, false},
		{" Prefix ", MatchPrefix, false},
		{"EXACT", MatchExact, false},
		{"regex", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMatchMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseMatchMode(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseMatchMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchMode_Match(t *testing.T) {
	const marker = "ec/components/editable"
	tests := []struct {
		name string
		mode MatchMode
		tag  string
		want bool
	}{
		{"contains exact", MatchContains, marker, true},
		{"contains composite", MatchContains, "site/" + marker + "/teaser", true},
		{"contains miss", MatchContains, "site/components/text", false},
		{"prefix hit", MatchPrefix, marker + "/teaser", true},
		{"prefix composite miss", MatchPrefix, "site/" + marker, false},
		{"exact hit", MatchExact, marker, true},
		{"exact subtype miss", MatchExact, marker + "/teaser", false},
		{"unknown behaves like contains", MatchMode("fuzzy"), "x/" + marker, true},
		{"case sensitive", MatchContains, "EC/Components/Editable", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mode.Match(tt.tag, marker); got != tt.want {
				t.Fatalf("Match(%q) = %v, want %v", tt.tag, got, tt.want)
			}
		})
	}
}

func TestChangeFilter_Relevant(t *testing.T) {
	ec := contentrepo.Node{Path: component, ResourceType: DefaultSupertypeMarker, PrimaryType: DefaultRootNodeType}
	plain := contentrepo.Node{Path: component, PrimaryType: DefaultRootNodeType}

	f := NewChangeFilter(MatchContains, DefaultSupertypeMarker)
	if !f.Relevant(ec) {
		t.Error("editable component should be relevant")
	}
	if f.Relevant(plain) {
		t.Error("node without a resource type should not be relevant")
	}

	if NewChangeFilter(MatchContains, "").Relevant(ec) {
		t.Error("empty marker should never match")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := Config{ContentRoot: "content", MatchMode: "regex"}
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"content root", "supertype marker", "match mode", "service identity", "root node type"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfig_EventFilter(t *testing.T) {
	f := DefaultConfig().EventFilter()
	if f.Kinds != contentrepo.PropertyChanged {
		t.Errorf("Kinds = %v, want PropertyChanged", f.Kinds)
	}
	if f.Path != DefaultContentRoot || !f.Deep {
		t.Errorf("Path = %q Deep = %v, want %q deep", f.Path, f.Deep, DefaultContentRoot)
	}
	if len(f.NodeTypes) != 1 || f.NodeTypes[0] != DefaultRootNodeType {
		t.Errorf("NodeTypes = %v, want [%s]", f.NodeTypes, DefaultRootNodeType)
	}

	in := contentrepo.NewEvent(contentrepo.PropertyChanged, component+"/"+RefreshProperty, "author")
	if !f.Matches(in, DefaultRootNodeType) {
		t.Error("property change below the root should match")
	}
	out := contentrepo.NewEvent(contentrepo.PropertyChanged, "/apps/ec/"+RefreshProperty, "author")
	if f.Matches(out, DefaultRootNodeType) {
		t.Error("property change outside the root should not match")
	}
}

func TestConfig_OriginPath(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.OriginPath(fragment); got != origin {
		t.Fatalf("OriginPath = %q, want %q", got, origin)
	}
	if got := cfg.OriginPath(""); got != DefaultOriginSuffix {
		t.Fatalf("OriginPath(\"\") = %q, want %q", got, DefaultOriginSuffix)
	}
}
