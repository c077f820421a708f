package version_test

import (
	"strings"
	"testing"

	v "github.com/keithlinneman/fragmentsync/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	v.VCSDirty = nil
	info := v.Get()
	if info.VCSDirty != nil {
		t.Fatalf("VCSDirty = %v, want nil", info.VCSDirty)
	}

	trueVal := true
	v.VCSDirty = &trueVal
	info = v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != true {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}

	falseVal := false
	v.VCSDirty = &falseVal
	info = v.Get()
	if info.VCSDirty == nil || *info.VCSDirty != false {
		t.Fatalf("VCSDirty = %v, want false", info.VCSDirty)
	}
	v.VCSDirty = nil
}

func TestInfoString(t *testing.T) {
	info := v.Info{Version: "1.2.3", Commit: "abc123", GoVersion: "go1.24"}
	got := info.String()
	for _, want := range []string{v.AppName, "1.2.3", "abc123", "go1.24"} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %q, missing %q", got, want)
		}
	}

	dirty := true
	info.VCSDirty = &dirty
	if !strings.Contains(info.String(), "dirty") {
		t.Errorf("String() = %q, want dirty marker", info.String())
	}
}
