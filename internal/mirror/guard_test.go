package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
	"github.com/keithlinneman/fragmentsync/internal/ratelimit"
)

func TestParseGuardMode(t *testing.T) {
	tests := []struct {
		in      string
		want    GuardMode
		wantErr bool
	}{
		{"", GuardOff, false},
		{"off", GuardOff, false},
		{"Echo", GuardEcho, false},
		{" rate ", GuardRate, false},
		{"always", "", true},
	}
	for _, tt := range tests {
		got, err := ParseGuardMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseGuardMode(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseGuardMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func ecNode(refresh any) contentrepo.Node {
	props := map[string]any{}
	if refresh != nil {
		props[RefreshProperty] = refresh
	}
	return contentrepo.Node{Path: component, ResourceType: DefaultSupertypeMarker, Properties: props}
}

func TestEchoGuard(t *testing.T) {
	flagEv := propertyChanged(component + "/" + RefreshProperty)
	otherEv := propertyChanged(component + "/jcr:title")

	t.Run("allows everything before a reset", func(t *testing.T) {
		g := NewEchoGuard()
		if !g.Allow(t.Context(), flagEv, ecNode(false)) {
			t.Fatal("flag event denied without a pending reset")
		}
	})

	t.Run("skips the echo once", func(t *testing.T) {
		g := NewEchoGuard()
		g.Cleared(component)
		if g.Allow(t.Context(), flagEv, ecNode(false)) {
			t.Fatal("echo of own reset allowed")
		}
		if !g.Allow(t.Context(), flagEv, ecNode(false)) {
			t.Fatal("second flag event denied")
		}
	})

	t.Run("flag set again before the echo", func(t *testing.T) {
		g := NewEchoGuard()
		g.Cleared(component)
		if !g.Allow(t.Context(), flagEv, ecNode(true)) {
			t.Fatal("operator signal after reset denied")
		}
	})

	t.Run("other properties pass and keep the pending echo", func(t *testing.T) {
		g := NewEchoGuard()
		g.Cleared(component)
		if !g.Allow(t.Context(), otherEv, ecNode(false)) {
			t.Fatal("unrelated property change denied")
		}
		if g.Allow(t.Context(), flagEv, ecNode(false)) {
			t.Fatal("pending echo lost after unrelated event")
		}
	})

	t.Run("pending is per node", func(t *testing.T) {
		g := NewEchoGuard()
		g.Cleared("/content/other")
		if !g.Allow(t.Context(), flagEv, ecNode(false)) {
			t.Fatal("reset on another node suppressed this one")
		}
	})
}

func TestRateGuard(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	g := NewRateGuard(ratelimit.New(ctx, ratelimit.WithRate(0.001, 1), ratelimit.WithTTL(time.Minute)))
	ev := propertyChanged(component + "/jcr:title")

	if !g.Allow(t.Context(), ev, ecNode(nil)) {
		t.Fatal("first sync denied")
	}
	if g.Allow(t.Context(), ev, ecNode(nil)) {
		t.Fatal("second sync within the burst allowed")
	}

	other := ecNode(nil)
	other.Path = "/content/site/other/jcr:content/ec"
	if !g.Allow(t.Context(), ev, other) {
		t.Fatal("separate node shares a bucket")
	}

	// no-op
	g.Cleared(component)
}
