package pgstore

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/keithlinneman/fragmentsync/internal/contentrepo"
)

func TestDecodeEvent(t *testing.T) {
	id := uuid.New()
	raw := `{"id":"` + id.String() + `","kind":"property_changed","path":"/content/a/refreshComponents",` +
		`"primary_type":"nt:unstructured","identity":"svc","ts":"2026-03-01T10:00:00.123456+01:00"}`

	ev, pt, err := decodeEvent(raw)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if ev.ID != id {
		t.Errorf("ID = %s, want %s", ev.ID, id)
	}
	if ev.Kind != contentrepo.PropertyChanged {
		t.Errorf("Kind = %v, want PropertyChanged", ev.Kind)
	}
	if ev.Path != "/content/a/refreshComponents" || ev.NodePath() != "/content/a" {
		t.Errorf("Path = %q NodePath = %q", ev.Path, ev.NodePath())
	}
	if ev.Identity != "svc" {
		t.Errorf("Identity = %q, want svc", ev.Identity)
	}
	if pt != "nt:unstructured" {
		t.Errorf("primary type = %q", pt)
	}
	want := time.Date(2026, 3, 1, 9, 0, 0, 123456000, time.UTC)
	if !ev.Timestamp.Equal(want) || ev.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, want)
	}
}

func TestDecodeEvent_AllKinds(t *testing.T) {
	for name, kind := range kindsByName {
		ev, _, err := decodeEvent(`{"id":"` + uuid.NewString() + `","kind":"` + name + `","path":"/x"}`)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if ev.Kind != kind {
			t.Errorf("%s decoded as %v", name, ev.Kind)
		}
		if ev.Kind.String() != name {
			t.Errorf("kind %v prints as %q, want %q", ev.Kind, ev.Kind.String(), name)
		}
	}
}

func TestDecodeEvent_MissingIDGetsOne(t *testing.T) {
	ev, _, err := decodeEvent(`{"kind":"node_added","path":"/x"}`)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if ev.ID == uuid.Nil {
		t.Fatal("event without id kept the nil uuid")
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "property_changed /x"},
		{"unknown kind", `{"kind":"node_moved","path":"/x"}`},
		{"bad id", `{"id":"nope","kind":"node_added","path":"/x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := decodeEvent(tt.raw); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	pg := func(code string) error { return &pgconn.PgError{Code: code, Message: "boom"} }
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, contentrepo.ErrNotFound},
		{"unique", pg(codeUniqueViolation), contentrepo.ErrItemExists},
		{"missing parent", pg(codeForeignKeyViolation), contentrepo.ErrNotFound},
		{"privilege", pg(codeInsufficientPriv), contentrepo.ErrAuthorization},
		{"unknown role", pg(codeInvalidParameter), contentrepo.ErrAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("classify = %v, want %v", got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("classify lost the driver error: %v", got)
			}
		})
	}
}

func TestClassify_Passthrough(t *testing.T) {
	if classify(nil) != nil {
		t.Fatal("classify(nil) != nil")
	}
	plain := errors.New("network down")
	if got := classify(plain); got != plain {
		t.Fatalf("classify(plain) = %v", got)
	}
	missing := classify(&pgconn.PgError{Code: codeUndefinedTable})
	if !strings.Contains(missing.Error(), "fragmentsyncctl schema") {
		t.Fatalf("undefined table error = %q, want a hint", missing)
	}
}

func TestSchema(t *testing.T) {
	s := Schema()
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS fragmentsync.nodes",
		"pg_notify('" + Channel + "'",
		"WHEN (OLD.props IS DISTINCT FROM NEW.props)",
		"ON DELETE CASCADE",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("schema lacks %q", want)
		}
	}
}
