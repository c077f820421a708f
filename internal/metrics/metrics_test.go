package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/fragmentsync/internal/version"
)

// New

func TestNew_ReturnsNonNil(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
}

func TestNew_GoCollectorPresent(t *testing.T) {
	m := New()

	families, err := m.reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	if !names["go_goroutines"] {
		t.Fatal("go_goroutines metric missing - Go collector not registered")
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	m1 := New()
	m2 := New()

	m1.IncGuardSkip()
	m1.IncGuardSkip()

	if got := counterValue(t, m1.reg, "fragmentsync_loop_guard_skips_total"); got != 2 {
		t.Fatalf("m1 guard skips = %f, want 2", got)
	}
	if got := counterValue(t, m2.reg, "fragmentsync_loop_guard_skips_total"); got != 0 {
		t.Fatalf("m2 guard skips = %f, want 0", got)
	}
}

func TestRegistry_ReturnsOwnRegistry(t *testing.T) {
	m := New()
	if m.Registry() != m.reg {
		t.Fatal("Registry() should return the metrics registry")
	}
}

// Handler

func TestHandler_ServesMetrics(t *testing.T) {
	m := New()
	m.IncEvent("synced")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"fragmentsync_events_total",
		"fragmentsync_subscription_active",
		"fragmentsync_profiling_active",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestHandler_ContentType(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "openmetrics") {
		t.Fatalf("Content-Type = %q, want text/plain or openmetrics", ct)
	}
}

func TestHandler_FullScrape(t *testing.T) {
	m := New()

	dirty := false
	m.SetBuildInfoFromVersion("fragmentsync", "daemon", version.Info{Version: "test", VCSDirty: &dirty})
	m.IncEvent("synced")
	m.ObserveEventDuration(0.01)
	m.IncCommitFailure("reset")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Result().Body)
	if len(body) < 500 {
		t.Fatalf("metrics body suspiciously small: %d bytes", len(body))
	}
}

// Build info

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()

	dirty := true
	m.SetBuildInfoFromVersion("fragmentsync", "daemon", version.Info{
		Version:    "1.2.3",
		Commit:     "abc123",
		CommitDate: "2025-01-01",
		BuildId:    "build-42",
		BuildDate:  "2025-01-01T00:00:00Z",
		GoVersion:  "go1.24.0",
		VCSDirty:   &dirty,
	})

	f := gatherMetric(t, m.reg, "fragmentsync_build_info")
	if f == nil {
		t.Fatal("fragmentsync_build_info metric not found")
	}
	if len(f.GetMetric()) != 1 {
		t.Fatalf("build_info metric count = %d, want 1", len(f.GetMetric()))
	}
	if v := f.GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Fatalf("build_info value = %f, want 1", v)
	}

	labels := labelMap(f.GetMetric()[0])
	checks := map[string]string{
		"app":        "fragmentsync",
		"component":  "daemon",
		"version":    "1.2.3",
		"commit":     "abc123",
		"build_id":   "build-42",
		"go_version": "go1.24.0",
		"vcs_dirty":  "true",
	}
	for k, want := range checks {
		if got := labels[k]; got != want {
			t.Errorf("build_info label %q = %q, want %q", k, got, want)
		}
	}
}

func TestSetBuildInfoFromVersion_NilVCSDirty(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("app", "comp", version.Info{Version: "dev"})

	f := gatherMetric(t, m.reg, "fragmentsync_build_info")
	if f == nil {
		t.Fatal("fragmentsync_build_info not found")
	}
	if got := labelMap(f.GetMetric()[0])["vcs_dirty"]; got != "unknown" {
		t.Fatalf("vcs_dirty = %q, want %q (nil should map to unknown)", got, "unknown")
	}
}

// Sync handler

func TestIncEvent_ByOutcome(t *testing.T) {
	m := New()
	m.IncEvent("synced")
	m.IncEvent("synced")
	m.IncEvent("ignored")

	f := gatherMetric(t, m.reg, "fragmentsync_events_total")
	if f == nil {
		t.Fatal("fragmentsync_events_total not found")
	}
	got := make(map[string]float64)
	for _, metric := range f.GetMetric() {
		got[labelMap(metric)["outcome"]] = metric.GetCounter().GetValue()
	}
	if got["synced"] != 2 || got["ignored"] != 1 {
		t.Fatalf("events by outcome = %v, want synced=2 ignored=1", got)
	}
}

func TestObserveEventDuration(t *testing.T) {
	m := New()
	m.ObserveEventDuration(0.002)
	m.ObserveEventDuration(0.3)

	if got := histogramCount(t, m.reg, "fragmentsync_event_duration_seconds"); got != 2 {
		t.Fatalf("fragmentsync_event_duration_seconds count = %d, want 2", got)
	}
}

func TestCopyCounters(t *testing.T) {
	m := New()
	m.AddCopies(3)
	m.AddCopyFailures(1)
	m.AddWipes(4)
	m.AddCopies(0)

	tests := []struct {
		name string
		want float64
	}{
		{"fragmentsync_copies_total", 3},
		{"fragmentsync_copy_failures_total", 1},
		{"fragmentsync_wiped_children_total", 4},
	}
	for _, tt := range tests {
		if got := counterValue(t, m.reg, tt.name); got != tt.want {
			t.Errorf("%s = %f, want %f", tt.name, got, tt.want)
		}
	}
}

func TestIncCommitFailure_ByStage(t *testing.T) {
	m := New()
	m.IncCommitFailure("sync")
	m.IncCommitFailure("reset")
	m.IncCommitFailure("reset")

	f := gatherMetric(t, m.reg, "fragmentsync_commit_failures_total")
	if f == nil {
		t.Fatal("fragmentsync_commit_failures_total not found")
	}
	if len(f.GetMetric()) != 2 {
		t.Fatalf("expected 2 stage label sets, got %d", len(f.GetMetric()))
	}
}

// Subscription

func TestSetSubscriptionActive(t *testing.T) {
	m := New()

	m.SetSubscriptionActive(true)
	if got := gaugeValue(t, m.reg, "fragmentsync_subscription_active"); got != 1 {
		t.Fatalf("subscription_active = %f, want 1", got)
	}
	m.SetSubscriptionActive(false)
	if got := gaugeValue(t, m.reg, "fragmentsync_subscription_active"); got != 0 {
		t.Fatalf("subscription_active = %f, want 0", got)
	}
	if got := counterValue(t, m.reg, "fragmentsync_subscription_starts_total"); got != 1 {
		t.Fatalf("subscription_starts_total = %f, want 1", got)
	}
}

func TestIncSubscriptionStartFailure(t *testing.T) {
	m := New()
	m.IncSubscriptionStartFailure()

	if got := counterValue(t, m.reg, "fragmentsync_subscription_start_failures_total"); got != 1 {
		t.Fatalf("subscription_start_failures_total = %f, want 1", got)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()

	m.SetProfilingActive(true)
	if got := gaugeValue(t, m.reg, "fragmentsync_profiling_active"); got != 1 {
		t.Fatalf("profiling_active = %f, want 1", got)
	}
	m.SetProfilingActive(false)
	if got := gaugeValue(t, m.reg, "fragmentsync_profiling_active"); got != 0 {
		t.Fatalf("profiling_active = %f, want 0", got)
	}
}

// helpers

// gatherMetric collects metrics from the registry and finds one by name.
func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// counterValue returns the value of the first metric in a counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	if len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

// histogramCount returns the sample count of the first metric in a histogram family.
func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	if len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	return f.GetMetric()[0].GetHistogram().GetSampleCount()
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}
