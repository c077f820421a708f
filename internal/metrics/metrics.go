// Package metrics owns the process Prometheus registry. It records the sync
// handler's outcomes (implementing mirror.Metrics) and the ops HTTP surface.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/fragmentsync/internal/version"
)

const namespace = "fragmentsync"

type SyncMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// sync handler
	eventsTotal         *prometheus.CounterVec
	eventDuration       prometheus.Histogram
	copiesTotal         prometheus.Counter
	copyFailuresTotal   prometheus.Counter
	wipesTotal          prometheus.Counter
	commitFailuresTotal *prometheus.CounterVec
	guardSkipsTotal     prometheus.Counter

	// subscription
	subscriptionActive   prometheus.Gauge
	startFailuresTotal   prometheus.Counter
	subscriptionRestarts prometheus.Counter

	// ops http
	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec
}

// New returns a fresh registry with the go/process collectors and every
// fragmentsync metric registered. Labels are bounded enums only.
func New() *SyncMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &SyncMetrics{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profiling_active",
			Help:      "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Property change events handled, by outcome",
		}, []string{"outcome"}),
		eventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time to handle one property change event, including commits",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		copiesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copies_total",
			Help:      "Origin children deep-copied into a destination",
		}),
		copyFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copy_failures_total",
			Help:      "Origin children whose copy failed",
		}),
		wipesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wiped_children_total",
			Help:      "Destination children removed before a copy",
		}),
		commitFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_failures_total",
			Help:      "Failed commits by stage (sync, reset)",
		}, []string{"stage"}),
		guardSkipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_guard_skips_total",
			Help:      "Syncs suppressed by the loop guard",
		}),
		subscriptionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscription_active",
			Help:      "Whether the change subscription is registered (1) or not (0)",
		}),
		startFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_start_failures_total",
			Help:      "Failed attempts to register the change subscription",
		}),
		subscriptionRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_starts_total",
			Help:      "Successful registrations of the change subscription",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ops_http_inflight_requests",
			Help:      "Current number of in-flight ops HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_http_requests_total",
			Help:      "Total ops HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ops_http_request_duration_seconds",
			Help:      "Ops HTTP request latency by method and route",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_http_errors_total",
			Help:      "Total 5xx ops HTTP responses by method and route",
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.buildInfo,
		m.profilingActive,
		m.eventsTotal,
		m.eventDuration,
		m.copiesTotal,
		m.copyFailuresTotal,
		m.wipesTotal,
		m.commitFailuresTotal,
		m.guardSkipsTotal,
		m.subscriptionActive,
		m.startFailuresTotal,
		m.subscriptionRestarts,
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.errorsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *SyncMetrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the underlying registry for callers that add collectors.
func (m *SyncMetrics) Registry() *prometheus.Registry {
	return m.reg
}

// set once at startup.
func (m *SyncMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *SyncMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *SyncMetrics) IncEvent(outcome string) {
	m.eventsTotal.WithLabelValues(outcome).Inc()
}

func (m *SyncMetrics) ObserveEventDuration(seconds float64) {
	m.eventDuration.Observe(seconds)
}

func (m *SyncMetrics) AddCopies(n int) {
	m.copiesTotal.Add(float64(n))
}

func (m *SyncMetrics) AddCopyFailures(n int) {
	m.copyFailuresTotal.Add(float64(n))
}

func (m *SyncMetrics) AddWipes(n int) {
	m.wipesTotal.Add(float64(n))
}

func (m *SyncMetrics) IncCommitFailure(stage string) {
	m.commitFailuresTotal.WithLabelValues(stage).Inc()
}

func (m *SyncMetrics) IncGuardSkip() {
	m.guardSkipsTotal.Inc()
}

func (m *SyncMetrics) SetSubscriptionActive(active bool) {
	m.subscriptionActive.Set(boolGauge(active))
	if active {
		m.subscriptionRestarts.Inc()
	}
}

func (m *SyncMetrics) IncSubscriptionStartFailure() {
	m.startFailuresTotal.Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
