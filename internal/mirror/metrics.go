package mirror

// Outcome labels for handled events.
const (
	OutcomeSynced       = "synced"
	OutcomeIgnored      = "ignored"
	OutcomeUnresolved   = "unresolved"
	OutcomeUnauthorized = "unauthorized"
	OutcomeGuarded      = "guarded"
	OutcomeCommitFailed = "commit_failed"
	OutcomePanic        = "panic"
)

// Commit stages for IncCommitFailure.
const (
	StageSync  = "sync"
	StageReset = "reset"
)

// Metrics is implemented by the metrics package to observe sync behavior.
type Metrics interface {
	IncEvent(outcome string)
	ObserveEventDuration(seconds float64)
	AddCopies(n int)
	AddCopyFailures(n int)
	AddWipes(n int)
	IncCommitFailure(stage string)
	IncGuardSkip()
	SetSubscriptionActive(active bool)
	IncSubscriptionStartFailure()
}

type nopMetrics struct{}

func (nopMetrics) IncEvent(string)              {}
func (nopMetrics) ObserveEventDuration(float64) {}
func (nopMetrics) AddCopies(int)                {}
func (nopMetrics) AddCopyFailures(int)          {}
func (nopMetrics) AddWipes(int)                 {}
func (nopMetrics) IncCommitFailure(string)      {}
func (nopMetrics) IncGuardSkip()                {}
func (nopMetrics) SetSubscriptionActive(bool)   {}
func (nopMetrics) IncSubscriptionStartFailure() {}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
