// Package health provides composable health check probes and HTTP handlers
// for liveness and readiness endpoints.
//
// Probes can be combined with [All] (AND), [Any] (OR), and [Fixed] (static).
// [CheckFunc] adapts a plain function into a [Probe]; [Condition] turns a
// state flag such as an active subscription into one.
//
// [ShutdownGate] coordinates graceful shutdown: once closed, readiness probes
// fail immediately (via atomic.Bool) so orchestrators stop counting the
// instance as ready before the subscription is torn down.
package health
