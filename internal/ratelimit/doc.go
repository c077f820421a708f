// Package ratelimit provides per-key token buckets with background eviction
// of idle keys.
//
// It is a single-process, in-memory limiter. The sync loop guard keys it by
// component node path to cap how often one node can be re-mirrored.
package ratelimit
