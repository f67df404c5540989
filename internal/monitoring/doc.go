// Package monitoring exposes Prometheus metrics for the bridge:
// exchange counts and latency, message sizes, and port right lifetime
// accounting. All record helpers are nil-receiver safe so callers can
// run without metrics wired.
package monitoring
