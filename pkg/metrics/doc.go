// Package metrics implements the Metrics Collector (C5): a
// ticker-driven per-PID sampler backed by procfs, plus the Prometheus
// gauges, counters, and histograms exposed at /metrics across the
// metrics, deployment, and agent-channel components.
package metrics
