// Package metrics exposes relay counters and gauges to Prometheus.
//
// All recording methods accept a nil receiver so components can run without
// metrics configured.
package metrics
