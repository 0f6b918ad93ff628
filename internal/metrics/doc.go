// Package metrics exports gateway counters and gauges to Prometheus.
//
// All collectors live under the fieldlink_ namespace on a dedicated
// registry, served by Handler at /metrics.
package metrics
