// Package metrics defines the Prometheus collectors exported on /metrics.
// Collectors are registered with a caller-supplied registerer so tests can
// use a fresh registry.
package metrics
