// Package metrics defines the Prometheus metrics exported by the speech service.
package metrics
