/*
Package metrics exposes Prometheus instrumentation and health endpoints for
the devloop daemon.

All collectors are package-level and registered at init time; components
update them directly. The control listener serves Handler() at /metrics and
the health/readiness/liveness handlers alongside it.
*/
package metrics
