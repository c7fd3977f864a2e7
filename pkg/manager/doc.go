/*
Package manager wires the devloop daemon together and enforces global
policy.

The manager constructs collectors, the bus, the ingress queue, the context
store and the agent runtimes from configuration, starts them in dependency
order (store, bus, ingress, agents, collectors) and shuts them down with a
bounded drain per stage in the order collectors, ingress (drained into the
bus while the agents still consume), agents, store, bus. It owns the global concurrency
semaphore, the pause/resume surface used when a coding assistant is about
to write files, collector restart supervision with exponential backoff,
and the adaptive debounce policy driven by per-agent resource telemetry.

A local HTTP control listener exposes status, pause/resume, the finding
tiers and index, Prometheus metrics and health probes.
*/
package manager
