/*
Package event defines the immutable event model shared by collectors, the
ingress queue, the bus and the agent runtime.

An Event is a value describing one thing that happened: a file save, a git
hook firing, a process exiting, an agent completing. Events carry a dotted
type string from an open vocabulary (see types.go for the minimum set), a
string payload map whose keys are defined per type, and dispatch metadata:
priority, debounce and throttle windows, and correlation fields used for
cancel-previous and derived-event tracing.

Events are never mutated after emit. Collectors produce depth-0 events;
agents produce derived events via Derived which increments the chain depth so
the runtime can stop runaway agent chains.
*/
package event
