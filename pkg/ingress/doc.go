/*
Package ingress implements the gateway between collectors and the bus.

Every published event passes three gates. Throttle drops events whose
previous same-key admission was inside the throttle window, using one rate
limiter per (type, dedup key). Debounce holds the most recent same-key event
in a pending slot and releases it once the window elapses quietly, so rapid
saves of one file collapse to a single event. Admitted events land in a
bounded four-level priority queue; a dispatcher goroutine hands them to the
bus highest-priority-first, FIFO within a level.

When an event carrying cancel_previous metadata is admitted, the wired
Canceller is asked to cancel in-flight agent work sharing the correlation id
before dispatch.
*/
package ingress
