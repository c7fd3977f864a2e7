/*
Package bus implements the in-process publish/subscribe broker.

Subscriptions match an exact event type or the "*" wildcard and each owns a
bounded single-consumer queue. Emit fans an event out to every matching
queue; a full queue is handled by the configured overflow policy (block the
producer with a deadline, or drop the oldest entry and raise a bus.overflow
signal). A subscriber that exceeds its backlog triggers a subscriber.slow
signal without stalling unrelated subscribers.

EmitAndWait provides request/reply on top of emit: the producer registers a
private subscription keyed by the event's response type, emits, and awaits
the first reply or a timeout.
*/
package bus
