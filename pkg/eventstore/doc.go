/*
Package eventstore implements the optional SQLite-backed event journal
(events.db). When enabled, every event admitted to the bus is recorded so
an operator can inspect recent daemon activity; the journal is ring-capped
by row count.
*/
package eventstore
