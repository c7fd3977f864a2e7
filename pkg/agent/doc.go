/*
Package agent provides the invocation runtime that hosts tool integrations.

Every agent gets the same contract: a bounded private event queue bound to
its declared trigger patterns, a handler invoked under a cancellable
timeout scope, transient-failure retries, and publication of an
agent.<name>.completed event after its findings are enqueued to the store.

The runtime enforces the safety rails around handlers: a per-key loop guard
against modify/notify cycles, an idempotency check (NeedsWork) before a
concurrency slot is consumed, a chain-depth ceiling on derived events, and
cancel-previous semantics keyed by correlation id. A global priority
semaphore caps how many handlers run at once across all agents.

Tool integrations implement the Agent interface and register a Factory at
init time; the manager instantiates them from configuration.
*/
package agent
