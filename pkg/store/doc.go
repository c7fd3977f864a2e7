/*
Package store implements the tiered on-disk context store for findings.

A single writer task owns every mutation: agents enqueue add/resolve
commands on a bounded channel and await acknowledgement when they need
confirmation. Each tier lives in one JSON array file, newest first, written
atomically (tmp then rename) with the previous known-good file kept as the
tier's single .bak. The derived index.json summarizes the tiers for coding
assistants, which read it first and never see a partial write.

Relevance scores and tiers are recomputed on every insert, when the
user-context window changes, and periodically as freshness decays. Retention
enforces per-tier age and count ceilings, evicting oldest and lowest-score
findings first. On persistent write failure the store degrades: mutations
continue against a bounded in-memory spill buffer, a store.degraded event is
raised, and readers keep seeing the last known-good files.
*/
package store
