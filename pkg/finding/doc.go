/*
Package finding defines the canonical finding record, its relevance scoring
and the tier assignment function.

A finding's id is a stable hash of (agent, file, line, category, normalized
message) so the same problem re-reported by the same agent collapses to one
record. The relevance score blends severity, scope, freshness decay and
whether the file is in the user's recently-touched window; the tier is a
pure function of the finding and its score.
*/
package finding
