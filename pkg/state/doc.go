/*
Package state persists durable daemon state in a small BoltDB file: the set
of paused agents and the user-context window. A restart during a coding
assistant session stays paused, and relevance scoring keeps its recency
signal.
*/
package state
