/*
Package audit maintains the append-only audit trail of agent actions.

Each line is one JSON object: timestamp, agent, action, optional target and
duration, success flag and optional error and content digest. The sweep
pass rewrites the file to enforce the 30-day retention window.
*/
package audit
