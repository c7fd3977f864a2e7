package event

// Wildcard matches every event type in a subscription pattern.
const Wildcard = "*"

// File system events
const (
	TypeFileCreated  = "file.created"
	TypeFileModified = "file.modified"
	TypeFileDeleted  = "file.deleted"
	TypeFileRenamed  = "file.renamed"
)

// Git hook events
const (
	TypeGitPreCommit  = "git.pre-commit"
	TypeGitPostCommit = "git.post-commit"
	TypeGitPrePush    = "git.pre-push"
	TypeGitPostMerge  = "git.post-merge"
)

// Process events
const (
	TypeProcessStarted = "process.started"
	TypeProcessExit    = "process.exit"
)

// Runtime signal events
const (
	TypeQueueOverflow      = "queue.overflow"
	TypeBusOverflow        = "bus.overflow"
	TypeSubscriberSlow     = "subscriber.slow"
	TypeChainDepthExceeded = "chain.depth_exceeded"
	TypeLoopDetected       = "loop_detected"
	TypeCollectorDown      = "collector.down"
	TypeStoreDegraded      = "store.degraded"
	TypeBackpressure       = "backpressure"
)

// Manager lifecycle events
const (
	TypeManagerStarted  = "manager.started"
	TypeManagerStopping = "manager.stopping"
	TypeManagerStopped  = "manager.stopped"
)

// Well-known payload keys. Keys are defined per event type; these are the
// ones shared across the vocabulary.
const (
	PayloadPath         = "path"
	PayloadOldPath      = "old_path"
	PayloadNewPath      = "new_path"
	PayloadExitCode     = "exit_code"
	PayloadCommand      = "command"
	PayloadStdoutDigest = "stdout_digest"
	PayloadStderrDigest = "stderr_digest"
	PayloadAgent        = "agent"
	PayloadError        = "error"
	PayloadSuccess      = "success"
	PayloadDurationMs   = "duration_ms"
	PayloadFindings     = "findings_count"
	PayloadReason       = "reason"
)

// TimerType builds the event type for a named timer tag.
func TimerType(tag string) string {
	return "timer." + tag
}

// AgentCompletedType builds the completion event type for an agent.
func AgentCompletedType(agent string) string {
	return "agent." + agent + ".completed"
}
