package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/finding"
)

// Result is the value an agent handler returns. The runtime validates it at
// the boundary; violations are reported as agent bugs, never silently
// accepted.
type Result struct {
	AgentName string
	Success   bool
	Duration  time.Duration
	Message   string
	Data      map[string]string
	Err       string
	Findings  []*finding.Finding
}

// Validate checks the result contract.
func (r *Result) Validate() error {
	if r == nil {
		return errors.New("agent returned nil result")
	}
	if r.AgentName == "" {
		return errors.New("agent result missing agent_name")
	}
	if r.Duration < 0 {
		return fmt.Errorf("agent result has negative duration %v", r.Duration)
	}
	if r.Success && r.Err != "" {
		return fmt.Errorf("agent result marked success with error %q", r.Err)
	}
	return nil
}

// Agent is the contract every tool integration implements. Instances are
// values behind this interface; the runtime owns their lifecycle.
type Agent interface {
	// Name returns the unique agent name.
	Name() string

	// OnStart is called once when the manager starts the agent.
	OnStart(ctx context.Context, env *Env) error

	// OnStop is called once during shutdown.
	OnStop(ctx context.Context) error

	// NeedsWork is the idempotency check: a false return skips the event
	// without consuming a concurrency slot.
	NeedsWork(ev *event.Event) bool

	// Handle processes one event under a cancellable scope. Handlers must
	// observe ctx between external-tool spawn/wait points.
	Handle(ctx context.Context, ev *event.Event) (*Result, error)
}

// Resolver is optionally implemented by agents that can signal previously
// reported findings as cleared.
type Resolver interface {
	Resolve(ctx context.Context, ev *event.Event) error
}

// Env is the read-only capability set handed to an agent at start: derived
// event emission, finding insertion/resolution, a logger and the agent's
// config subsection.
type Env struct {
	Emitter  Emitter
	Findings FindingSink
	Logger   zerolog.Logger
	Config   map[string]any
}

// Emitter publishes derived events back into the ingress queue.
type Emitter interface {
	Publish(ev *event.Event) error
}

// FindingSink is the store surface agents see.
type FindingSink interface {
	Add(ctx context.Context, f *finding.Finding) error
	Resolve(ctx context.Context, id, agent string) error
	ResolveFile(ctx context.Context, path, agent string) error
}

// ToolMissingFinding is the structured report an agent returns when its
// external tool is not installed. The agent stays enabled; the finding
// tells the user what to fix.
func ToolMissingFinding(agentName, tool string) *finding.Finding {
	f := finding.New(agentName, "", 0, finding.SeverityWarning, "tool_unavailable",
		fmt.Sprintf("%s is not available on PATH; %s checks are skipped", tool, agentName))
	f.Scope = finding.ScopeProject
	return f
}

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }
func (t *transientError) Transient() bool {
	return true
}

// Transient wraps an error so the runtime retries the invocation while
// retry budget remains.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the agent classified the error as retryable.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// Descriptor is the runtime configuration of one agent instance.
type Descriptor struct {
	Name        string
	Description string
	Version     string

	// Triggers is the ordered list of event-type patterns the agent's
	// private queue subscribes to.
	Triggers []string

	// Config is passed opaquely to the implementation.
	Config map[string]any

	// Timeout is the per-invocation ceiling.
	Timeout time.Duration

	// Retries is the transient-failure retry budget.
	Retries int

	// Concurrency of 1 means serial consumption; higher values permit that
	// many parallel handler invocations.
	Concurrency int

	// Priority breaks ties when the global concurrency ceiling is
	// saturated.
	Priority event.Priority

	// QueueSize bounds the agent's private event queue (default 128).
	QueueSize int

	// LoopGuardWindow and LoopGuardMaxOps bound repeated work on one key.
	LoopGuardWindow time.Duration
	LoopGuardMaxOps int

	// MaxChainDepth bounds derived-event chains.
	MaxChainDepth int
}

func (d *Descriptor) normalize() {
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	if d.QueueSize <= 0 {
		d.QueueSize = 128
	}
	if d.LoopGuardWindow <= 0 {
		d.LoopGuardWindow = 10 * time.Second
	}
	if d.LoopGuardMaxOps <= 0 {
		d.LoopGuardMaxOps = 3
	}
	if d.MaxChainDepth <= 0 {
		d.MaxChainDepth = 5
	}
}
