package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority drives queue ordering. Higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of distinct priority levels.
const NumPriorities = 4

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a configuration string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}

// Metadata carries dispatch hints attached to an event.
type Metadata struct {
	Priority Priority

	// Debounce coalesces events with the same (type, dedup key) within the
	// window; only the latest survives.
	Debounce time.Duration

	// Throttle drops events whose previous (type, dedup key) admission was
	// within the window.
	Throttle time.Duration

	// CancelPrevious requests cancellation of in-flight agent work sharing
	// CorrelationID before this event is dispatched.
	CancelPrevious bool

	CorrelationID string
	ParentEventID string

	// Depth counts derived-event hops from the originating collector event.
	// Collectors emit at depth 0; an agent emitting from a handler for a
	// depth-N event produces depth N+1.
	Depth int
}

// Event is an immutable description of something that happened. It must not
// be mutated after being published; producers that need to vary a field
// construct a new event.
type Event struct {
	ID        string
	Type      string
	Timestamp time.Time
	Source    string
	Payload   map[string]string
	Meta      Metadata
}

// New creates an event with a fresh id and the current wall time.
func New(eventType, source string, payload map[string]string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
		Meta:      Metadata{Priority: PriorityNormal},
	}
}

// Derived creates an event produced from within an agent handler. It carries
// the parent's id and correlation and an incremented chain depth.
func Derived(parent *Event, eventType, source string, payload map[string]string) *Event {
	ev := New(eventType, source, payload)
	ev.Meta.ParentEventID = parent.ID
	ev.Meta.CorrelationID = parent.Meta.CorrelationID
	ev.Meta.Depth = parent.Meta.Depth + 1
	return ev
}

// DedupKey is the coalescing key used by debounce and throttle: the path
// payload when present, otherwise the event type.
func (e *Event) DedupKey() string {
	if p, ok := e.Payload[PayloadPath]; ok && p != "" {
		return p
	}
	return e.Type
}

// ResponseType is the reply event type used by EmitAndWait correlation.
func (e *Event) ResponseType() string {
	return e.Type + ".response." + e.ID
}

// Match reports whether the event type matches a subscription pattern. A
// pattern is either an exact event type or "*" which matches everything.
func Match(pattern, eventType string) bool {
	return pattern == Wildcard || pattern == eventType
}
