package ingress

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/log"
	"github.com/wioota/devloop/pkg/metrics"
)

// ErrStopped is returned when publishing to a stopped queue.
var ErrStopped = errors.New("ingress: queue stopped")

// Sink receives admitted events, in priority order. The bus implements it.
type Sink interface {
	Emit(ev *event.Event) error
}

// Canceller cancels in-flight agent work by correlation id. The agent
// runtime registry implements it.
type Canceller interface {
	CancelCorrelation(correlationID string) int
}

// Policy selects the behaviour when the priority queue is saturated.
type Policy int

const (
	// PolicyBlock blocks the publisher until space frees up.
	PolicyBlock Policy = iota

	// PolicyDropOldest drops the lowest-priority oldest entry and emits a
	// queue.overflow event.
	PolicyDropOldest
)

// ParsePolicy converts the configuration string form.
func ParsePolicy(s string) Policy {
	if s == "drop_oldest" {
		return PolicyDropOldest
	}
	return PolicyBlock
}

// Queue is the single gateway between collectors and the bus. It hosts the
// per-key debounce and throttle state and a bounded four-level priority
// queue; a dispatcher goroutine feeds admitted events to the sink.
type Queue struct {
	sink     Sink
	capacity int
	policy   Policy
	logger   zerolog.Logger

	mu        sync.Mutex
	space     *sync.Cond
	levels    [event.NumPriorities][]*event.Event
	size      int
	pending   map[string]*debounceSlot
	limiters  map[string]*throttleEntry
	canceller Canceller
	stopped   bool

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type debounceSlot struct {
	ev    *event.Event
	timer *time.Timer
}

type throttleEntry struct {
	limiter *rate.Limiter
	window  time.Duration
}

// New creates an ingress queue feeding the given sink.
func New(sink Sink, capacity int, policy Policy) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &Queue{
		sink:     sink,
		capacity: capacity,
		policy:   policy,
		logger:   log.WithComponent("ingress"),
		pending:  make(map[string]*debounceSlot),
		limiters: make(map[string]*throttleEntry),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	q.space = sync.NewCond(&q.mu)
	return q
}

// SetCanceller wires the agent runtime registry used for cancel_previous.
func (q *Queue) SetCanceller(c Canceller) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canceller = c
}

// Start launches the dispatcher goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop flushes pending debounce slots, drains queued events to the sink and
// terminates the dispatcher. Draining is bounded by ctx.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	// Flush debounce slots so coalesced events are not lost on shutdown.
	for key, slot := range q.pending {
		slot.timer.Stop()
		delete(q.pending, key)
		q.pushLocked(slot.ev)
	}
	q.space.Broadcast()
	q.mu.Unlock()
	q.wake()

	// Wait for the dispatcher to drain.
	done := make(chan struct{})
	go func() {
		for {
			q.mu.Lock()
			empty := q.size == 0
			q.mu.Unlock()
			if empty {
				close(done)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	close(q.stopCh)
	q.wake()
	q.wg.Wait()
}

// Publish admits an event through debounce and throttle into the priority
// queue. It blocks when the queue is full and the block policy is active.
func (q *Queue) Publish(ev *event.Event) error {
	// Throttle: drop silently when the previous same-key admission was
	// within the window. No debounce slot is consumed.
	if ev.Meta.Throttle > 0 {
		if !q.throttleAllow(ev) {
			metrics.EventsDropped.WithLabelValues("throttle").Inc()
			return nil
		}
	}

	if ev.Meta.Debounce > 0 {
		return q.debounce(ev)
	}
	return q.admit(ev)
}

func (q *Queue) throttleAllow(ev *event.Event) bool {
	key := ev.Type + "|" + ev.DedupKey()

	q.mu.Lock()
	entry, ok := q.limiters[key]
	if !ok || entry.window != ev.Meta.Throttle {
		entry = &throttleEntry{
			limiter: rate.NewLimiter(rate.Every(ev.Meta.Throttle), 1),
			window:  ev.Meta.Throttle,
		}
		q.limiters[key] = entry
	}
	q.mu.Unlock()

	return entry.limiter.Allow()
}

// debounce holds the most recent same-key event in a pending slot; the slot
// is released once the window elapses without a new arrival. An older event
// can never be emitted after a newer one with the same key.
func (q *Queue) debounce(ev *event.Event) error {
	key := ev.Type + "|" + ev.DedupKey()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}

	if slot, ok := q.pending[key]; ok {
		slot.ev = ev
		slot.timer.Reset(ev.Meta.Debounce)
		metrics.EventsCoalesced.Inc()
		return nil
	}

	slot := &debounceSlot{ev: ev}
	slot.timer = time.AfterFunc(ev.Meta.Debounce, func() {
		q.release(key)
	})
	q.pending[key] = slot
	return nil
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	slot, ok := q.pending[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.pending, key)
	ev := slot.ev
	q.mu.Unlock()

	if err := q.admit(ev); err != nil && !errors.Is(err, ErrStopped) {
		q.logger.Error().Err(err).Str("event_type", ev.Type).Msg("Failed to admit debounced event")
	}
}

// admit applies cancel_previous and places the event into the priority
// queue, applying the overflow policy when saturated.
func (q *Queue) admit(ev *event.Event) error {
	if ev.Meta.CancelPrevious && ev.Meta.CorrelationID != "" {
		q.mu.Lock()
		c := q.canceller
		q.mu.Unlock()
		if c != nil {
			if n := c.CancelCorrelation(ev.Meta.CorrelationID); n > 0 {
				q.logger.Debug().
					Str("correlation_id", ev.Meta.CorrelationID).
					Int("cancelled", n).
					Msg("Cancelled in-flight work for superseded event")
			}
		}
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}

	var overflow *event.Event
	if q.size >= q.capacity {
		switch q.policy {
		case PolicyDropOldest:
			overflow = q.dropLowestLocked(ev)
			if overflow == ev {
				// Incoming event was itself the lowest priority.
				q.mu.Unlock()
				q.emitOverflow(overflow)
				metrics.EventsDropped.WithLabelValues("overflow").Inc()
				return nil
			}
		default:
			for q.size >= q.capacity && !q.stopped {
				q.space.Wait()
			}
			if q.stopped {
				q.mu.Unlock()
				return ErrStopped
			}
		}
	}

	q.pushLocked(ev)
	q.mu.Unlock()

	if overflow != nil {
		q.emitOverflow(overflow)
		metrics.EventsDropped.WithLabelValues("overflow").Inc()
	}
	q.wake()
	return nil
}

func (q *Queue) pushLocked(ev *event.Event) {
	p := ev.Meta.Priority
	if p < event.PriorityLow || p > event.PriorityCritical {
		p = event.PriorityNormal
	}
	q.levels[p] = append(q.levels[p], ev)
	q.size++
	metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(q.levels[p])))
}

// dropLowestLocked removes the oldest entry from the lowest-priority
// non-empty level. If the incoming event sits below every queued entry it is
// the victim itself.
func (q *Queue) dropLowestLocked(incoming *event.Event) *event.Event {
	for p := event.PriorityLow; p <= event.PriorityCritical; p++ {
		if len(q.levels[p]) == 0 {
			continue
		}
		if incoming.Meta.Priority < p {
			return incoming
		}
		victim := q.levels[p][0]
		q.levels[p] = q.levels[p][1:]
		q.size--
		metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(q.levels[p])))
		return victim
	}
	return incoming
}

func (q *Queue) emitOverflow(victim *event.Event) {
	ov := event.New(event.TypeQueueOverflow, "ingress", map[string]string{
		"dropped_type":     victim.Type,
		"dropped_priority": victim.Meta.Priority.String(),
		"capacity":         strconv.Itoa(q.capacity),
	})
	if err := q.sink.Emit(ov); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to emit queue.overflow")
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// run dispatches queued events to the sink, highest priority first, FIFO
// within a level.
func (q *Queue) run() {
	defer q.wg.Done()

	for {
		ev := q.pop()
		if ev == nil {
			select {
			case <-q.notify:
				continue
			case <-q.stopCh:
				// Final drain: the queue may have been refilled between the
				// stop flush and channel close.
				for ev := q.pop(); ev != nil; ev = q.pop() {
					q.deliver(ev)
				}
				return
			}
		}
		q.deliver(ev)
	}
}

func (q *Queue) pop() *event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := event.PriorityCritical; p >= event.PriorityLow; p-- {
		if len(q.levels[p]) == 0 {
			continue
		}
		ev := q.levels[p][0]
		q.levels[p] = q.levels[p][1:]
		q.size--
		metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(q.levels[p])))
		q.space.Signal()
		return ev
	}
	return nil
}

func (q *Queue) deliver(ev *event.Event) {
	if err := q.sink.Emit(ev); err != nil {
		q.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("Bus delivery failed")
	}
}

// Depth returns the current number of queued events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
