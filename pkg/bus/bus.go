package bus

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/log"
	"github.com/wioota/devloop/pkg/metrics"
)

var (
	// ErrClosed is returned when emitting on a stopped bus.
	ErrClosed = errors.New("bus: closed")

	// ErrSaturated is returned when a blocking emit could not deliver to a
	// subscriber within the configured deadline.
	ErrSaturated = errors.New("bus: subscriber queue saturated")

	// ErrTimeout is returned by EmitAndWait when no reply arrives in time.
	ErrTimeout = errors.New("bus: reply timeout")
)

// OverflowPolicy selects what Emit does when a subscriber queue is full.
type OverflowPolicy int

const (
	// OverflowBlock blocks the producer up to the block timeout.
	OverflowBlock OverflowPolicy = iota

	// OverflowDropOldest discards the oldest queued event and emits a
	// bus.overflow signal.
	OverflowDropOldest
)

// Options configures a Bus.
type Options struct {
	// QueueSize is the per-subscription buffer (default 64).
	QueueSize int

	// Policy is applied when a subscriber queue is full.
	Policy OverflowPolicy

	// BlockTimeout bounds a blocking emit (default 2s).
	BlockTimeout time.Duration
}

// Subscription is a registered interest in a type pattern. The events
// channel is single-consumer.
type Subscription struct {
	id      string
	pattern string
	events  chan *event.Event
}

// Events returns the subscriber's queue.
func (s *Subscription) Events() <-chan *event.Event {
	return s.events
}

// Pattern returns the pattern the subscription was registered with.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Bus routes events from producers to matching subscriber queues. Emit is
// safe from any concurrent caller; delivery order per (producer, subscriber)
// pair is FIFO and no global ordering across subscribers is promised.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	opts   Options
	logger zerolog.Logger
	closed bool
}

// New creates a bus.
func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 2 * time.Second
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		opts:   opts,
		logger: log.WithComponent("bus"),
	}
}

// Subscribe registers interest in an exact event type or the "*" wildcard.
// Multiple subscriptions to the same pattern are allowed.
func (b *Bus) Subscribe(pattern string) *Subscription {
	return b.SubscribeBuffered(pattern, b.opts.QueueSize)
}

// SubscribeBuffered registers a subscription with an explicit queue bound.
func (b *Bus) SubscribeBuffered(pattern string, size int) *Subscription {
	if size <= 0 {
		size = b.opts.QueueSize
	}
	sub := &Subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		events:  make(chan *event.Event, size),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its queue.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.events)
}

// Emit delivers the event to every matching subscription. A full subscriber
// queue is handled per the configured overflow policy; saturated
// subscribers are serviced concurrently, so a slow subscriber never stalls
// the others and the producer blocks for at most one block timeout in
// total.
func (b *Bus) Emit(ev *event.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	metrics.EventsPublished.WithLabelValues(ev.Type).Inc()

	var saturated []*Subscription
	for _, sub := range b.subs {
		if !event.Match(sub.pattern, ev.Type) {
			continue
		}

		select {
		case sub.events <- ev:
			metrics.BusDeliveries.Inc()
			continue
		default:
		}

		// Queue full: the subscriber has exceeded its backlog.
		metrics.SlowSubscribers.Inc()
		b.signalLocked(event.TypeSubscriberSlow, map[string]string{
			"pattern": sub.pattern,
			"backlog": strconv.Itoa(len(sub.events)),
		})

		switch b.opts.Policy {
		case OverflowDropOldest:
			select {
			case <-sub.events:
			default:
			}
			select {
			case sub.events <- ev:
				metrics.BusDeliveries.Inc()
			default:
			}
			b.signalLocked(event.TypeBusOverflow, map[string]string{
				"pattern": sub.pattern,
				"type":    ev.Type,
			})
		default: // OverflowBlock
			saturated = append(saturated, sub)
		}
	}

	if len(saturated) == 0 {
		return nil
	}
	return b.deliverSaturated(saturated, ev)
}

// deliverSaturated blocks on each saturated subscriber's queue in its own
// goroutine so the deadlines run concurrently rather than back to back.
// The caller's read lock is held until every attempt resolves, which keeps
// the sends ordered before any Unsubscribe close.
func (b *Bus) deliverSaturated(subs []*Subscription, ev *event.Event) error {
	// A closed channel broadcasts the deadline to every goroutine; a plain
	// time.After value would wake only one of them.
	expired := make(chan struct{})
	timer := time.AfterFunc(b.opts.BlockTimeout, func() { close(expired) })
	defer timer.Stop()

	results := make(chan error, len(subs))
	for _, sub := range subs {
		go func(sub *Subscription) {
			select {
			case sub.events <- ev:
				metrics.BusDeliveries.Inc()
				results <- nil
			case <-expired:
				b.logger.Warn().
					Str("pattern", sub.pattern).
					Str("event_type", ev.Type).
					Msg("Subscriber queue saturated, delivery abandoned")
				results <- ErrSaturated
			}
		}(sub)
	}

	var firstErr error
	for range subs {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EmitAndWait emits the event and waits for the first matching reply, keyed
// by the event's response type. The private reply subscription is always
// removed before returning.
func (b *Bus) EmitAndWait(ev *event.Event, timeout time.Duration) (map[string]string, error) {
	reply := b.SubscribeBuffered(ev.ResponseType(), 1)
	defer b.Unsubscribe(reply)

	if err := b.Emit(ev); err != nil {
		return nil, err
	}

	select {
	case r, ok := <-reply.events:
		if !ok {
			return nil, ErrClosed
		}
		return r.Payload, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Respond publishes the reply to an event emitted with EmitAndWait.
func (b *Bus) Respond(orig *event.Event, source string, payload map[string]string) error {
	reply := event.New(orig.ResponseType(), source, payload)
	reply.Meta.ParentEventID = orig.ID
	reply.Meta.CorrelationID = orig.Meta.CorrelationID
	return b.Emit(reply)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops the bus and closes every subscriber queue.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.events)
	}
}

// signalLocked delivers an internal bus signal (bus.overflow,
// subscriber.slow) best-effort to matching subscribers. Delivery is
// non-blocking so a saturated queue cannot recurse into another signal.
// Callers hold at least the read lock.
func (b *Bus) signalLocked(eventType string, payload map[string]string) {
	sig := event.New(eventType, "bus", payload)
	for _, sub := range b.subs {
		if !event.Match(sub.pattern, sig.Type) {
			continue
		}
		select {
		case sub.events <- sig:
		default:
		}
	}
}
