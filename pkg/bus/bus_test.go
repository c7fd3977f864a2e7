package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestEmitDeliversToMatchingSubscribers(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	exact := b.Subscribe(event.TypeFileModified)
	wildcard := b.Subscribe(event.Wildcard)
	other := b.Subscribe(event.TypeFileDeleted)

	ev := event.New(event.TypeFileModified, "test", map[string]string{
		event.PayloadPath: "a.py",
	})
	require.NoError(t, b.Emit(ev))

	select {
	case got := <-exact.Events():
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("exact subscriber did not receive event")
	}

	select {
	case got := <-wildcard.Events():
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}

	select {
	case <-other.Events():
		t.Fatal("non-matching subscriber received event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitIsFIFOPerSubscriber(t *testing.T) {
	b := New(Options{QueueSize: 32})
	defer b.Close()

	sub := b.Subscribe(event.Wildcard)
	for i := 0; i < 10; i++ {
		ev := event.New("seq.test", "test", map[string]string{"n": fmt.Sprintf("%d", i)})
		require.NoError(t, b.Emit(ev))
	}

	for i := 0; i < 10; i++ {
		select {
		case got := <-sub.Events():
			assert.Equal(t, fmt.Sprintf("%d", i), got.Payload["n"])
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	sub := b.Subscribe(event.Wildcard)
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub.Events()
	assert.False(t, ok, "queue should be closed after unsubscribe")

	// Unsubscribing twice is harmless.
	b.Unsubscribe(sub)
}

func TestOverflowDropOldest(t *testing.T) {
	b := New(Options{QueueSize: 2, Policy: OverflowDropOldest})
	defer b.Close()

	sub := b.SubscribeBuffered("flood.test", 2)
	watcher := b.Subscribe(event.TypeBusOverflow)

	for i := 0; i < 3; i++ {
		ev := event.New("flood.test", "test", map[string]string{"n": fmt.Sprintf("%d", i)})
		require.NoError(t, b.Emit(ev))
	}

	// Oldest entry (0) was dropped; 1 and 2 remain.
	got := <-sub.Events()
	assert.Equal(t, "1", got.Payload["n"])
	got = <-sub.Events()
	assert.Equal(t, "2", got.Payload["n"])

	select {
	case ov := <-watcher.Events():
		assert.Equal(t, event.TypeBusOverflow, ov.Type)
	case <-time.After(time.Second):
		t.Fatal("no bus.overflow signal observed")
	}
}

func TestOverflowBlockTimesOut(t *testing.T) {
	b := New(Options{QueueSize: 1, Policy: OverflowBlock, BlockTimeout: 50 * time.Millisecond})
	defer b.Close()

	b.SubscribeBuffered("slow.test", 1)

	require.NoError(t, b.Emit(event.New("slow.test", "test", nil)))

	start := time.Now()
	err := b.Emit(event.New("slow.test", "test", nil))
	assert.ErrorIs(t, err, ErrSaturated)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

// Saturated subscribers are serviced concurrently: two full queues cost one
// block timeout, not two, and a healthy subscriber still gets the event.
func TestOverflowBlockDoesNotSerializeSlowSubscribers(t *testing.T) {
	timeout := 100 * time.Millisecond
	b := New(Options{QueueSize: 1, Policy: OverflowBlock, BlockTimeout: timeout})
	defer b.Close()

	slow1 := b.SubscribeBuffered("slow.test", 1)
	slow2 := b.SubscribeBuffered("slow.test", 1)
	healthy := b.SubscribeBuffered("slow.test", 8)

	// Fill both slow queues.
	require.NoError(t, b.Emit(event.New("slow.test", "test", nil)))
	<-healthy.Events()

	start := time.Now()
	err := b.Emit(event.New("slow.test", "test", nil))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrSaturated)
	assert.Less(t, elapsed, 2*timeout, "deadlines must run concurrently, not back to back")

	// The healthy subscriber was not stalled behind the slow ones.
	select {
	case <-healthy.Events():
	default:
		t.Fatal("healthy subscriber did not receive the event")
	}

	// Both slow queues still hold their first event.
	assert.Equal(t, 1, len(slow1.events))
	assert.Equal(t, 1, len(slow2.events))
}

func TestEmitAndWait(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	// A responder that answers test.run requests.
	requests := b.Subscribe("test.run")
	go func() {
		for ev := range requests.Events() {
			_ = b.Respond(ev, "responder", map[string]string{"result": "pass"})
		}
	}()

	reply, err := b.EmitAndWait(event.New("test.run", "test", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pass", reply["result"])
}

func TestEmitAndWaitTimeout(t *testing.T) {
	b := New(Options{})
	defer b.Close()

	before := b.SubscriberCount()
	_, err := b.EmitAndWait(event.New("test.run", "test", nil), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// The private reply subscription is always removed.
	assert.Equal(t, before, b.SubscriberCount())
}

func TestEmitOnClosedBus(t *testing.T) {
	b := New(Options{})
	b.Close()
	assert.ErrorIs(t, b.Emit(event.New("x", "test", nil)), ErrClosed)
}
