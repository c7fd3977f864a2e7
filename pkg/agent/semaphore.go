package agent

import (
	"container/heap"
	"context"
	"sync"

	"github.com/wioota/devloop/pkg/event"
)

// Semaphore is the global concurrency ceiling for agent handlers. When
// saturated, admission is strictly by priority, FIFO within a priority.
type Semaphore struct {
	mu      sync.Mutex
	free    int
	seq     uint64
	waiters waiterHeap
}

type waiter struct {
	priority event.Priority
	seq      uint64
	ready    chan struct{}
	index    int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// NewSemaphore creates a semaphore with the given number of slots.
func NewSemaphore(slots int) *Semaphore {
	if slots <= 0 {
		slots = 1
	}
	return &Semaphore{free: slots}
}

// Acquire takes a slot, waiting by priority order when none is free. It
// returns ctx.Err() if the context is done first.
func (s *Semaphore) Acquire(ctx context.Context, priority event.Priority) error {
	s.mu.Lock()
	if s.free > 0 && s.waiters.Len() == 0 {
		s.free--
		s.mu.Unlock()
		return nil
	}

	w := &waiter{
		priority: priority,
		seq:      s.seq,
		ready:    make(chan struct{}),
	}
	s.seq++
	heap.Push(&s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Slot was granted while we were cancelling; hand it back.
			s.releaseLocked()
			s.mu.Unlock()
			return ctx.Err()
		default:
		}
		if w.index >= 0 && w.index < s.waiters.Len() && s.waiters[w.index] == w {
			heap.Remove(&s.waiters, w.index)
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a slot, waking the highest-priority oldest waiter.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *Semaphore) releaseLocked() {
	if s.waiters.Len() > 0 {
		w := heap.Pop(&s.waiters).(*waiter)
		close(w.ready)
		return
	}
	s.free++
}

// InUse reports how many slots are currently held. Used by status
// reporting.
func (s *Semaphore) InUse(total int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return total - s.free
}
