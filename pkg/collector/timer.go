package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/log"
)

// Timer emits timer.<tag> events on the configured schedules.
type Timer struct {
	schedule map[string]time.Duration
	pub      Publisher
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTimer creates the timer collector from a tag -> interval schedule.
func NewTimer(schedule map[string]time.Duration, pub Publisher) *Timer {
	return &Timer{
		schedule: schedule,
		pub:      pub,
		logger:   log.WithCollector("timer"),
	}
}

// Name returns the collector name.
func (c *Timer) Name() string { return "timer" }

// Start launches one ticker per tag. Idempotent.
func (c *Timer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	for tag, interval := range c.schedule {
		if interval <= 0 {
			continue
		}
		tag, interval := tag, interval
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ev := event.New(event.TimerType(tag), c.Name(), map[string]string{
						"tag": tag,
					})
					ev.Meta.Priority = event.PriorityLow
					if err := c.pub.Publish(ev); err != nil {
						c.logger.Warn().Err(err).Str("tag", tag).Msg("Failed to publish timer event")
					}
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	return nil
}

// Stop terminates the tickers.
func (c *Timer) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	return nil
}
