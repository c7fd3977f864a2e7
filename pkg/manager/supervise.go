package manager

import (
	"runtime"
	"time"

	"github.com/wioota/devloop/pkg/collector"
	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/finding"
	"github.com/wioota/devloop/pkg/metrics"
)

const (
	collectorBackoffBase = time.Second
	collectorBackoffCap  = time.Minute

	// debounceCeiling bounds how far the adaptive policy will stretch the
	// filesystem debounce.
	debounceCeiling = 5 * time.Second
)

// superviseCollector starts a collector and restarts it with exponential
// backoff when Start fails. A collector that cannot come up emits
// collector.down; the others keep running.
func (m *Manager) superviseCollector(c collector.Collector) {
	go func() {
		backoff := collectorBackoffBase
		for {
			err := c.Start(m.rootCtx)
			if err == nil {
				metrics.RegisterComponent("collector."+c.Name(), true, "")
				return
			}

			m.logger.Error().Err(err).Str("collector", c.Name()).Msg("Collector failed to start")
			metrics.RegisterComponent("collector."+c.Name(), false, err.Error())
			metrics.CollectorRestarts.WithLabelValues(c.Name()).Inc()
			if berr := m.bus.Emit(event.New(event.TypeCollectorDown, "manager", map[string]string{
				"collector":        c.Name(),
				event.PayloadError: err.Error(),
			})); berr != nil {
				m.logger.Debug().Err(berr).Msg("collector.down not delivered")
			}

			select {
			case <-time.After(backoff):
			case <-m.stopCh:
				return
			}
			if backoff < collectorBackoffCap {
				backoff *= 2
				if backoff > collectorBackoffCap {
					backoff = collectorBackoffCap
				}
			}
		}
	}()
}

// startInternalSubscribers attaches the wildcard consumers the daemon
// itself runs: the event journal, and the user-context tracker feeding
// relevance scoring.
func (m *Manager) startInternalSubscribers() {
	if m.journal != nil {
		sub := m.bus.Subscribe(event.Wildcard)
		go func() {
			for ev := range sub.Events() {
				if err := m.journal.Record(ev); err != nil {
					m.logger.Debug().Err(err).Msg("Event not journaled")
				}
			}
		}()
	}

	touched := m.bus.Subscribe(event.TypeFileModified)
	go func() {
		for ev := range touched.Events() {
			if path := ev.Payload[event.PayloadPath]; path != "" {
				m.store.Touch(path)
			}
		}
	}()
}

// telemetryLoop collects rolling per-agent resource aggregates and applies
// the adaptive debounce policy: an agent consistently exceeding its CPU
// share stretches the filesystem debounce. The change is soft and logged.
func (m *Manager) telemetryLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	configured := time.Duration(m.cfg.EventSystem.Collectors.Filesystem.DebounceMs) * time.Millisecond
	if configured <= 0 {
		configured = 500 * time.Millisecond
	}
	current := configured

	for {
		select {
		case <-ticker.C:
		case <-m.stopCh:
			return
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		metrics.ProcessMemoryBytes.WithLabelValues("alloc").Set(float64(ms.Alloc))
		metrics.ProcessMemoryBytes.WithLabelValues("heap_inuse").Set(float64(ms.HeapInuse))
		metrics.ProcessMemoryBytes.WithLabelValues("sys").Set(float64(ms.Sys))
		if limit := m.cfg.Global.ResourceLimits.MaxMemory; limit > 0 && int64(ms.Alloc) > limit {
			m.logger.Warn().
				Uint64("alloc_bytes", ms.Alloc).
				Int64("limit_bytes", limit).
				Msg("Memory above advisory limit")
		}

		if m.fsCol == nil {
			continue
		}

		// Busy means the smoothed handler time approaches the invocation
		// ceiling: back off the event rate instead of queueing more work.
		busy := false
		for _, rt := range m.registry.All() {
			ewma := rt.EWMADuration()
			if ewma > 0 && ewma > m.busyThreshold() {
				busy = true
				break
			}
		}

		next := current
		if busy {
			next = current * 3 / 2
			if next > debounceCeiling {
				next = debounceCeiling
			}
		} else if current > configured {
			next = current * 2 / 3
			if next < configured {
				next = configured
			}
		}

		if next != current {
			m.logger.Info().
				Dur("from", current).
				Dur("to", next).
				Bool("busy", busy).
				Msg("Adaptive debounce adjusted")
			m.fsCol.SetDebounce(next)
			current = next
		}
	}
}

func (m *Manager) busyThreshold() time.Duration {
	// Advisory CPU share: treat sustained handler time beyond a fraction
	// of the smallest configured timeout as pressure. The configured
	// max_cpu share (a fraction of one core) tightens the fraction.
	min := 30 * time.Second
	for _, ac := range m.cfg.Agents {
		if t := ac.AgentTimeout(); t < min {
			min = t
		}
	}
	share := 0.5
	if c := m.cfg.Global.ResourceLimits.MaxCPU; c > 0 && c < 1 {
		share = c
	}
	return time.Duration(float64(min) * share)
}

// auditSweepLoop enforces the audit log retention window once a day.
func (m *Manager) auditSweepLoop() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.audit.Sweep(); err != nil {
				m.logger.Warn().Err(err).Msg("Audit sweep failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// ResolveFindings lets the control surface drop an agent's findings for a
// file, mirroring the agent-side resolve path.
func (m *Manager) ResolveFindings(agentName, path string) error {
	ctx, cancel := contextWithGrace()
	defer cancel()
	return m.store.ResolveFile(ctx, finding.NormalizePath(path), agentName)
}
