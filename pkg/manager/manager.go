package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/agent"
	"github.com/wioota/devloop/pkg/audit"
	"github.com/wioota/devloop/pkg/bus"
	"github.com/wioota/devloop/pkg/collector"
	"github.com/wioota/devloop/pkg/config"
	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/eventstore"
	"github.com/wioota/devloop/pkg/finding"
	"github.com/wioota/devloop/pkg/ingress"
	"github.com/wioota/devloop/pkg/log"
	"github.com/wioota/devloop/pkg/metrics"
	"github.com/wioota/devloop/pkg/state"
	"github.com/wioota/devloop/pkg/store"
)

// shutdownGrace bounds how long Stop waits for each stage to drain.
const shutdownGrace = 5 * time.Second

// Manager owns every core component and enforces global policy: startup
// order, the concurrency ceiling, pause-for-assistant, graceful shutdown.
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus        *bus.Bus
	queue      *ingress.Queue
	store      *store.Store
	state      *state.Store
	audit      *audit.Writer
	journal    *eventstore.DB
	registry   *agent.Registry
	sem        *agent.Semaphore
	collectors []collector.Collector
	fsCol      *collector.Filesystem

	rootCtx    context.Context
	rootCancel context.CancelFunc
	stopCh     chan struct{}
	doneCh     chan struct{}
	started    bool
}

// New constructs the daemon components from configuration. Agents come
// from the factory registry; enabled agents without a registered
// implementation are skipped with a warning.
func New(cfg *config.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		logger: log.WithComponent("manager"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	st, err := state.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	m.state = st

	auditW, err := audit.NewWriter(filepath.Join(cfg.DataDir, "audit.log"))
	if err != nil {
		st.Close()
		return nil, err
	}
	m.audit = auditW

	m.bus = bus.New(bus.Options{})

	ctxStore, err := store.New(store.Options{
		Dir:  filepath.Join(cfg.DataDir, "context"),
		Mode: cfg.ContextStore.Mode,
		PerTierMax: map[finding.Tier]int{
			finding.TierImmediate: cfg.ContextStore.PerTierMax,
			finding.TierRelevant:  cfg.ContextStore.PerTierMax,
		},
		MaxAge: map[finding.Tier]time.Duration{
			finding.TierImmediate: time.Duration(cfg.ContextStore.RetentionDays) * 24 * time.Hour,
			finding.TierRelevant:  time.Duration(cfg.ContextStore.RetentionDays) * 24 * time.Hour,
		},
		Signal: func(ev *event.Event) {
			if err := m.bus.Emit(ev); err != nil {
				m.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("Store signal not delivered")
			}
		},
	})
	if err != nil {
		auditW.Close()
		st.Close()
		return nil, err
	}
	m.store = ctxStore

	m.queue = ingress.New(m.bus, cfg.EventSystem.Queue.Size,
		ingress.ParsePolicy(cfg.EventSystem.Queue.OverflowPolicy))

	if cfg.ContextStore.EventJournal {
		journal, err := eventstore.Open(filepath.Join(cfg.DataDir, "events.db"), 0)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Event journal disabled, could not open events.db")
		} else {
			m.journal = journal
		}
	}

	m.sem = agent.NewSemaphore(cfg.Global.MaxConcurrentAgents)
	m.registry = agent.NewRegistry()
	if err := m.buildAgents(); err != nil {
		m.closeStores()
		return nil, err
	}
	m.queue.SetCanceller(m.registry)

	m.buildCollectors()
	return m, nil
}

func (m *Manager) buildAgents() error {
	for name, ac := range m.cfg.Agents {
		if !ac.Enabled {
			continue
		}
		factory, ok := agent.LookupFactory(name)
		if !ok {
			m.logger.Warn().Str("agent", name).Msg("No implementation registered for configured agent, skipping")
			continue
		}
		impl, err := factory(ac.Config)
		if err != nil {
			return fmt.Errorf("failed to build agent %s: %w", name, err)
		}

		prio, err := event.ParsePriority(ac.Priority)
		if err != nil {
			return fmt.Errorf("agent %s: %w", name, err)
		}
		desc := agent.Descriptor{
			Name:            name,
			Triggers:        ac.Triggers,
			Config:          ac.Config,
			Timeout:         ac.AgentTimeout(),
			Retries:         ac.Retries,
			Concurrency:     ac.Concurrency,
			Priority:        prio,
			LoopGuardWindow: ac.LoopGuard.Window(),
			LoopGuardMaxOps: ac.LoopGuard.MaxOps(),
			MaxChainDepth:   m.cfg.Global.MaxChainDepth,
		}
		rt := agent.NewRuntime(desc, impl, m.bus, m.sem, m.queue, m.store, m.audit)
		m.registry.Add(rt)
	}
	return nil
}

func (m *Manager) buildCollectors() {
	cc := m.cfg.EventSystem.Collectors

	if cc.Filesystem.Enabled {
		m.fsCol = collector.NewFilesystem(collector.FilesystemOptions{
			Roots:       cc.Filesystem.WatchPaths,
			IgnoreGlobs: cc.Filesystem.IgnorePaths,
			Debounce:    time.Duration(cc.Filesystem.DebounceMs) * time.Millisecond,
		}, m.queue)
		m.collectors = append(m.collectors, m.fsCol)
	}

	if cc.Git.Enabled {
		socket := cc.Git.SocketPath
		if socket == "" {
			socket = filepath.Join(m.cfg.DataDir, "git-hooks.sock")
		}
		m.collectors = append(m.collectors, collector.NewGit(socket, m.queue))
	}

	if cc.Process.Enabled && len(cc.Process.Commands) > 0 {
		m.collectors = append(m.collectors, collector.NewProcess(cc.Process.Commands, m.queue))
	}

	if cc.Timer.Enabled && len(cc.Timer.Tags) > 0 {
		schedule := make(map[string]time.Duration, len(cc.Timer.Tags))
		for tag, raw := range cc.Timer.Tags {
			d, err := time.ParseDuration(raw)
			if err != nil {
				continue // validated at load; defensive only against drift
			}
			schedule[tag] = d
		}
		m.collectors = append(m.collectors, collector.NewTimer(schedule, m.queue))
	}
}

// Start brings the pipeline up in dependency order: store, bus, ingress,
// agents, collectors.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return nil
	}
	m.rootCtx, m.rootCancel = context.WithCancel(context.Background())

	m.store.Start()
	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("bus", true, "")

	m.queue.Start()
	metrics.RegisterComponent("ingress", true, "")

	// Internal consumers attach before agents so they never miss the
	// first events.
	m.startInternalSubscribers()

	for _, rt := range m.registry.All() {
		if err := rt.Start(ctx); err != nil {
			return err
		}
	}

	// Restore durable pause flags and the user-context window.
	if paused, err := m.state.PausedAgents(); err == nil {
		for name := range paused {
			if rt, ok := m.registry.Get(name); ok {
				rt.Pause()
			}
		}
	}
	if files, err := m.state.LoadUserContext(); err == nil && len(files) > 0 {
		if err := m.store.SeedUserFiles(ctx, files); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to seed user context")
		}
	}

	for _, c := range m.collectors {
		m.superviseCollector(c)
	}

	go m.telemetryLoop()
	go m.auditSweepLoop()

	m.started = true
	if err := m.bus.Emit(event.New(event.TypeManagerStarted, "manager", nil)); err != nil {
		m.logger.Warn().Err(err).Msg("manager.started not delivered")
	}
	m.logger.Info().
		Int("agents", len(m.registry.All())).
		Int("collectors", len(m.collectors)).
		Msg("Manager started")
	return nil
}

// Stop shuts the pipeline down stage by stage, each with a bounded
// deadline: collectors, ingress (drained while agents still consume),
// agents, store, then the bus.
func (m *Manager) Stop() error {
	if !m.started {
		return nil
	}
	m.started = false

	if err := m.bus.Emit(event.New(event.TypeManagerStopping, "manager", nil)); err != nil {
		m.logger.Debug().Err(err).Msg("manager.stopping not delivered")
	}
	close(m.stopCh)

	// Collectors first so no new events arrive.
	for _, c := range m.collectors {
		if err := c.Stop(); err != nil {
			m.logger.Warn().Err(err).Str("collector", c.Name()).Msg("Collector stop failed")
		}
	}

	// Drain the ingress queue into the bus.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	m.queue.Stop(drainCtx)
	cancel()

	// Agents are cancelled through their root contexts and get the grace
	// window for in-flight handlers to return.
	agentCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	for _, rt := range m.registry.All() {
		if err := rt.Stop(agentCtx); err != nil {
			m.logger.Warn().Err(err).Str("agent", rt.Name()).Msg("Agent stop failed")
		}
	}
	cancel()

	// Persist durable state before the store writer goes away.
	m.persistDurableState()

	storeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	if err := m.store.Stop(storeCtx); err != nil {
		m.logger.Warn().Err(err).Msg("Context store stop failed")
	}
	cancel()

	if err := m.bus.Emit(event.New(event.TypeManagerStopped, "manager", nil)); err != nil {
		m.logger.Debug().Err(err).Msg("manager.stopped not delivered")
	}
	m.rootCancel()
	m.bus.Close()
	m.closeStores()
	close(m.doneCh)

	m.logger.Info().Msg("Manager stopped")
	return nil
}

func (m *Manager) persistDurableState() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if files, err := m.store.UserFiles(ctx); err == nil {
		if err := m.state.SaveUserContext(files); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to persist user context")
		}
	}
}

func (m *Manager) closeStores() {
	if m.journal != nil {
		m.journal.Close()
	}
	if m.audit != nil {
		m.audit.Close()
	}
	if m.state != nil {
		m.state.Close()
	}
}

// Pause pauses the named agents, or all agents when none are named. This
// is the hook a coding assistant uses before writing files.
func (m *Manager) Pause(names ...string) error {
	return m.setPaused(true, names)
}

// Resume resumes the named agents, or all agents when none are named.
func (m *Manager) Resume(names ...string) error {
	return m.setPaused(false, names)
}

func (m *Manager) setPaused(paused bool, names []string) error {
	targets := names
	if len(targets) == 0 {
		for _, rt := range m.registry.All() {
			targets = append(targets, rt.Name())
		}
	}
	for _, name := range targets {
		rt, ok := m.registry.Get(name)
		if !ok {
			return fmt.Errorf("unknown agent: %s", name)
		}
		if paused {
			rt.Pause()
		} else {
			rt.Resume()
		}
		if err := m.state.SetPaused(name, paused); err != nil {
			m.logger.Warn().Err(err).Str("agent", name).Msg("Failed to persist pause flag")
		}
	}
	m.logger.Info().
		Bool("paused", paused).
		Str("agents", strings.Join(targets, ",")).
		Msg("Pause state changed")
	return nil
}

// AgentStatuses returns the per-agent health view.
func (m *Manager) AgentStatuses() []agent.Status {
	rts := m.registry.All()
	out := make([]agent.Status, 0, len(rts))
	for _, rt := range rts {
		out = append(out, rt.Status())
	}
	return out
}

// QueueDepth returns the current ingress backlog.
func (m *Manager) QueueDepth() int {
	return m.queue.Depth()
}

// SlotsInUse returns how many global concurrency slots are held.
func (m *Manager) SlotsInUse() int {
	return m.sem.InUse(m.cfg.Global.MaxConcurrentAgents)
}

// Store exposes the context store to the control surface.
func (m *Manager) Store() *store.Store {
	return m.store
}

// Done is closed once Stop completes.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}
