package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/audit"
	"github.com/wioota/devloop/pkg/bus"
	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/finding"
	"github.com/wioota/devloop/pkg/log"
	"github.com/wioota/devloop/pkg/metrics"
)

// Stats is a snapshot of an agent's rolling resource accounting.
type Stats struct {
	Invocations   uint64        `json:"invocations"`
	Failures      uint64        `json:"failures"`
	Retries       uint64        `json:"retries"`
	LoopTrips     uint64        `json:"loop_trips"`
	BusySeconds   float64       `json:"busy_seconds"`
	AvgDuration   time.Duration `json:"avg_duration"`
	EWMADuration  time.Duration `json:"ewma_duration"`
	LastEventTime time.Time     `json:"last_event_time"`
	LastError     string        `json:"last_error,omitempty"`
}

// Status is the health view the manager exposes per agent.
type Status struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Paused   bool   `json:"paused"`
	Backlog  int    `json:"backlog"`
	Inflight int    `json:"inflight"`
	Stats    Stats  `json:"stats"`
}

// Runtime hosts one agent instance: its private bounded queue, subscription
// bindings, loop guard, retry/timeout handling and result publication.
type Runtime struct {
	desc   Descriptor
	impl   Agent
	env    *Env
	bus    *bus.Bus
	sem    *Semaphore
	emit   Emitter
	sink   FindingSink
	audit  *audit.Writer
	logger zerolog.Logger

	queue chan *event.Event
	subs  []*bus.Subscription

	paused   atomic.Bool
	disabled atomic.Bool

	// loopGuard is owned by the consumer goroutine.
	loopGuard map[string][]time.Time

	inflightMu sync.Mutex
	inflight   map[string][]context.CancelFunc
	inflightN  atomic.Int64

	statsMu sync.Mutex
	stats   Stats
	totalNs int64

	rootCtx    context.Context
	rootCancel context.CancelFunc
	workers    chan struct{}
	wg         sync.WaitGroup
}

// NewRuntime binds an agent implementation to its descriptor.
func NewRuntime(desc Descriptor, impl Agent, b *bus.Bus, sem *Semaphore, emit Emitter, sink FindingSink, auditW *audit.Writer) *Runtime {
	desc.normalize()
	r := &Runtime{
		desc:      desc,
		impl:      impl,
		bus:       b,
		sem:       sem,
		emit:      emit,
		sink:      sink,
		audit:     auditW,
		logger:    log.WithAgent(desc.Name),
		queue:     make(chan *event.Event, desc.QueueSize),
		loopGuard: make(map[string][]time.Time),
		inflight:  make(map[string][]context.CancelFunc),
		workers:   make(chan struct{}, desc.Concurrency),
	}
	r.env = &Env{
		Emitter:  &chainEmitter{rt: r},
		Findings: sink,
		Logger:   r.logger,
		Config:   desc.Config,
	}
	return r
}

// Name returns the agent name.
func (r *Runtime) Name() string { return r.desc.Name }

// Start subscribes the agent's triggers and launches the consumer.
func (r *Runtime) Start(ctx context.Context) error {
	r.rootCtx, r.rootCancel = context.WithCancel(context.Background())

	if err := r.impl.OnStart(ctx, r.env); err != nil {
		r.rootCancel()
		return fmt.Errorf("agent %s failed to start: %w", r.desc.Name, err)
	}

	for _, pattern := range r.desc.Triggers {
		sub := r.bus.SubscribeBuffered(pattern, r.desc.QueueSize)
		r.subs = append(r.subs, sub)
		r.wg.Add(1)
		go r.forward(sub)
	}

	r.wg.Add(1)
	go r.consume()

	r.logger.Info().
		Strs("triggers", r.desc.Triggers).
		Int("concurrency", r.desc.Concurrency).
		Msg("Agent started")
	return nil
}

// Stop cancels in-flight work, drains the bindings and calls OnStop.
// Bounded by ctx.
func (r *Runtime) Stop(ctx context.Context) error {
	r.disabled.Store(true)
	for _, sub := range r.subs {
		r.bus.Unsubscribe(sub)
	}
	if r.rootCancel == nil {
		return nil
	}
	r.rootCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn().Msg("Agent stop deadline reached with work still in flight")
	}

	return r.impl.OnStop(ctx)
}

// Pause stops consumption; the private queue keeps accumulating up to its
// bound and arrivals beyond the bound are dropped with a backpressure
// event.
func (r *Runtime) Pause() {
	r.paused.Store(true)
}

// Resume restarts consumption of the accumulated backlog.
func (r *Runtime) Resume() {
	r.paused.Store(false)
}

// Paused reports whether the agent is paused.
func (r *Runtime) Paused() bool { return r.paused.Load() }

// Disable drops the agent's backlog and discards future events.
func (r *Runtime) Disable() {
	r.disabled.Store(true)
	for {
		select {
		case <-r.queue:
		default:
			return
		}
	}
}

// Enable re-activates a disabled agent.
func (r *Runtime) Enable() {
	r.disabled.Store(false)
}

// Enabled reports whether the agent is consuming events.
func (r *Runtime) Enabled() bool { return !r.disabled.Load() }

// CancelCorrelation cancels all in-flight invocations sharing the
// correlation id; it returns how many were cancelled.
func (r *Runtime) CancelCorrelation(correlationID string) int {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()

	cancels := r.inflight[correlationID]
	for _, cancel := range cancels {
		cancel()
	}
	delete(r.inflight, correlationID)
	return len(cancels)
}

// Status returns the agent's health view.
func (r *Runtime) Status() Status {
	r.statsMu.Lock()
	stats := r.stats
	if stats.Invocations > 0 {
		stats.AvgDuration = time.Duration(r.totalNs / int64(stats.Invocations))
	}
	r.statsMu.Unlock()

	return Status{
		Name:     r.desc.Name,
		Enabled:  !r.disabled.Load(),
		Paused:   r.paused.Load(),
		Backlog:  len(r.queue),
		Inflight: int(r.inflightN.Load()),
		Stats:    stats,
	}
}

// EWMADuration returns the smoothed handler duration used by the adaptive
// debounce policy.
func (r *Runtime) EWMADuration() time.Duration {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats.EWMADuration
}

// forward moves events from a bus subscription into the agent's private
// queue, preserving delivery order per subscription.
func (r *Runtime) forward(sub *bus.Subscription) {
	defer r.wg.Done()

	for ev := range sub.Events() {
		select {
		case r.queue <- ev:
		default:
			// Private queue at bound: drop with a backpressure signal.
			metrics.EventsDropped.WithLabelValues("backpressure").Inc()
			bp := event.New(event.TypeBackpressure, r.desc.Name, map[string]string{
				event.PayloadAgent: r.desc.Name,
				"event_type":       ev.Type,
			})
			_ = r.bus.Emit(bp)
		}
	}
}

// consume is the agent's single consumer task. Serial agents run handlers
// inline; parallel agents spawn up to Concurrency workers.
func (r *Runtime) consume() {
	defer r.wg.Done()

	for {
		var ev *event.Event
		var ok bool
		select {
		case ev, ok = <-r.queue:
			if !ok {
				return
			}
		case <-r.rootCtx.Done():
			return
		}

		if r.disabled.Load() {
			continue
		}
		for r.paused.Load() {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-r.rootCtx.Done():
				return
			}
		}
		if r.disabled.Load() {
			continue
		}

		if ev.Meta.Depth > r.desc.MaxChainDepth {
			metrics.ChainDepthExceeded.Inc()
			_ = r.bus.Emit(event.New(event.TypeChainDepthExceeded, r.desc.Name, map[string]string{
				event.PayloadAgent: r.desc.Name,
				"event_type":       ev.Type,
				"depth":            strconv.Itoa(ev.Meta.Depth),
			}))
			continue
		}
		if r.loopGuardTripped(ev) {
			continue
		}
		if !r.impl.NeedsWork(ev) {
			continue
		}

		if err := r.sem.Acquire(r.rootCtx, r.desc.Priority); err != nil {
			return
		}

		if r.desc.Concurrency <= 1 {
			r.invoke(ev)
			r.sem.Release()
			continue
		}

		select {
		case r.workers <- struct{}{}:
		case <-r.rootCtx.Done():
			r.sem.Release()
			return
		}
		r.wg.Add(1)
		go func(ev *event.Event) {
			defer r.wg.Done()
			defer func() { <-r.workers }()
			defer r.sem.Release()
			r.invoke(ev)
		}(ev)
	}
}

// loopGuardTripped maintains the rolling per-key action window and reports
// a finding when the ceiling is hit.
func (r *Runtime) loopGuardTripped(ev *event.Event) bool {
	key := ev.DedupKey()
	now := time.Now()
	cutoff := now.Add(-r.desc.LoopGuardWindow)

	recent := r.loopGuard[key][:0]
	for _, t := range r.loopGuard[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.desc.LoopGuardMaxOps {
		r.loopGuard[key] = recent
		metrics.LoopGuardTrips.WithLabelValues(r.desc.Name).Inc()
		r.statsMu.Lock()
		r.stats.LoopTrips++
		r.statsMu.Unlock()
		r.logger.Warn().
			Str("key", key).
			Int("max_ops", r.desc.LoopGuardMaxOps).
			Dur("window", r.desc.LoopGuardWindow).
			Msg("Loop guard tripped, skipping event")

		f := finding.New(r.desc.Name, ev.Payload[event.PayloadPath], 0,
			finding.SeverityWarning, "loop_detected",
			fmt.Sprintf("%s skipped repeated work on %s: %d operations within %s",
				r.desc.Name, key, len(recent), r.desc.LoopGuardWindow))
		if err := r.sink.Add(context.Background(), f); err != nil {
			r.logger.Error().Err(err).Msg("Failed to record loop_detected finding")
		}
		_ = r.emit.Publish(event.Derived(ev, event.TypeLoopDetected, r.desc.Name, map[string]string{
			event.PayloadAgent: r.desc.Name,
			"key":              key,
		}))
		return true
	}

	r.loopGuard[key] = append(recent, now)
	return false
}

// invoke runs one handler invocation under timeout/retry and publishes the
// completion event after the findings are enqueued to the store.
func (r *Runtime) invoke(ev *event.Event) {
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(r.rootCtx, r.desc.Timeout)
	corrKey := ev.Meta.CorrelationID
	if corrKey == "" {
		corrKey = ev.ID
	}
	r.trackInflight(corrKey, cancel)
	defer r.untrackInflight(corrKey)
	defer cancel()

	var res *Result
	var err error
	for attempt := 0; ; attempt++ {
		res, err = r.safeHandle(ctx, ev)
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt >= r.desc.Retries || !IsTransient(err) {
			break
		}
		metrics.AgentRetries.WithLabelValues(r.desc.Name).Inc()
		r.statsMu.Lock()
		r.stats.Retries++
		r.statsMu.Unlock()
		r.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("Retrying transient agent failure")
	}

	duration := timer.Duration()
	errKind := classify(ctx, err)

	if errKind == "" && res != nil {
		if verr := res.Validate(); verr != nil {
			// Contract violation is an agent bug, surfaced loudly.
			errKind = "invalid_result"
			r.logger.Error().Err(verr).Msg("Agent returned invalid result")
			r.auditError(ev, verr)
			res = nil
		}
	}
	if errKind == "timeout" || errKind == "handler_error" {
		cause := err
		if cause == nil {
			cause = errors.New(errKind)
		}
		r.auditError(ev, cause)
	}

	findingsCount := 0
	if errKind == "" && res != nil {
		findingsCount = r.commit(ctx, ev, res)
	}

	r.account(duration, errKind)
	r.publishCompletion(ev, errKind, duration, findingsCount)
}

// safeHandle calls the handler and converts a panic into an error so a
// buggy agent cannot take the daemon down.
func (r *Runtime) safeHandle(ctx context.Context, ev *event.Event) (res *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent panic: %v", rec)
		}
	}()
	return r.impl.Handle(ctx, ev)
}

func classify(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case errors.Is(ctx.Err(), context.Canceled):
		return "cancelled"
	case err != nil:
		return "handler_error"
	default:
		return ""
	}
}

// commit inserts the result's findings. A cancelled scope commits nothing:
// the store rejects mutations whose context is done.
func (r *Runtime) commit(ctx context.Context, ev *event.Event, res *Result) int {
	committed := 0
	for _, f := range res.Findings {
		if f.Agent == "" {
			f.Agent = r.desc.Name
		}
		if err := r.sink.Add(ctx, f); err != nil {
			r.logger.Warn().Err(err).Str("finding_id", f.ID).Msg("Finding not committed")
			continue
		}
		committed++
		r.auditFinding(f)
	}

	if res.Success {
		if resolver, ok := r.impl.(Resolver); ok {
			if err := resolver.Resolve(ctx, ev); err != nil {
				r.logger.Debug().Err(err).Msg("Agent resolve pass failed")
			}
		}
	}
	return committed
}

// publishCompletion emits agent.<name>.completed. It is published after the
// findings are enqueued so a reader of the completion event observes them
// through the index.
func (r *Runtime) publishCompletion(ev *event.Event, errKind string, duration time.Duration, findingsCount int) {
	payload := map[string]string{
		event.PayloadAgent:      r.desc.Name,
		event.PayloadSuccess:    strconv.FormatBool(errKind == ""),
		event.PayloadDurationMs: strconv.FormatInt(duration.Milliseconds(), 10),
		event.PayloadFindings:   strconv.Itoa(findingsCount),
	}
	if errKind != "" {
		payload[event.PayloadError] = errKind
	}
	completed := event.Derived(ev, event.AgentCompletedType(r.desc.Name), r.desc.Name, payload)
	if err := r.emit.Publish(completed); err != nil {
		r.logger.Debug().Err(err).Msg("Completion event not published")
	}
}

func (r *Runtime) account(duration time.Duration, errKind string) {
	result := "success"
	if errKind != "" {
		result = errKind
	}
	metrics.AgentInvocations.WithLabelValues(r.desc.Name, result).Inc()
	metrics.AgentDuration.WithLabelValues(r.desc.Name).Observe(duration.Seconds())
	metrics.AgentBusySeconds.WithLabelValues(r.desc.Name).Add(duration.Seconds())

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.Invocations++
	r.stats.LastEventTime = time.Now()
	r.stats.BusySeconds += duration.Seconds()
	r.totalNs += int64(duration)
	if errKind != "" && errKind != "cancelled" {
		r.stats.Failures++
		r.stats.LastError = errKind
	}
	// CPU share proxy: smoothed wall-clock handler time. Handlers are
	// dominated by external tool subprocesses, so wall time tracks cost
	// closely enough for the advisory limits.
	const alpha = 0.2
	if r.stats.EWMADuration == 0 {
		r.stats.EWMADuration = duration
	} else {
		r.stats.EWMADuration = time.Duration(
			alpha*float64(duration) + (1-alpha)*float64(r.stats.EWMADuration))
	}
}

func (r *Runtime) trackInflight(key string, cancel context.CancelFunc) {
	r.inflightMu.Lock()
	r.inflight[key] = append(r.inflight[key], cancel)
	r.inflightMu.Unlock()
	r.inflightN.Add(1)
}

func (r *Runtime) untrackInflight(key string) {
	r.inflightMu.Lock()
	cancels := r.inflight[key]
	if len(cancels) <= 1 {
		delete(r.inflight, key)
	} else {
		r.inflight[key] = cancels[:len(cancels)-1]
	}
	r.inflightMu.Unlock()
	r.inflightN.Add(-1)
}

func (r *Runtime) auditFinding(f *finding.Finding) {
	if r.audit == nil {
		return
	}
	r.audit.Log(audit.Entry{
		Agent:   r.desc.Name,
		Action:  audit.ActionFindingReported,
		Target:  f.File,
		Success: true,
	})
}

func (r *Runtime) auditError(ev *event.Event, err error) {
	if r.audit == nil {
		return
	}
	r.audit.Log(audit.Entry{
		Agent:   r.desc.Name,
		Action:  audit.ActionError,
		Target:  ev.Type,
		Success: false,
		Error:   err.Error(),
	})
}

// chainEmitter enforces the derived-event chain depth before handing the
// event back to the ingress queue.
type chainEmitter struct {
	rt *Runtime
}

func (c *chainEmitter) Publish(ev *event.Event) error {
	if ev.Meta.Depth > c.rt.desc.MaxChainDepth {
		metrics.ChainDepthExceeded.Inc()
		c.rt.logger.Warn().
			Str("event_type", ev.Type).
			Int("depth", ev.Meta.Depth).
			Msg("Derived event dropped, chain depth exceeded")
		sig := event.New(event.TypeChainDepthExceeded, c.rt.desc.Name, map[string]string{
			event.PayloadAgent: c.rt.desc.Name,
			"event_type":       ev.Type,
			"depth":            strconv.Itoa(ev.Meta.Depth),
		})
		return c.rt.emit.Publish(sig)
	}
	return c.rt.emit.Publish(ev)
}
