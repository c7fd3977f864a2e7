package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wioota/devloop/pkg/bus"
	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/finding"
	"github.com/wioota/devloop/pkg/log"
	"github.com/wioota/devloop/pkg/store"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeSink records committed findings and honors cancellation like the
// real store.
type fakeSink struct {
	mu       sync.Mutex
	findings []*finding.Finding
}

func (s *fakeSink) Add(ctx context.Context, f *finding.Finding) error {
	if ctx.Err() != nil {
		return store.ErrCancelled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
	return nil
}

func (s *fakeSink) Resolve(ctx context.Context, id, agent string) error       { return nil }
func (s *fakeSink) ResolveFile(ctx context.Context, path, agent string) error { return nil }

func (s *fakeSink) all() []*finding.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*finding.Finding(nil), s.findings...)
}

// fakeEmitter records published events.
type fakeEmitter struct {
	mu     sync.Mutex
	events []*event.Event
	notify chan struct{}
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{notify: make(chan struct{}, 64)}
}

func (e *fakeEmitter) Publish(ev *event.Event) error {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

func (e *fakeEmitter) completions() []*event.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*event.Event
	for _, ev := range e.events {
		if ev.Type == event.AgentCompletedType("tester") {
			out = append(out, ev)
		}
	}
	return out
}

func (e *fakeEmitter) waitForCompletions(t *testing.T, n int, timeout time.Duration) []*event.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cs := e.completions(); len(cs) >= n {
			return cs
		}
		select {
		case <-e.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d completions, have %d", n, len(e.completions()))
		}
	}
}

// stubAgent is a scriptable agent implementation.
type stubAgent struct {
	name      string
	needsWork func(ev *event.Event) bool
	handle    func(ctx context.Context, ev *event.Event) (*Result, error)
}

func (a *stubAgent) Name() string                                  { return a.name }
func (a *stubAgent) OnStart(ctx context.Context, env *Env) error   { return nil }
func (a *stubAgent) OnStop(ctx context.Context) error              { return nil }
func (a *stubAgent) NeedsWork(ev *event.Event) bool {
	if a.needsWork != nil {
		return a.needsWork(ev)
	}
	return true
}
func (a *stubAgent) Handle(ctx context.Context, ev *event.Event) (*Result, error) {
	return a.handle(ctx, ev)
}

func testRuntime(t *testing.T, desc Descriptor, impl Agent) (*Runtime, *bus.Bus, *fakeEmitter, *fakeSink) {
	t.Helper()
	b := bus.New(bus.Options{})
	emitter := newFakeEmitter()
	sink := &fakeSink{}
	sem := NewSemaphore(4)
	rt := NewRuntime(desc, impl, b, sem, emitter, sink, nil)

	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
		b.Close()
	})
	return rt, b, emitter, sink
}

func okResult(findings ...*finding.Finding) *Result {
	return &Result{AgentName: "tester", Success: true, Duration: time.Millisecond, Findings: findings}
}

func TestHandleCommitsFindingsThenCompletes(t *testing.T) {
	f := finding.New("tester", "a.py", 3, finding.SeverityError, "type_error", "bad type")
	f.Blocking = true

	impl := &stubAgent{
		name: "tester",
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			return okResult(f), nil
		},
	}
	_, b, emitter, sink := testRuntime(t, Descriptor{
		Name:     "tester",
		Triggers: []string{event.TypeFileModified},
	}, impl)

	require.NoError(t, b.Emit(event.New(event.TypeFileModified, "test", map[string]string{
		event.PayloadPath: "a.py",
	})))

	cs := emitter.waitForCompletions(t, 1, 2*time.Second)
	c := cs[0]
	assert.Equal(t, "true", c.Payload[event.PayloadSuccess])
	assert.Equal(t, "1", c.Payload[event.PayloadFindings])
	assert.Empty(t, c.Payload[event.PayloadError])

	// Completion is published after the findings reach the sink.
	require.Len(t, sink.all(), 1)
	assert.Equal(t, f.ID, sink.all()[0].ID)
}

func TestNeedsWorkSkipsInvocation(t *testing.T) {
	var invoked sync.Map
	impl := &stubAgent{
		name:      "tester",
		needsWork: func(ev *event.Event) bool { return false },
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			invoked.Store(ev.ID, true)
			return okResult(), nil
		},
	}
	_, b, emitter, _ := testRuntime(t, Descriptor{
		Name:     "tester",
		Triggers: []string{event.TypeFileModified},
	}, impl)

	require.NoError(t, b.Emit(event.New(event.TypeFileModified, "test", nil)))
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, emitter.completions())
	count := 0
	invoked.Range(func(_, _ any) bool { count++; return true })
	assert.Zero(t, count)
}

func TestTimeoutRecordedAndNoFindingsCommitted(t *testing.T) {
	f := finding.New("tester", "a.py", 1, finding.SeverityError, "slow", "late finding")
	impl := &stubAgent{
		name: "tester",
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			<-ctx.Done() // simulate a tool that only stops at the timeout
			return okResult(f), nil
		},
	}
	_, b, emitter, sink := testRuntime(t, Descriptor{
		Name:     "tester",
		Triggers: []string{event.TypeFileModified},
		Timeout:  100 * time.Millisecond,
	}, impl)

	require.NoError(t, b.Emit(event.New(event.TypeFileModified, "test", nil)))

	cs := emitter.waitForCompletions(t, 1, 2*time.Second)
	assert.Equal(t, "false", cs[0].Payload[event.PayloadSuccess])
	assert.Equal(t, "timeout", cs[0].Payload[event.PayloadError])
	assert.Empty(t, sink.all(), "timed-out handler must not commit findings")
}

func TestRetriesTransientFailures(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	impl := &stubAgent{
		name: "tester",
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return nil, Transient(errors.New("tool flaked"))
			}
			return okResult(), nil
		},
	}
	_, b, emitter, _ := testRuntime(t, Descriptor{
		Name:     "tester",
		Triggers: []string{event.TypeFileModified},
		Retries:  3,
	}, impl)

	require.NoError(t, b.Emit(event.New(event.TypeFileModified, "test", nil)))

	cs := emitter.waitForCompletions(t, 1, 2*time.Second)
	assert.Equal(t, "true", cs[0].Payload[event.PayloadSuccess])
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestPermanentFailureNotRetried(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	impl := &stubAgent{
		name: "tester",
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, errors.New("config broken")
		},
	}
	_, b, emitter, _ := testRuntime(t, Descriptor{
		Name:     "tester",
		Triggers: []string{event.TypeFileModified},
		Retries:  3,
	}, impl)

	require.NoError(t, b.Emit(event.New(event.TypeFileModified, "test", nil)))

	cs := emitter.waitForCompletions(t, 1, 2*time.Second)
	assert.Equal(t, "handler_error", cs[0].Payload[event.PayloadError])
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestCancelPreviousDropsStaleWork(t *testing.T) {
	started := make(chan struct{}, 2)
	f := finding.New("tester", "a.py", 1, finding.SeverityError, "stale", "from cancelled run")

	impl := &stubAgent{
		name: "tester",
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			if ev.Payload["n"] == "1" {
				started <- struct{}{}
				<-ctx.Done() // E1 runs until cancelled
				return okResult(f), nil
			}
			return okResult(), nil
		},
	}
	rt, b, emitter, sink := testRuntime(t, Descriptor{
		Name:        "tester",
		Triggers:    []string{"test.run"},
		Concurrency: 2,
		Timeout:     5 * time.Second,
	}, impl)

	e1 := event.New("test.run", "test", map[string]string{"n": "1"})
	e1.Meta.CorrelationID = "X"
	require.NoError(t, b.Emit(e1))
	<-started

	// A newer event with cancel_previous arrives: the ingress queue asks
	// the runtime to cancel in-flight work for the correlation first.
	assert.Equal(t, 1, rt.CancelCorrelation("X"))

	e2 := event.New("test.run", "test", map[string]string{"n": "2"})
	e2.Meta.CorrelationID = "X"
	require.NoError(t, b.Emit(e2))

	cs := emitter.waitForCompletions(t, 2, 2*time.Second)

	// E1 committed nothing; E2 ran to completion.
	for _, got := range sink.all() {
		assert.NotEqual(t, f.ID, got.ID)
	}
	successes := 0
	for _, c := range cs {
		if c.Payload[event.PayloadSuccess] == "true" {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one successful completion for the correlation")
}

func TestLoopGuardLimitsRepeatedWork(t *testing.T) {
	var invocations int
	var mu sync.Mutex
	impl := &stubAgent{
		name: "tester",
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			mu.Lock()
			invocations++
			mu.Unlock()
			return okResult(), nil
		},
	}
	_, b, _, sink := testRuntime(t, Descriptor{
		Name:            "tester",
		Triggers:        []string{event.TypeFileModified},
		LoopGuardWindow: 10 * time.Second,
		LoopGuardMaxOps: 3,
	}, impl)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Emit(event.New(event.TypeFileModified, "test", map[string]string{
			event.PayloadPath: "a.py",
		})))
	}

	require.Eventually(t, func() bool {
		for _, f := range sink.all() {
			if f.Category == "loop_detected" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, invocations, 3, "at most max_ops_per_key invocations within the window")
}

func TestInvalidResultSurfacedAsAgentBug(t *testing.T) {
	impl := &stubAgent{
		name: "tester",
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			return &Result{AgentName: "", Success: true}, nil
		},
	}
	_, b, emitter, _ := testRuntime(t, Descriptor{
		Name:     "tester",
		Triggers: []string{event.TypeFileModified},
	}, impl)

	require.NoError(t, b.Emit(event.New(event.TypeFileModified, "test", nil)))

	cs := emitter.waitForCompletions(t, 1, 2*time.Second)
	assert.Equal(t, "invalid_result", cs[0].Payload[event.PayloadError])
}

func TestPauseAccumulatesAndResumeDrains(t *testing.T) {
	var handled int
	var mu sync.Mutex
	impl := &stubAgent{
		name: "tester",
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			mu.Lock()
			handled++
			mu.Unlock()
			return okResult(), nil
		},
	}
	rt, b, emitter, _ := testRuntime(t, Descriptor{
		Name:     "tester",
		Triggers: []string{event.TypeFileModified},
	}, impl)

	rt.Pause()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Emit(event.New(event.TypeFileModified, "test", nil)))
	}
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, handled, "paused agent must not invoke handlers")
	mu.Unlock()

	rt.Resume()
	emitter.waitForCompletions(t, 3, 2*time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, handled)
}

func TestChainDepthExceededDropsDerivedEvent(t *testing.T) {
	impl := &stubAgent{
		name: "tester",
		handle: func(ctx context.Context, ev *event.Event) (*Result, error) {
			return okResult(), nil
		},
	}
	rt, _, emitter, _ := testRuntime(t, Descriptor{
		Name:          "tester",
		Triggers:      []string{event.TypeFileModified},
		MaxChainDepth: 2,
	}, impl)

	deep := event.New("derived.work", "tester", nil)
	deep.Meta.Depth = 3
	require.NoError(t, rt.env.Emitter.Publish(deep))

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	require.Len(t, emitter.events, 1)
	assert.Equal(t, event.TypeChainDepthExceeded, emitter.events[0].Type)
}

func TestResultValidation(t *testing.T) {
	assert.Error(t, (&Result{}).Validate())
	assert.Error(t, (&Result{AgentName: "x", Duration: -time.Second}).Validate())
	assert.Error(t, (&Result{AgentName: "x", Success: true, Err: "boom"}).Validate())
	assert.NoError(t, (&Result{AgentName: "x", Success: true}).Validate())

	var nilResult *Result
	assert.Error(t, nilResult.Validate())
}

func TestTransientClassification(t *testing.T) {
	base := errors.New("flaky")
	assert.True(t, IsTransient(Transient(base)))
	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(nil))
	assert.Nil(t, Transient(nil))

	// Wrapping preserves the classification.
	wrapped := Transient(base)
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, base)
}
