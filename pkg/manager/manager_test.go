package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wioota/devloop/pkg/agent"
	"github.com/wioota/devloop/pkg/config"
	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/finding"
	"github.com/wioota/devloop/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})

	agent.RegisterFactory("e2e-linter", func(cfg map[string]any) (agent.Agent, error) {
		return &e2eLinter{}, nil
	})
}

// e2eLinter reports one blocking error per handled file event.
type e2eLinter struct{}

func (a *e2eLinter) Name() string                                { return "e2e-linter" }
func (a *e2eLinter) OnStart(ctx context.Context, env *agent.Env) error { return nil }
func (a *e2eLinter) OnStop(ctx context.Context) error            { return nil }
func (a *e2eLinter) NeedsWork(ev *event.Event) bool              { return true }

func (a *e2eLinter) Handle(ctx context.Context, ev *event.Event) (*agent.Result, error) {
	f := finding.New("e2e-linter", ev.Payload[event.PayloadPath], 3,
		finding.SeverityError, "type_error", "bad type for x")
	f.Blocking = true
	return &agent.Result{
		AgentName: "e2e-linter",
		Success:   true,
		Duration:  time.Millisecond,
		Findings:  []*finding.Finding{f},
	}, nil
}

func testConfig(t *testing.T, watchDir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.EventSystem.Collectors.Filesystem.WatchPaths = []string{watchDir}
	cfg.EventSystem.Collectors.Filesystem.DebounceMs = 50
	cfg.Agents = map[string]config.AgentConfig{
		"e2e-linter": {
			Enabled:  true,
			Triggers: []string{event.TypeFileCreated, event.TypeFileModified},
		},
	}
	return cfg
}

// A file change flows through collector, ingress, bus and agent into the
// context store's immediate tier.
func TestFileChangeProducesImmediateFinding(t *testing.T) {
	watchDir := t.TempDir()
	cfg := testConfig(t, watchDir)

	mgr, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(watchDir, "a.py"), []byte("x = 1\n"), 0644))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		idx, err := mgr.Store().CurrentIndex(ctx)
		return err == nil && idx.CheckNow.Count == 1
	}, 5*time.Second, 50*time.Millisecond, "finding should reach the immediate tier")

	idx, err := mgr.Store().CurrentIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.MentionIfRelevant.Count)
	assert.Equal(t, 0, idx.AutoFixed.Count)

	// The index file on disk agrees with the in-memory view.
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "context", "index.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count": 1`)
}

func TestPauseResumeStatus(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.EventSystem.Collectors.Filesystem.Enabled = false

	mgr, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	require.NoError(t, mgr.Pause())
	statuses := mgr.AgentStatuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Paused)
	assert.Equal(t, "e2e-linter", statuses[0].Name)

	require.NoError(t, mgr.Resume("e2e-linter"))
	assert.False(t, mgr.AgentStatuses()[0].Paused)

	assert.Error(t, mgr.Pause("no-such-agent"))
}

func TestPauseSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.EventSystem.Collectors.Filesystem.Enabled = false

	mgr, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	require.NoError(t, mgr.Pause("e2e-linter"))
	require.NoError(t, mgr.Stop())

	reopened, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, reopened.Start(context.Background()))
	defer reopened.Stop()

	assert.True(t, reopened.AgentStatuses()[0].Paused, "pause flag is durable")
}

// Graceful shutdown leaves the store consistent and returns cleanly.
func TestStopDrainsAndCompletes(t *testing.T) {
	watchDir := t.TempDir()
	cfg := testConfig(t, watchDir)

	mgr, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))

	for i := 0; i < 5; i++ {
		name := filepath.Join(watchDir, "f"+string(rune('0'+i))+".py")
		require.NoError(t, os.WriteFile(name, []byte("x\n"), 0644))
	}
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, mgr.Stop())

	select {
	case <-mgr.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}

	// A second Stop is a no-op.
	assert.NoError(t, mgr.Stop())

	// Tier files parse after shutdown.
	for _, name := range []string{"immediate.json", "index.json"} {
		_, err := os.ReadFile(filepath.Join(cfg.DataDir, "context", name))
		assert.NoError(t, err, name)
	}
}

func TestUnknownConfiguredAgentSkipped(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.EventSystem.Collectors.Filesystem.Enabled = false
	cfg.Agents["ghost"] = config.AgentConfig{Enabled: true, Triggers: []string{"*"}}

	mgr, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	statuses := mgr.AgentStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "e2e-linter", statuses[0].Name)
}
