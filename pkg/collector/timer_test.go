package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wioota/devloop/pkg/event"
)

func TestTimerEmitsOnSchedule(t *testing.T) {
	pub := &capturePublisher{}
	c := NewTimer(map[string]time.Duration{"cleanup": 30 * time.Millisecond}, pub)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool {
		return len(pub.byType("timer.cleanup")) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	ev := pub.byType("timer.cleanup")[0]
	assert.Equal(t, "cleanup", ev.Payload["tag"])
	assert.Equal(t, event.PriorityLow, ev.Meta.Priority)
	assert.Equal(t, "timer", ev.Source)
}

func TestTimerStopHaltsEmission(t *testing.T) {
	pub := &capturePublisher{}
	c := NewTimer(map[string]time.Duration{"tick": 20 * time.Millisecond}, pub)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(pub.byType("timer.tick")) >= 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	n := len(pub.byType("timer.tick"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, len(pub.byType("timer.tick")), "no events after Stop")

	// Stop is safe to call twice.
	require.NoError(t, c.Stop())
}

func TestGitCollectorSocketRoundTrip(t *testing.T) {
	// Exercised through a real unix socket connection.
	dir := t.TempDir()
	sock := dir + "/git.sock"

	pub := &capturePublisher{}
	c := NewGit(sock, pub)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	writeHook(t, sock, `{"hook":"pre-commit","args":["-a"]}`)

	require.Eventually(t, func() bool {
		return len(pub.byType(event.TypeGitPreCommit)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := pub.byType(event.TypeGitPreCommit)[0]
	assert.Equal(t, "pre-commit", ev.Payload["hook"])
	assert.Equal(t, "-a", ev.Payload["args"])
	assert.Equal(t, event.PriorityHigh, ev.Meta.Priority)
}
