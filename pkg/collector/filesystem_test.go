package collector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
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

type capturePublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *capturePublisher) Publish(ev *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) byType(eventType string) []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*event.Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestIgnoreGlobs(t *testing.T) {
	c := NewFilesystem(FilesystemOptions{
		IgnoreGlobs: []string{"**/.git/**", "**/node_modules/**", "build/**"},
	}, &capturePublisher{})

	tests := []struct {
		path    string
		ignored bool
	}{
		{"src/main.go", false},
		{"src/.git/objects/ab", true},
		{".git/HEAD", true},
		{"web/node_modules/react/index.js", true},
		{"build/out.bin", true},
		{"builds/out.bin", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ignored, c.ignored(tt.path), tt.path)
	}
}

func TestWatchEmitsCreateAndModify(t *testing.T) {
	dir := t.TempDir()
	pub := &capturePublisher{}
	c := NewFilesystem(FilesystemOptions{
		Roots:    []string{dir},
		Debounce: 100 * time.Millisecond,
	}, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	// Start is idempotent.
	require.NoError(t, c.Start(ctx))

	path := filepath.Join(dir, "a.py")
	require.NoError(t, os.WriteFile(path, []byte("x = 1\n"), 0644))

	require.Eventually(t, func() bool {
		return len(pub.byType(event.TypeFileCreated)) >= 1
	}, 2*time.Second, 20*time.Millisecond)

	created := pub.byType(event.TypeFileCreated)[0]
	assert.Equal(t, filepath.ToSlash(path), created.Payload[event.PayloadPath])
	assert.Equal(t, 100*time.Millisecond, created.Meta.Debounce,
		"events carry the debounce window for the ingress queue")
	assert.Equal(t, "filesystem", created.Source)

	require.NoError(t, os.WriteFile(path, []byte("x = 2\n"), 0644))
	require.Eventually(t, func() bool {
		return len(pub.byType(event.TypeFileModified)) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatchEmitsDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.py")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0644))

	pub := &capturePublisher{}
	c := NewFilesystem(FilesystemOptions{Roots: []string{dir}}, pub)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		return len(pub.byType(event.TypeFileDeleted)) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSetDebounce(t *testing.T) {
	c := NewFilesystem(FilesystemOptions{Debounce: 500 * time.Millisecond}, &capturePublisher{})
	assert.Equal(t, 500*time.Millisecond, c.debounce())

	c.SetDebounce(750 * time.Millisecond)
	assert.Equal(t, 750*time.Millisecond, c.debounce())

	c.SetDebounce(0) // ignored
	assert.Equal(t, 750*time.Millisecond, c.debounce())
}
