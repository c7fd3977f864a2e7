package collector

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wioota/devloop/pkg/event"
)

func writeHook(t *testing.T, sock, payload string) {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestGitCollectorIgnoresBadDescriptors(t *testing.T) {
	dir := t.TempDir()
	sock := dir + "/git.sock"

	pub := &capturePublisher{}
	c := NewGit(sock, pub)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	writeHook(t, sock, `not json at all`)
	writeHook(t, sock, `{"args":["missing hook name"]}`)
	writeHook(t, sock, `{"hook":"post-merge"}`)

	require.Eventually(t, func() bool {
		return len(pub.byType(event.TypeGitPostMerge)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.events, 1, "malformed descriptors produce no events")
}

func TestGitCollectorRestartsOnStaleSocket(t *testing.T) {
	dir := t.TempDir()
	sock := dir + "/git.sock"

	first := NewGit(sock, &capturePublisher{})
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, first.Stop())

	// Leave a file at the socket path, as an unclean shutdown would.
	require.NoError(t, os.WriteFile(sock, nil, 0600))

	// A second collector can claim the same path despite the leftover file.
	second := NewGit(sock, &capturePublisher{})
	require.NoError(t, second.Start(context.Background()))
	assert.NoError(t, second.Stop())
}
