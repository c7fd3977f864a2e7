package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/log"
)

// hookDescriptor is the JSON object a git hook script writes to the
// collector socket.
type hookDescriptor struct {
	Hook string   `json:"hook"`
	Args []string `json:"args,omitempty"`
}

// Git listens on a unix domain socket for hook descriptors written by the
// installed git hook scripts and translates them to git.* events.
type Git struct {
	socketPath string
	pub        Publisher
	logger     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewGit creates the git hook collector.
func NewGit(socketPath string, pub Publisher) *Git {
	return &Git{
		socketPath: socketPath,
		pub:        pub,
		logger:     log.WithCollector("git"),
	}
}

// Name returns the collector name.
func (c *Git) Name() string { return "git" }

// Start begins accepting hook descriptors. Idempotent.
func (c *Git) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	// A previous unclean shutdown may leave the socket file behind.
	_ = os.Remove(c.socketPath)

	listener, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.listener = listener
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go c.accept(runCtx)

	c.logger.Info().Str("socket", c.socketPath).Msg("Git collector started")
	return nil
}

// Stop closes the socket and terminates the accept loop.
func (c *Git) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	listener := c.listener
	c.mu.Unlock()

	cancel()
	listener.Close()
	c.wg.Wait()
	_ = os.Remove(c.socketPath)
	return nil
}

func (c *Git) accept(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		c.handle(conn)
	}
}

func (c *Git) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var desc hookDescriptor
	if err := json.NewDecoder(conn).Decode(&desc); err != nil {
		c.logger.Warn().Err(err).Msg("Bad hook descriptor")
		return
	}
	if desc.Hook == "" {
		return
	}

	payload := map[string]string{"hook": desc.Hook}
	if len(desc.Args) > 0 {
		payload["args"] = strings.Join(desc.Args, " ")
	}

	ev := event.New("git."+desc.Hook, c.Name(), payload)
	// Hooks gate user-visible operations, so they skip ahead of file noise.
	ev.Meta.Priority = event.PriorityHigh
	if err := c.pub.Publish(ev); err != nil {
		c.logger.Warn().Err(err).Str("hook", desc.Hook).Msg("Failed to publish hook event")
	}
}
