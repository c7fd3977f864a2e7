package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/log"
)

// Process wraps configured commands, emitting process.started and
// process.exit events with output digests.
type Process struct {
	commands [][]string
	pub      Publisher
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProcess creates the process collector.
func NewProcess(commands [][]string, pub Publisher) *Process {
	return &Process{
		commands: commands,
		pub:      pub,
		logger:   log.WithCollector("process"),
	}
}

// Name returns the collector name.
func (c *Process) Name() string { return "process" }

// Start runs the configured commands, one goroutine each. Idempotent.
func (c *Process) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	for _, argv := range c.commands {
		if len(argv) == 0 {
			continue
		}
		argv := argv
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.Run(runCtx, argv)
		}()
	}
	return nil
}

// Stop cancels running commands and waits for the wrappers to exit.
func (c *Process) Stop() error {
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

// Run executes one command under ctx and emits its lifecycle events. It is
// also usable directly for one-shot wrapped invocations.
func (c *Process) Run(ctx context.Context, argv []string) {
	cmdline := argv[0]
	for _, a := range argv[1:] {
		cmdline += " " + a
	}

	startEv := event.New(event.TypeProcessStarted, c.Name(), map[string]string{
		event.PayloadCommand: cmdline,
	})
	if err := c.pub.Publish(startEv); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish process.started")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.Output()
	exitCode := 0
	var stderr []byte
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
			stderr = ee.Stderr
		} else {
			exitCode = -1
		}
	}

	exitEv := event.Derived(startEv, event.TypeProcessExit, c.Name(), map[string]string{
		event.PayloadCommand:      cmdline,
		event.PayloadExitCode:     strconv.Itoa(exitCode),
		event.PayloadStdoutDigest: digest(stdout),
		event.PayloadStderrDigest: digest(stderr),
	})
	if exitCode != 0 {
		exitEv.Meta.Priority = event.PriorityHigh
	}
	if err := c.pub.Publish(exitEv); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish process.exit")
	}
}

func digest(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
