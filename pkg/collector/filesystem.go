package collector

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/log"
)

// renamePairWindow is how long a rename is held waiting for its create
// half before being reported as a deletion.
const renamePairWindow = 100 * time.Millisecond

// FilesystemOptions configures the file-system collector.
type FilesystemOptions struct {
	// Roots are the directories to watch recursively.
	Roots []string

	// IgnoreGlobs are doublestar patterns matched against the watched
	// path in forward-slash form with a leading "./" removed; the path is
	// relative only when its root is (VCS dirs, build outputs, the state
	// dir).
	IgnoreGlobs []string

	// Debounce is attached to emitted events so the ingress queue
	// coalesces rapid saves of the same path (default 500ms).
	Debounce time.Duration
}

// Filesystem watches configured roots with the OS-native watcher and emits
// file.created/modified/deleted/renamed events.
type Filesystem struct {
	opts   FilesystemOptions
	pub    Publisher
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pendingRename     string
	pendingRenameTime time.Time
}

// NewFilesystem creates the file-system collector.
func NewFilesystem(opts FilesystemOptions, pub Publisher) *Filesystem {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if len(opts.Roots) == 0 {
		opts.Roots = []string{"."}
	}
	return &Filesystem{
		opts:   opts,
		pub:    pub,
		logger: log.WithCollector("filesystem"),
	}
}

// Name returns the collector name.
func (c *Filesystem) Name() string { return "filesystem" }

// SetDebounce changes the debounce window attached to emitted events. The
// manager's adaptive policy calls this while the collector runs.
func (c *Filesystem) SetDebounce(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.opts.Debounce = d
	c.mu.Unlock()
}

func (c *Filesystem) debounce() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Debounce
}

// Start begins watching. Calling Start on a running collector is a no-op.
func (c *Filesystem) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, root := range c.opts.Roots {
		if err := c.addRecursive(watcher, root); err != nil {
			watcher.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.watcher = watcher
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go c.run(runCtx)

	c.logger.Info().Strs("roots", c.opts.Roots).Msg("Filesystem collector started")
	return nil
}

// Stop terminates the watch loop.
func (c *Filesystem) Stop() error {
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

func (c *Filesystem) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if c.ignored(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (c *Filesystem) ignored(path string) bool {
	rel := filepath.ToSlash(path)
	rel = strings.TrimPrefix(rel, "./")
	for _, pattern := range c.opts.IgnoreGlobs {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (c *Filesystem) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.watcher.Close()

	flush := time.NewTicker(renamePairWindow)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flushPendingRename()
			return

		case fe, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handle(fe)

		case <-flush.C:
			c.flushPendingRename()

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (c *Filesystem) handle(fe fsnotify.Event) {
	if c.ignored(fe.Name) {
		return
	}

	switch {
	case fe.Has(fsnotify.Create):
		// A create right after a rename is the second half of a move.
		if old := c.takePendingRename(); old != "" {
			c.emit(event.TypeFileRenamed, map[string]string{
				event.PayloadPath:    filepath.ToSlash(fe.Name),
				event.PayloadOldPath: filepath.ToSlash(old),
				event.PayloadNewPath: filepath.ToSlash(fe.Name),
			})
		} else {
			c.emit(event.TypeFileCreated, map[string]string{
				event.PayloadPath: filepath.ToSlash(fe.Name),
			})
		}
		// Watch newly created directories.
		if info, err := os.Stat(fe.Name); err == nil && info.IsDir() {
			if err := c.addRecursive(c.watcher, fe.Name); err != nil {
				c.logger.Debug().Err(err).Str("path", fe.Name).Msg("Failed to watch new directory")
			}
		}

	case fe.Has(fsnotify.Write):
		c.emit(event.TypeFileModified, map[string]string{
			event.PayloadPath: filepath.ToSlash(fe.Name),
		})

	case fe.Has(fsnotify.Remove):
		c.emit(event.TypeFileDeleted, map[string]string{
			event.PayloadPath: filepath.ToSlash(fe.Name),
		})

	case fe.Has(fsnotify.Rename):
		// Hold the old path briefly; the paired create resolves it into a
		// file.renamed, otherwise it degrades to a deletion.
		c.flushPendingRename()
		c.mu.Lock()
		c.pendingRename = fe.Name
		c.pendingRenameTime = time.Now()
		c.mu.Unlock()
	}
}

func (c *Filesystem) takePendingRename() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingRename == "" || time.Since(c.pendingRenameTime) > renamePairWindow {
		c.pendingRename = ""
		return ""
	}
	old := c.pendingRename
	c.pendingRename = ""
	return old
}

func (c *Filesystem) flushPendingRename() {
	c.mu.Lock()
	old := c.pendingRename
	stale := old != "" && time.Since(c.pendingRenameTime) > renamePairWindow
	if stale {
		c.pendingRename = ""
	}
	c.mu.Unlock()

	if stale {
		c.emit(event.TypeFileDeleted, map[string]string{
			event.PayloadPath: filepath.ToSlash(old),
		})
	}
}

func (c *Filesystem) emit(eventType string, payload map[string]string) {
	ev := event.New(eventType, c.Name(), payload)
	ev.Meta.Debounce = c.debounce()
	if err := c.pub.Publish(ev); err != nil {
		c.logger.Warn().Err(err).Str("event_type", eventType).Msg("Failed to publish event")
	}
}
