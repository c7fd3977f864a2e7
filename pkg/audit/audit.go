package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/log"
)

// Action is the audited operation kind.
type Action string

const (
	ActionFileCreated     Action = "file_created"
	ActionFileModified    Action = "file_modified"
	ActionFileDeleted     Action = "file_deleted"
	ActionCommandRun      Action = "command_run"
	ActionFixApplied      Action = "fix_applied"
	ActionFindingReported Action = "finding_reported"
	ActionError           Action = "error"
	ActionConfigChange    Action = "config_change"
)

// Entry is one audit line. Timestamp is filled by the writer when zero.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Agent      string    `json:"agent"`
	Action     Action    `json:"action"`
	Target     string    `json:"target,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
}

// Retention is how long audit lines are kept.
const Retention = 30 * 24 * time.Hour

// Writer appends JSON lines to the audit log. Writes are serialized; a
// failed append is logged but never fails the caller.
type Writer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger zerolog.Logger
}

// NewWriter opens (or creates) the append-only audit log.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Writer{
		path:   path,
		file:   f,
		logger: log.WithComponent("audit"),
	}, nil
}

// Log appends one entry.
func (w *Writer) Log(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to marshal audit entry")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		w.logger.Error().Err(err).Msg("Failed to append audit entry")
	}
}

// Sweep rewrites the log dropping entries older than the retention window.
func (w *Writer) Sweep() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	src, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open audit log for sweep: %w", err)
	}
	defer src.Close()

	tmp := w.path + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create sweep file: %w", err)
	}

	cutoff := time.Now().UTC().Add(-Retention)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	out := bufio.NewWriter(dst)
	for scanner.Scan() {
		line := scanner.Bytes()
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // drop unparsable lines
		}
		if e.Timestamp.Before(cutoff) {
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to scan audit log: %w", err)
	}
	if err := out.Flush(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush sweep file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	w.file.Close()
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("failed to replace audit log: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		w.file = nil
		return fmt.Errorf("failed to reopen audit log: %w", err)
	}
	w.file = f
	return nil
}

// Close flushes and closes the log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// FileDigest returns the hex sha256 of a file, for entries that record the
// content they acted on.
func FileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
