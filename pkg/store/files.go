package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/finding"
	"github.com/wioota/devloop/pkg/metrics"
)

// spillLimit bounds the in-memory buffer kept while the store is degraded.
const spillLimit = 1000

func (s *Store) tierPath(tier finding.Tier) string {
	return filepath.Join(s.opts.Dir, string(tier)+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.opts.Dir, "index.json")
}

// load reads the tier files into memory. A tier whose primary file is
// corrupt (partial write from a crash) falls back to its .bak.
func (s *Store) load() error {
	if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	for _, tier := range finding.Tiers {
		path := s.tierPath(tier)
		items, err := readTierFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			s.logger.Warn().Err(err).Str("tier", string(tier)).Msg("Tier file unreadable, trying backup")
			items, err = readTierFile(path + ".bak")
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return fmt.Errorf("tier %s unreadable and no usable backup: %w", tier, err)
			}
		}
		for _, f := range items {
			f.Tier = tier
			s.findings[f.ID] = f
		}
	}
	return nil
}

func readTierFile(path string) ([]*finding.Finding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []*finding.Finding
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return items, nil
}

// persist writes every tier file plus the index atomically. The previous
// known-good file becomes the tier's single .bak. A failed write is retried
// once; a second failure flips the store into degraded mode: mutations keep
// landing in a bounded spill buffer, readers keep seeing last-known-good
// files.
func (s *Store) persist() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StoreWriteDuration)

	now := nowUTC()
	var firstErr error
	for _, tier := range finding.Tiers {
		items := s.snapshotLocked(tier)
		metrics.FindingsByTier.WithLabelValues(string(tier)).Set(float64(len(items)))
		if err := s.writeJSON(s.tierPath(tier), items); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := s.writeJSON(s.indexPath(), s.buildIndex(now)); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		metrics.StoreWriteFailures.Inc()
		s.enterDegraded(firstErr)
		return firstErr
	}

	metrics.StoreWrites.Inc()
	if s.degraded {
		s.degraded = false
		s.spill = nil
		s.logger.Info().Msg("Context store recovered from degraded mode")
	}
	return nil
}

// writeJSON writes value to path via tmp-then-rename, preserving the
// previous file as .bak. One transient failure is retried.
func (s *Store) writeJSON(path string, value any) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = writeAtomic(path, value); err == nil {
			return nil
		}
	}
	return err
}

func writeAtomic(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(tmp), err)
	}
	if _, err := os.Stat(path); err == nil {
		// Keep at most one backup of the last known-good state.
		if err := os.Rename(path, path+".bak"); err != nil {
			return fmt.Errorf("failed to rotate backup for %s: %w", filepath.Base(path), err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(tmp), err)
	}
	return nil
}

func (s *Store) enterDegraded(cause error) {
	if !s.degraded {
		s.degraded = true
		s.logger.Error().Err(cause).Msg("Context store degraded, buffering mutations in memory")
		if s.opts.Signal != nil {
			s.opts.Signal(event.New(event.TypeStoreDegraded, "store", map[string]string{
				event.PayloadError: cause.Error(),
			}))
		}
	}
	// Record current findings as the spill set so nothing is lost if the
	// process exits before the disk recovers.
	if len(s.spill) < spillLimit {
		for _, f := range s.findings {
			if len(s.spill) >= spillLimit {
				break
			}
			cp := *f
			s.spill = append(s.spill, &cp)
		}
	}
}
