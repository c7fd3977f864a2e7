package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wioota/devloop/pkg/event"
	"github.com/wioota/devloop/pkg/finding"
	"github.com/wioota/devloop/pkg/log"
	"github.com/wioota/devloop/pkg/metrics"
)

var (
	// ErrWriterBusy is returned when the mutation queue stays full past the
	// enqueue deadline.
	ErrWriterBusy = errors.New("store: writer queue full")

	// ErrCancelled is returned when a mutation arrives from a cancelled
	// scope; cancelled handlers must not commit findings.
	ErrCancelled = errors.New("store: mutation from cancelled scope")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("store: stopped")
)

// Signaller lets the store raise daemon events (store.degraded) without
// depending on the bus package.
type Signaller func(ev *event.Event)

// Options configures a Store.
type Options struct {
	// Dir is the directory holding the tier files and index (the context/
	// directory itself).
	Dir string

	// Mode adjusts tier thresholds: flow, balanced or quality.
	Mode string

	// PerTierMax caps stored findings per tier. Zero entries take the
	// defaults (immediate/relevant 500, background/auto_fixed 250).
	PerTierMax map[finding.Tier]int

	// MaxAge caps finding age per tier. Zero entries take the defaults
	// (immediate/relevant 7d, background 3d, auto_fixed 30d).
	MaxAge map[finding.Tier]time.Duration

	// QueueSize bounds the mutation command channel (default 256).
	QueueSize int

	// EnqueueTimeout bounds how long a mutation waits for queue space
	// (default 5s).
	EnqueueTimeout time.Duration

	// UserWindow is the size of the recently-touched file window
	// (default 10).
	UserWindow int

	// Tau is the freshness decay constant (default 1h).
	Tau time.Duration

	// Weights overrides the scoring coefficients.
	Weights finding.Weights

	// Signal receives store-level daemon events. Optional.
	Signal Signaller
}

type cmdKind int

const (
	cmdAdd cmdKind = iota
	cmdResolve
	cmdResolveFile
	cmdTouch
	cmdSeedUserFiles
	cmdSnapshot
	cmdIndex
	cmdStop
)

type command struct {
	kind    cmdKind
	ctx     context.Context
	f       *finding.Finding
	id      string
	agent   string
	path    string
	files   []string
	tier    finding.Tier
	done    chan error
	outF    chan []*finding.Finding
	outI    chan Index
	persist bool
}

// Store is the tiered finding store. A single writer goroutine owns all
// mutable state; every mutation is a command on a bounded channel and
// callers that need confirmation await the ack.
type Store struct {
	opts   Options
	th     finding.Thresholds
	logger zerolog.Logger

	cmds     chan command
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	// Writer-owned state. Only the writer goroutine touches these.
	findings  map[string]*finding.Finding
	userFiles []string
	degraded  bool
	spill     []*finding.Finding
}

// New creates a store rooted at opts.Dir and loads any previous state from
// the tier files (falling back to the .bak of a tier whose primary is
// unreadable).
func New(opts Options) (*Store, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 5 * time.Second
	}
	if opts.UserWindow <= 0 {
		opts.UserWindow = 10
	}

	s := &Store{
		opts:     opts,
		th:       finding.ThresholdsForMode(opts.Mode),
		logger:   log.WithComponent("store"),
		cmds:     make(chan command, opts.QueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		findings: make(map[string]*finding.Finding),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load context store: %w", err)
	}
	return s, nil
}

// Start launches the writer task.
func (s *Store) Start() {
	go s.run()
}

// Stop flushes pending mutations and persists a final consistent state.
// Bounded by ctx.
func (s *Store) Stop(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case s.cmds <- command{kind: cmdStop, done: done}:
	case <-ctx.Done():
		s.stopOnce.Do(func() { close(s.stopCh) })
		return ctx.Err()
	}
	select {
	case err := <-done:
		<-s.doneCh
		s.stopOnce.Do(func() { close(s.stopCh) })
		return err
	case <-ctx.Done():
		s.stopOnce.Do(func() { close(s.stopCh) })
		return ctx.Err()
	}
}

// Add inserts or merges a finding. It returns once the writer has applied
// and persisted the mutation. A cancelled ctx before application causes the
// write to be rejected.
func (s *Store) Add(ctx context.Context, f *finding.Finding) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("rejected finding from %s: %w", f.Agent, err)
	}
	return s.submit(ctx, command{kind: cmdAdd, ctx: ctx, f: f, persist: true})
}

// Resolve drops the finding with the given id if it is owned by agent.
func (s *Store) Resolve(ctx context.Context, id, agent string) error {
	return s.submit(ctx, command{kind: cmdResolve, ctx: ctx, id: id, agent: agent, persist: true})
}

// ResolveFile drops all findings for a file owned by agent. Other agents'
// findings are untouched.
func (s *Store) ResolveFile(ctx context.Context, path, agent string) error {
	return s.submit(ctx, command{
		kind: cmdResolveFile, ctx: ctx,
		path: finding.NormalizePath(path), agent: agent, persist: true,
	})
}

// Touch records a file as recently touched by the user. Fire-and-forget:
// when the writer queue is full the touch is dropped.
func (s *Store) Touch(path string) {
	select {
	case s.cmds <- command{kind: cmdTouch, path: finding.NormalizePath(path)}:
	default:
	}
}

// SeedUserFiles replaces the user-context window, e.g. when restoring
// persisted daemon state at startup.
func (s *Store) SeedUserFiles(ctx context.Context, files []string) error {
	return s.submit(ctx, command{kind: cmdSeedUserFiles, ctx: ctx, files: files})
}

// Snapshot returns a copy of the findings currently in a tier, newest
// first.
func (s *Store) Snapshot(ctx context.Context, tier finding.Tier) ([]*finding.Finding, error) {
	out := make(chan []*finding.Finding, 1)
	if err := s.submit(ctx, command{kind: cmdSnapshot, ctx: ctx, tier: tier, outF: out}); err != nil {
		return nil, err
	}
	return <-out, nil
}

// CurrentIndex returns the derived summary.
func (s *Store) CurrentIndex(ctx context.Context) (Index, error) {
	out := make(chan Index, 1)
	if err := s.submit(ctx, command{kind: cmdIndex, ctx: ctx, outI: out}); err != nil {
		return Index{}, err
	}
	return <-out, nil
}

// UserFiles returns the current user-context window, most recent first.
func (s *Store) UserFiles(ctx context.Context) ([]string, error) {
	out := make(chan []*finding.Finding, 1)
	if err := s.submit(ctx, command{kind: cmdSnapshot, ctx: ctx, tier: tierUserFiles, outF: out}); err != nil {
		return nil, err
	}
	fs := <-out
	files := make([]string, len(fs))
	for i, f := range fs {
		files[i] = f.File
	}
	return files, nil
}

// tierUserFiles is an internal sentinel for the user-context snapshot path.
const tierUserFiles = finding.Tier("__user_files")

func (s *Store) submit(ctx context.Context, c command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	c.done = make(chan error, 1)

	select {
	case s.cmds <- c:
	case <-ctx.Done():
		return ErrCancelled
	case <-s.stopCh:
		return ErrStopped
	case <-time.After(s.opts.EnqueueTimeout):
		return ErrWriterBusy
	}

	select {
	case err := <-c.done:
		return err
	case <-s.stopCh:
		return ErrStopped
	}
}

// run is the writer task. It owns all store state; nothing else mutates it.
func (s *Store) run() {
	defer close(s.doneCh)

	retention := time.NewTicker(time.Minute)
	defer retention.Stop()

	for {
		select {
		case c := <-s.cmds:
			if s.apply(c) {
				return
			}
		case <-retention.C:
			if evicted := s.evict(time.Now().UTC()); evicted > 0 {
				s.rescore()
				s.persist()
			} else {
				// Freshness decay can demote findings even without
				// evictions.
				if s.rescore() {
					s.persist()
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// apply executes one command; it reports true when the writer should exit.
func (s *Store) apply(c command) (stop bool) {
	// Cancelled scopes never commit.
	if c.ctx != nil && c.ctx.Err() != nil {
		c.done <- ErrCancelled
		return false
	}

	switch c.kind {
	case cmdAdd:
		s.addLocked(c.f)
	case cmdResolve:
		if f, ok := s.findings[c.id]; ok && f.Agent == c.agent {
			delete(s.findings, c.id)
		}
	case cmdResolveFile:
		for id, f := range s.findings {
			if f.Agent == c.agent && f.File == c.path {
				delete(s.findings, id)
			}
		}
	case cmdTouch:
		s.touchLocked(c.path)
		s.rescore()
		s.persist()
		return false
	case cmdSeedUserFiles:
		s.userFiles = append([]string(nil), c.files...)
		if len(s.userFiles) > s.opts.UserWindow {
			s.userFiles = s.userFiles[:s.opts.UserWindow]
		}
		s.rescore()
	case cmdSnapshot:
		if c.tier == tierUserFiles {
			out := make([]*finding.Finding, len(s.userFiles))
			for i, p := range s.userFiles {
				out[i] = &finding.Finding{File: p}
			}
			c.outF <- out
		} else {
			c.outF <- s.snapshotLocked(c.tier)
		}
	case cmdIndex:
		c.outI <- s.buildIndex(time.Now().UTC())
	case cmdStop:
		s.rescore()
		err := s.persist()
		c.done <- err
		return true
	}

	if c.persist {
		s.rescore()
		if err := s.persist(); err != nil {
			c.done <- err
			return false
		}
	}
	c.done <- nil
	return false
}

// addLocked merges a finding into the map. Same id: first_seen stays the
// oldest, timestamp refreshes to the later report, message and detail take
// the newer text, occurrences increments.
func (s *Store) addLocked(f *finding.Finding) {
	if existing, ok := s.findings[f.ID]; ok {
		if f.Timestamp.After(existing.Timestamp) {
			existing.Timestamp = f.Timestamp
		}
		if existing.FirstSeen.IsZero() || (!f.FirstSeen.IsZero() && f.FirstSeen.Before(existing.FirstSeen)) {
			if !f.FirstSeen.IsZero() {
				existing.FirstSeen = f.FirstSeen
			}
		}
		existing.Message = f.Message
		existing.Detail = f.Detail
		existing.SuggestedFix = f.SuggestedFix
		existing.AutoFixable = f.AutoFixable
		existing.AutoFixed = f.AutoFixed
		existing.Severity = f.Severity
		existing.Blocking = f.Blocking
		existing.Tags = f.Tags
		existing.Occurrences++
		return
	}

	cp := *f
	if cp.FirstSeen.IsZero() {
		cp.FirstSeen = cp.Timestamp
	}
	if cp.Occurrences <= 0 {
		cp.Occurrences = 1
	}
	s.findings[cp.ID] = &cp
}

func (s *Store) touchLocked(path string) {
	// Move-to-front sliding window of unique paths.
	files := make([]string, 0, len(s.userFiles)+1)
	files = append(files, path)
	for _, p := range s.userFiles {
		if p != path {
			files = append(files, p)
		}
	}
	if len(files) > s.opts.UserWindow {
		files = files[:s.opts.UserWindow]
	}
	s.userFiles = files
}

// rescore recomputes score and tier for every finding; reports whether any
// tier changed.
func (s *Store) rescore() bool {
	now := time.Now().UTC()
	userSet := make(map[string]bool, len(s.userFiles))
	for _, p := range s.userFiles {
		userSet[p] = true
	}
	in := finding.ScoreInput{
		Now:       now,
		UserFiles: userSet,
		Tau:       s.opts.Tau,
		Weights:   s.opts.Weights,
	}

	changed := false
	for _, f := range s.findings {
		f.RelevanceScore = finding.Score(f, in)
		tier := finding.AssignTier(f, f.RelevanceScore, s.th)
		if tier != f.Tier {
			f.Tier = tier
			changed = true
		}
	}
	return changed
}

func (s *Store) snapshotLocked(tier finding.Tier) []*finding.Finding {
	var out []*finding.Finding
	for _, f := range s.findings {
		if f.Tier == tier {
			cp := *f
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	return out
}

// evict applies per-tier age and count ceilings; returns evicted count.
func (s *Store) evict(now time.Time) int {
	evicted := 0

	for _, tier := range finding.Tiers {
		maxAge := s.maxAge(tier)
		for id, f := range s.findings {
			if f.Tier == tier && now.Sub(f.Timestamp) > maxAge {
				delete(s.findings, id)
				metrics.FindingsEvicted.WithLabelValues(string(tier)).Inc()
				evicted++
			}
		}

		ceiling := s.perTierMax(tier)
		members := s.snapshotLocked(tier)
		if len(members) <= ceiling {
			continue
		}
		// Eviction prefers oldest and lowest-score.
		sort.SliceStable(members, func(i, j int) bool {
			if members[i].RelevanceScore != members[j].RelevanceScore {
				return members[i].RelevanceScore < members[j].RelevanceScore
			}
			return members[i].Timestamp.Before(members[j].Timestamp)
		})
		for _, f := range members[:len(members)-ceiling] {
			delete(s.findings, f.ID)
			metrics.FindingsEvicted.WithLabelValues(string(tier)).Inc()
			evicted++
		}
	}
	return evicted
}

func (s *Store) perTierMax(tier finding.Tier) int {
	if v, ok := s.opts.PerTierMax[tier]; ok && v > 0 {
		return v
	}
	switch tier {
	case finding.TierImmediate, finding.TierRelevant:
		return 500
	default:
		return 250
	}
}

func (s *Store) maxAge(tier finding.Tier) time.Duration {
	if v, ok := s.opts.MaxAge[tier]; ok && v > 0 {
		return v
	}
	switch tier {
	case finding.TierImmediate, finding.TierRelevant:
		return 7 * 24 * time.Hour
	case finding.TierBackground:
		return 3 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

func sortNewestFirst(fs []*finding.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		if !fs[i].Timestamp.Equal(fs[j].Timestamp) {
			return fs[i].Timestamp.After(fs[j].Timestamp)
		}
		return fs[i].ID < fs[j].ID
	})
}
