// Package budget keeps the cross-process spend ledger. The supervisor and
// worker processes share one JSON state file guarded by an advisory file
// lock; all mutation goes through locked read-modify-write cycles with
// atomic replacement, so a crash mid-write never corrupts the ledger.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/autarkd/autark/internal/observability"
)

// State is the persisted ledger document.
type State struct {
	SpentUSD       float64 `json:"spent_usd"`
	UsageCount     int64   `json:"usage_count"`
	LastUsageAt    string  `json:"last_usage_at,omitempty"`
	PendingRestart bool    `json:"pending_restart,omitempty"`
	RestartReason  string  `json:"restart_reason,omitempty"`
	StableRevision string  `json:"stable_revision,omitempty"`
}

// Store reads and mutates the shared ledger.
type Store struct {
	path     string
	lock     *fileLock
	totalUSD float64
	logger   zerolog.Logger
	now      func() time.Time
}

// Options configures a Store.
type Options struct {
	// Path of the JSON state file; the lock file sits next to it.
	Path string
	// TotalUSD is the configured global spend ceiling.
	TotalUSD float64
	// LockStale is the staleness window after which an abandoned lock
	// file is reclaimed.
	LockStale time.Duration
	Logger    zerolog.Logger
}

// NewStore creates a Store. The state directory is created if missing.
func NewStore(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("budget: state path required")
	}
	if opts.LockStale <= 0 {
		opts.LockStale = 5 * time.Minute
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		path:     opts.Path,
		lock:     newFileLock(opts.Path+".lock", opts.LockStale),
		totalUSD: opts.TotalUSD,
		logger:   opts.Logger,
		now:      time.Now,
	}, nil
}

// TotalUSD returns the configured spend ceiling.
func (s *Store) TotalUSD() float64 { return s.totalUSD }

// Load reads the current state. A missing or corrupt file yields a zero
// state; spend tracking must never block task execution.
func (s *Store) Load() State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return State{}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Corrupt budget state, starting fresh")
		return State{}
	}
	return st
}

// Remaining returns the unspent budget, never negative.
func (s *Store) Remaining() float64 {
	remaining := s.totalUSD - s.Load().SpentUSD
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Update applies fn to the state under the file lock and persists the
// result atomically.
func (s *Store) Update(fn func(*State)) (State, error) {
	if err := s.lock.acquire(10 * time.Second); err != nil {
		return State{}, err
	}
	defer s.lock.release()

	st := s.Load()
	fn(&st)

	if err := s.writeAtomic(st); err != nil {
		return State{}, err
	}
	return st, nil
}

// AddUsage accumulates one model call's cost into the ledger.
func (s *Store) AddUsage(cost float64) (State, error) {
	st, err := s.Update(func(st *State) {
		st.SpentUSD += cost
		st.UsageCount++
		st.LastUsageAt = s.now().UTC().Format(time.RFC3339)
	})
	if err != nil {
		return st, err
	}

	remaining := s.totalUSD - st.SpentUSD
	if remaining < 0 {
		remaining = 0
	}
	observability.SetBudget(st.SpentUSD, remaining)

	s.logger.Debug().
		Float64("cost", cost).
		Float64("spent_usd", st.SpentUSD).
		Float64("remaining_usd", remaining).
		Msg("Budget usage recorded")
	return st, nil
}

// RequestRestart sets the pending-restart marker. The supervisor picks it
// up through the marker file watch and applies the pending update.
func (s *Store) RequestRestart(reason string) error {
	_, err := s.Update(func(st *State) {
		st.PendingRestart = true
		st.RestartReason = reason
	})
	if err != nil {
		return err
	}
	return s.writeMarker(reason)
}

// ClearRestart clears the pending-restart marker after the supervisor has
// acted on it.
func (s *Store) ClearRestart() error {
	_, err := s.Update(func(st *State) {
		st.PendingRestart = false
		st.RestartReason = ""
	})
	if err != nil {
		return err
	}
	os.Remove(s.MarkerPath())
	return nil
}

// SetStableRevision records the last-known-good revision used by the
// crash-storm rollback.
func (s *Store) SetStableRevision(rev string) error {
	_, err := s.Update(func(st *State) {
		st.StableRevision = rev
	})
	return err
}

// MarkerPath is the pending-restart marker file, suitable for an fsnotify
// watch.
func (s *Store) MarkerPath() string {
	return s.path + ".restart"
}

func (s *Store) writeMarker(reason string) error {
	doc, _ := json.Marshal(map[string]string{
		"reason": reason,
		"ts":     s.now().UTC().Format(time.RFC3339),
	})
	return atomicWrite(s.MarkerPath(), doc)
}

func (s *Store) writeAtomic(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal budget state: %w", err)
	}
	return atomicWrite(s.path, data)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
