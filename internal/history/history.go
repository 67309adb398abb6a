// Package history keeps the bounded trail of finished runs.
package history

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultRetention is how many runs are kept when nothing else is configured.
const DefaultRetention = 10

// Entry is the retained summary of one run.
type Entry struct {
	RunID       string    `json:"runId"`
	Number      int       `json:"number"`
	Pipeline    string    `json:"pipeline"`
	Status      string    `json:"status"`
	FailedStage string    `json:"failedStage,omitempty"`
	Cause       string    `json:"cause,omitempty"`
	Warning     string    `json:"warning,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Store persists entries across restarts. Entries are handed over oldest
// first.
type Store interface {
	Load() ([]Entry, error)
	Append(e Entry) error
	Prune(keep int) error
}

// History is an in-memory FIFO bounded to max entries, optionally mirrored
// to a Store.
type History struct {
	mu      sync.Mutex
	max     int
	entries []Entry // oldest first
	last    int     // highest build number ever recorded
	store   Store
}

// New creates a History bounded to limit entries (DefaultRetention if
// limit <= 0). When store is non-nil its contents are loaded and trimmed to
// the bound.
func New(limit int, store Store) (*History, error) {
	if limit <= 0 {
		limit = DefaultRetention
	}
	h := &History{max: limit, store: store}
	if store == nil {
		return h, nil
	}

	entries, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for _, e := range entries {
		h.last = max(h.last, e.Number)
	}
	if len(entries) > h.max {
		entries = entries[len(entries)-h.max:]
		if err := store.Prune(h.max); err != nil {
			return nil, fmt.Errorf("prune history: %w", err)
		}
	}
	h.entries = entries
	return h, nil
}

// Max returns the retention bound.
func (h *History) Max() int {
	return h.max
}

// Record appends e and evicts the oldest entries until the bound holds.
// The in-memory trail is updated even when the store fails.
func (h *History) Record(e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, e)
	h.last = max(h.last, e.Number)
	evicted := len(h.entries) > h.max
	if evicted {
		h.entries = slices.Clone(h.entries[len(h.entries)-h.max:])
	}

	if h.store == nil {
		return nil
	}
	if err := h.store.Append(e); err != nil {
		return fmt.Errorf("persist run %s: %w", e.RunID, err)
	}
	if evicted {
		if err := h.store.Prune(h.max); err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}
	return nil
}

// List returns the retained entries, most recent first.
func (h *History) List() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := slices.Clone(h.entries)
	slices.Reverse(out)
	return out
}

// NextNumber returns the build number the next run should carry.
func (h *History) NextNumber() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last + 1
}
