package storage

import (
	"context"
	"sync"

	"github.com/nkkko/ply/internal/metrics"
)

// MemoryJournal keeps entries in memory. It is used in tests and when the
// collector runs without a data directory.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
	max     int
	metrics *metrics.Metrics
}

// NewMemoryJournal creates a journal holding at most max entries; zero
// means unbounded
func NewMemoryJournal(max int) *MemoryJournal {
	return &MemoryJournal{
		byID:    make(map[string]int),
		max:     max,
		metrics: metrics.GetMetrics(),
	}
}

// Append stores a new entry, dropping the oldest when full
func (j *MemoryJournal) Append(ctx context.Context, e Entry) (Entry, error) {
	e = stamp(e)

	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, e)
	if j.max > 0 && len(j.entries) > j.max {
		j.entries = append([]Entry(nil), j.entries[len(j.entries)-j.max:]...)
	}
	j.reindex()

	j.metrics.JournalOperations.WithLabelValues("append", "true").Inc()
	j.metrics.JournalRecords.Inc()
	return e, nil
}

// Get retrieves an entry by id
func (j *MemoryJournal) Get(ctx context.Context, id string) (Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	i, ok := j.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return j.entries[i], nil
}

// List returns up to limit entries, newest first
func (j *MemoryJournal) List(ctx context.Context, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := clampLimit(limit, len(j.entries))
	out := make([]Entry, 0, n)
	for i := len(j.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

// Count returns the number of stored entries
func (j *MemoryJournal) Count(ctx context.Context) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries), nil
}

// Start blocks until ctx is done; there is nothing to maintain
func (j *MemoryJournal) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close drops all entries
func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
	j.byID = make(map[string]int)
	return nil
}

func (j *MemoryJournal) reindex() {
	clear(j.byID)
	for i, e := range j.entries {
		j.byID[e.ID] = i
	}
}
