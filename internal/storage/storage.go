// Package storage keeps the journal of client error records received by the
// collector.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned by Get for an unknown id
var ErrNotFound = errors.New("journal entry not found")

// Entry is one stored error record
type Entry struct {
	ID         string             `json:"id"`
	Record     plyerrors.Record   `json:"record"`
	Severity   plyerrors.Severity `json:"severity"`
	ReceivedAt time.Time          `json:"receivedAt"`
	UserAgent  string             `json:"userAgent,omitempty"`
	RemoteAddr string             `json:"remoteAddr,omitempty"`
}

// Journal stores error records. Ids sort by arrival, so List can return the
// newest entries first.
type Journal interface {
	// Append stores e, assigning its id and arrival time
	Append(ctx context.Context, e Entry) (Entry, error)

	// Get returns the entry with the given id
	Get(ctx context.Context, id string) (Entry, error)

	// List returns up to limit entries, newest first
	List(ctx context.Context, limit int) ([]Entry, error)

	// Count returns the number of stored entries
	Count(ctx context.Context) (int, error)

	// Start runs background maintenance until ctx is done
	Start(ctx context.Context) error

	// Close releases the underlying store
	Close() error
}

// Type selects a journal implementation
type Type string

const (
	// BadgerJournalType stores entries in badger
	BadgerJournalType Type = "badger"

	// BoltJournalType stores entries in a single bbolt file
	BoltJournalType Type = "bolt"

	// MemoryJournalType keeps entries in process memory
	MemoryJournalType Type = "memory"
)

// Config contains journal configuration
type Config struct {
	Type    Type
	DataDir string

	// CacheSize bounds the entry cache in front of disk journals
	CacheSize int

	// GCInterval is how often disk space is reclaimed
	GCInterval time.Duration

	// MaxEntries caps the journal; the oldest entries are pruned first.
	// Zero keeps everything.
	MaxEntries int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Type:       BadgerJournalType,
		DataDir:    "./data",
		CacheSize:  1000,
		GCInterval: 10 * time.Minute,
		MaxEntries: 10000,
	}
}

// New creates the journal selected by config.Type
func New(config Config) (Journal, error) {
	switch config.Type {
	case BadgerJournalType, "":
		return NewBadgerJournal(config)
	case BoltJournalType:
		return NewBoltJournal(config)
	case MemoryJournalType:
		return NewMemoryJournal(config.MaxEntries), nil
	default:
		return nil, fmt.Errorf("unknown journal type %q", config.Type)
	}
}

// stamp fills in the id and arrival time of a new entry
func stamp(e Entry) Entry {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	e.ID = ulid.MustNew(ulid.Timestamp(e.ReceivedAt), ulid.DefaultEntropy()).String()
	return e
}

func clampLimit(limit, total int) int {
	if limit <= 0 || limit > total {
		return total
	}
	return limit
}
