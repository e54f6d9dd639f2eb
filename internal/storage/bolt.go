package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nkkko/ply/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

const bucketEntries = "errors"

// BoltJournal stores entries in a single bbolt file. It suits small
// deployments that do not want badger's value log.
type BoltJournal struct {
	config  Config
	db      *bolt.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewBoltJournal opens or creates journal.db under config.DataDir
func NewBoltJournal(config Config) (*BoltJournal, error) {
	if config.GCInterval <= 0 {
		config.GCInterval = DefaultConfig().GCInterval
	}
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(config.DataDir, "journal.db")
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketEntries))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltJournal{
		config:  config,
		db:      db,
		logger:  log.With().Str("component", "journal-bolt").Logger(),
		metrics: metrics.GetMetrics(),
	}, nil
}

// Append stores a new entry
func (j *BoltJournal) Append(ctx context.Context, e Entry) (Entry, error) {
	e = stamp(e)
	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal entry: %w", err)
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEntries)).Put([]byte(e.ID), data)
	})
	if err != nil {
		j.metrics.JournalOperations.WithLabelValues("append", "false").Inc()
		return Entry{}, fmt.Errorf("failed to store entry: %w", err)
	}

	j.metrics.JournalOperations.WithLabelValues("append", "true").Inc()
	j.metrics.JournalRecords.Inc()
	return e, nil
}

// Get retrieves an entry by id
func (j *BoltJournal) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketEntries)).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	return e, err
}

// List returns up to limit entries, newest first
func (j *BoltJournal) List(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketEntries)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				j.logger.Error().Err(err).Str("id", string(k)).Msg("Failed to read entry")
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored entries
func (j *BoltJournal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketEntries)).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune deletes the oldest entries so at most keep remain
func (j *BoltJournal) Prune(ctx context.Context, keep int) (int, error) {
	pruned := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntries))
		excess := b.Stats().KeyN - keep
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// Start prunes the journal every GCInterval
func (j *BoltJournal) Start(ctx context.Context) error {
	ticker := time.NewTicker(j.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if j.config.MaxEntries <= 0 {
				continue
			}
			if n, err := j.Prune(ctx, j.config.MaxEntries); err != nil {
				j.logger.Error().Err(err).Msg("Failed to prune journal")
			} else if n > 0 {
				j.logger.Info().Int("pruned", n).Msg("Pruned journal")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes the database file
func (j *BoltJournal) Close() error {
	return j.db.Close()
}
