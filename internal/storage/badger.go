package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/ply/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const prefixEntries = "err:"

// BadgerJournal stores entries in badger keyed by their time-ordered id
type BadgerJournal struct {
	config  Config
	db      *badger.DB
	cache   *Cache
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewBadgerJournal opens or creates a journal under config.DataDir
func NewBadgerJournal(config Config) (*BadgerJournal, error) {
	logger := log.With().Str("component", "journal-badger").Logger()

	if config.GCInterval <= 0 {
		config.GCInterval = DefaultConfig().GCInterval
	}

	dbPath := filepath.Join(config.DataDir, "badger")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	options := badger.DefaultOptions(dbPath)
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	j := &BadgerJournal{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}

	if config.CacheSize > 0 {
		cache, err := NewCache(config.CacheSize)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		j.cache = cache
	}

	logger.Info().Str("path", dbPath).Int("cache_size", config.CacheSize).Msg("Journal opened")
	return j, nil
}

// Append stores a new entry
func (j *BadgerJournal) Append(ctx context.Context, e Entry) (Entry, error) {
	timer := prometheus.NewTimer(j.metrics.JournalOperationDuration.WithLabelValues("append"))
	defer timer.ObserveDuration()

	e = stamp(e)
	data, err := json.Marshal(e)
	if err != nil {
		j.metrics.JournalOperations.WithLabelValues("append", "false").Inc()
		return Entry{}, fmt.Errorf("failed to marshal entry: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.ID), data)
	})
	if err != nil {
		j.metrics.JournalOperations.WithLabelValues("append", "false").Inc()
		return Entry{}, fmt.Errorf("failed to store entry: %w", err)
	}

	if j.cache != nil {
		j.cache.Set(e)
	}
	j.metrics.JournalOperations.WithLabelValues("append", "true").Inc()
	j.metrics.JournalRecords.Inc()
	return e, nil
}

// Get retrieves an entry by id
func (j *BadgerJournal) Get(ctx context.Context, id string) (Entry, error) {
	timer := prometheus.NewTimer(j.metrics.JournalOperationDuration.WithLabelValues("get"))
	defer timer.ObserveDuration()

	if j.cache != nil {
		if e, found := j.cache.Get(id); found {
			return e, nil
		}
	}

	var e Entry
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to retrieve entry: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		j.metrics.JournalOperations.WithLabelValues("get", "false").Inc()
		return Entry{}, err
	}

	if j.cache != nil {
		j.cache.Set(e)
	}
	j.metrics.JournalOperations.WithLabelValues("get", "true").Inc()
	return e, nil
}

// List returns up to limit entries, newest first
func (j *BadgerJournal) List(ctx context.Context, limit int) ([]Entry, error) {
	timer := prometheus.NewTimer(j.metrics.JournalOperationDuration.WithLabelValues("list"))
	defer timer.ObserveDuration()

	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefixEntries)

		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible id so the reverse walk starts at the newest
		for it.Seek(append([]byte(prefixEntries), 0xFF)); it.Valid(); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				j.logger.Error().Err(err).Str("key", string(it.Item().Key())).Msg("Failed to read entry")
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		j.metrics.JournalOperations.WithLabelValues("list", "false").Inc()
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	j.metrics.JournalOperations.WithLabelValues("list", "true").Inc()
	return entries, nil
}

// Count returns the number of stored entries
func (j *BadgerJournal) Count(ctx context.Context) (int, error) {
	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixEntries)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Prune deletes the oldest entries so at most keep remain
func (j *BadgerJournal) Prune(ctx context.Context, keep int) (int, error) {
	var stale [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = []byte(prefixEntries)

		it := txn.NewIterator(opts)
		defer it.Close()

		seen := 0
		for it.Seek(append([]byte(prefixEntries), 0xFF)); it.Valid(); it.Next() {
			seen++
			if seen > keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to prune entry: %w", err)
		}
		if j.cache != nil {
			j.cache.Invalidate(string(key[len(prefixEntries):]))
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to prune entries: %w", err)
	}

	j.metrics.JournalOperations.WithLabelValues("prune", "true").Add(float64(len(stale)))
	return len(stale), nil
}

// Start prunes the journal and reclaims value log space every GCInterval
func (j *BadgerJournal) Start(ctx context.Context) error {
	ticker := time.NewTicker(j.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if j.config.MaxEntries > 0 {
				if n, err := j.Prune(ctx, j.config.MaxEntries); err != nil {
					j.logger.Error().Err(err).Msg("Failed to prune journal")
				} else if n > 0 {
					j.logger.Info().Int("pruned", n).Msg("Pruned journal")
				}
			}
			// ErrNoRewrite only means there was nothing to collect
			if err := j.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				j.logger.Warn().Err(err).Msg("Value log GC failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes the database
func (j *BadgerJournal) Close() error {
	if j.cache != nil {
		j.cache.Clear()
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("error closing Badger database: %w", err)
	}
	return nil
}

func entryKey(id string) []byte {
	return []byte(prefixEntries + id)
}
