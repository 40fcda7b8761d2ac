// Package persist provides the best-effort durability collaborator for the
// story cache: a bbolt-backed store fed by an asynchronous write-behind
// queue, plus snapshot load on process start. The cache degrades to pure
// in-memory operation if this collaborator is absent or failing.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wanderstory/storycache/pkg/cache"
	"github.com/wanderstory/storycache/pkg/logx"
)

const entriesBucket = "entries"

// Config holds configuration for the persistence store
type Config struct {
	Path      string `json:"path"`
	QueueSize int    `json:"queue_size"`
}

// DefaultConfig returns default persistence configuration
func DefaultConfig() *Config {
	return &Config{
		Path:      "/var/lib/storycache/entries.db",
		QueueSize: 256,
	}
}

type opKind int

const (
	opSave opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	entry *cache.CacheEntry
	id    string
}

// Store persists cache entries to a bbolt database. Mutations are queued
// and applied by a single background worker; a full queue drops the oldest
// semantics in favor of dropping the new write with a warning.
type Store struct {
	db     *bolt.DB
	logger *logx.Logger

	queue   chan op
	closing chan struct{}
	wg      sync.WaitGroup

	dropped int64
	mu      sync.Mutex
}

// Open opens (creating if necessary) the database and starts the
// write-behind worker
func Open(cfg *Config, logger *logx.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create entries bucket: %w", err)
	}

	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 256
	}

	s := &Store{
		db:      db,
		logger:  logger,
		queue:   make(chan op, queueSize),
		closing: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()

	logger.Info("persistence_opened", "path", cfg.Path, "queue_size", queueSize)
	return s, nil
}

// QueueSave schedules a write-behind of the entry. Never blocks: if the
// queue is full the write is dropped and logged.
func (s *Store) QueueSave(entry *cache.CacheEntry) {
	select {
	case s.queue <- op{kind: opSave, entry: entry}:
	default:
		s.noteDrop("save", entry.ID)
	}
}

// QueueDelete schedules removal of the entry from durable storage
func (s *Store) QueueDelete(id string) {
	select {
	case s.queue <- op{kind: opDelete, id: id}:
	default:
		s.noteDrop("delete", id)
	}
}

func (s *Store) noteDrop(kind, id string) {
	s.mu.Lock()
	s.dropped++
	dropped := s.dropped
	s.mu.Unlock()
	s.logger.Warn("write_behind_queue_full", "op", kind, "entry_id", id, "dropped_total", dropped)
}

// LoadAll reads every persisted entry, for seeding the cache on start
func (s *Store) LoadAll() ([]*cache.CacheEntry, error) {
	var entries []*cache.CacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		return bucket.ForEach(func(k, v []byte) error {
			var entry cache.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				// One corrupt record must not sink the whole snapshot
				s.logger.Warn("snapshot_entry_unreadable", "key", string(k), "error", err.Error())
				return nil
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, &cache.TransientStorageError{Op: "load", Err: err}
	}
	return entries, nil
}

// Close drains the queue and closes the database
func (s *Store) Close() error {
	close(s.closing)
	s.wg.Wait()
	return s.db.Close()
}

// worker applies queued mutations. A failed write is retried once, then
// dropped with a warning; durability is best-effort by design.
func (s *Store) worker() {
	defer s.wg.Done()
	for {
		select {
		case o := <-s.queue:
			s.apply(o)
		case <-s.closing:
			// Drain whatever is still queued before shutdown
			for {
				select {
				case o := <-s.queue:
					s.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) apply(o op) {
	err := s.applyOnce(o)
	if err == nil {
		return
	}
	time.Sleep(100 * time.Millisecond)
	if err = s.applyOnce(o); err != nil {
		id := o.id
		if o.entry != nil {
			id = o.entry.ID
		}
		s.logger.Warn("write_behind_failed", "entry_id", id, "error", err.Error())
	}
}

func (s *Store) applyOnce(o op) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		switch o.kind {
		case opSave:
			data, err := json.Marshal(o.entry)
			if err != nil {
				return err
			}
			return bucket.Put([]byte(o.entry.ID), data)
		case opDelete:
			return bucket.Delete([]byte(o.id))
		}
		return nil
	})
}
