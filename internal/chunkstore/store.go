// Package chunkstore persists a sender's chunked file payloads so a transfer
// can resume after the process restarts, with simple age- and count-based
// eviction. It is backed by bbolt, the same embedded store the ChunkStore's
// teacher codebase uses for its content-addressable cache.
package chunkstore

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"
)

var bucketChunks = []byte("chunks")

// Record is the durable encoding of one sender's stored chunk set, keyed by
// file name.
type Record struct {
	FileName       string    `json:"file_name"`
	FileSize       uint64    `json:"file_size"`
	Mime           string    `json:"mime"`
	TotalChunks    uint32    `json:"total_chunks"`
	ChunkSize      uint32    `json:"chunk_size"`
	Chunks         [][]byte  `json:"chunks"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Stats summarizes the store's current contents.
type Stats struct {
	Count         int
	TotalBytes    uint64
	OldestCreated time.Time
	NewestCreated time.Time
}

// EvictOptions configures evict's retention policy. A zero value for either
// field disables that criterion.
type EvictOptions struct {
	MaxAge     time.Duration
	MaxEntries int
}

// DefaultEvictOptions matches the default retention policy: at most one
// pending resumable file, kept no longer than a week.
func DefaultEvictOptions() EvictOptions {
	return EvictOptions{MaxAge: 7 * 24 * time.Hour, MaxEntries: 1}
}

// Store is a bbolt-backed ChunkStore.
type Store struct {
	db        *bolt.DB
	path      string
	evictOpts EvictOptions
}

// Open opens (creating if necessary) a bbolt database at path and ensures
// the chunks bucket exists. The store's retention policy starts at
// DefaultEvictOptions; call SetEvictOptions to override it from config.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketChunks)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, evictOpts: DefaultEvictOptions()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetEvictOptions overrides the retention policy StoreChunks applies before
// every write. Callers typically source opts from process configuration.
func (s *Store) SetEvictOptions(opts EvictOptions) {
	s.evictOpts = opts
}

// StoreChunks overwrites any existing entry for name, applying eviction
// first and again after the write, so the new entry counts toward
// MaxEntries.
func (s *Store) StoreChunks(name string, size uint64, mime string, chunkSize uint32, chunks [][]byte) error {
	if err := s.Evict(s.evictOpts); err != nil {
		return err
	}

	now := time.Now()
	rec := Record{
		FileName:       name,
		FileSize:       size,
		Mime:           mime,
		TotalChunks:    uint32(len(chunks)),
		ChunkSize:      chunkSize,
		Chunks:         chunks,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	}); err != nil {
		return err
	}

	// The new entry is the most recently accessed, so this pass trims the
	// older ones down to MaxEntries.
	return s.Evict(s.evictOpts)
}

// Get reads the entry for name and refreshes its last_accessed_at. Returns
// (Record{}, false, nil) when absent.
func (s *Store) Get(name string) (Record, bool, error) {
	var rec Record
	var found bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		found = true
		rec.LastAccessedAt = time.Now()
		refreshed, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), refreshed)
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, found, nil
}

// Delete removes name. Succeeds even if absent.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete([]byte(name))
	})
}

// List enumerates the stored file names.
func (s *Store) List() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			names = append(names, string(k))
		}
		return nil
	})
	return names, err
}

// ComputeStats summarizes count, total bytes, and the created-at range.
func (s *Store) ComputeStats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			st.Count++
			st.TotalBytes += rec.FileSize
			if st.OldestCreated.IsZero() || rec.CreatedAt.Before(st.OldestCreated) {
				st.OldestCreated = rec.CreatedAt
			}
			if rec.CreatedAt.After(st.NewestCreated) {
				st.NewestCreated = rec.CreatedAt
			}
		}
		return nil
	})
	return st, err
}

// Evict deletes entries whose last_accessed_at is older than now-MaxAge,
// then, if MaxEntries is set and the remaining count still exceeds it,
// deletes oldest-accessed entries until within the limit.
func (s *Store) Evict(opts EvictOptions) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)

		type entry struct {
			key      []byte
			accessed time.Time
		}
		var entries []entry

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entries = append(entries, entry{key: append([]byte(nil), k...), accessed: rec.LastAccessedAt})
		}

		if opts.MaxAge != 0 {
			cutoff := time.Now().Add(-opts.MaxAge)
			remaining := entries[:0]
			for _, e := range entries {
				if e.accessed.Before(cutoff) {
					if err := b.Delete(e.key); err != nil {
						return err
					}
					continue
				}
				remaining = append(remaining, e)
			}
			entries = remaining
		}

		if opts.MaxEntries > 0 && len(entries) > opts.MaxEntries {
			sort.Slice(entries, func(i, j int) bool { return entries[i].accessed.Before(entries[j].accessed) })
			toRemove := len(entries) - opts.MaxEntries
			for i := 0; i < toRemove; i++ {
				if err := b.Delete(entries[i].key); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// Available reports whether the backing bbolt file could be opened.
func (s *Store) Available() bool {
	return s.db != nil
}

// ValidateIntegrity checks a stored record against the chunk-store
// integrity rule: every non-last chunk must equal chunk_size exactly, and
// the total of all chunk lengths must equal file_size to within one
// chunk_size (to allow the last chunk to be short).
func ValidateIntegrity(rec Record) error {
	total := uint64(0)
	for i, c := range rec.Chunks {
		if i != len(rec.Chunks)-1 && uint32(len(c)) != rec.ChunkSize {
			return errIntegrity("non-last chunk length does not equal chunk_size")
		}
		total += uint64(len(c))
	}

	diff := int64(total) - int64(rec.FileSize)
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(rec.ChunkSize) {
		return errIntegrity("stored chunk total size diverges from declared file_size")
	}
	return nil
}

type integrityError string

func (e integrityError) Error() string { return string(e) }

func errIntegrity(msg string) error { return integrityError(msg) }
