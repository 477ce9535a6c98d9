// Package cache implements the memoization table described in spec
// §4.2: a lookup from (execution fingerprint, resolved input FileKeys) to
// a previously observed ExecutionResult plus the FileKeys of its
// outputs. It is grounded on the teacher's backend/cache "Persistent"
// bolt wrapper (backend/cache/storage_persistent.go) for the on-disk
// half, and is a single bbolt bucket rather than a full filesystem
// metadata cache since evalgrid's cache entries are small, fixed-shape
// records.
package cache

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/store"
)

const entriesBucket = "entries"

// Entry is one memoized computation's outcome.
type Entry struct {
	Result  dag.ExecutionResult
	Outputs map[dag.FileID]filekey.Key
}

// Stats exposes hit/miss counters for the status endpoint.
type Stats struct {
	Hits   int64
	Misses int64
}

// Cache is the on-disk memoization table for one server run. Non-goals
// rule out persistence across server restarts, so by default it is
// truncated at Open; passing Reuse keeps whatever a previous run left
// behind (the teacher's db_purge knob is the direct analogue, inverted).
type Cache struct {
	db *bolt.DB

	mu   sync.Mutex
	hits int64
	miss int64
}

// Open opens (optionally truncating) the cache database at root/cache.bolt.
func Open(root string, reuse bool) (*Cache, error) {
	path := filepath.Join(root, "cache.bolt")
	if !reuse {
		_ = os.Remove(path)
	}
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: failed to open %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "cache: failed to initialize bucket")
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// Get looks up key. A hit is only honored if every one of its recorded
// output FileKeys is still present in fs (spec §4.2 "hit validation");
// otherwise the entry is dropped and Get reports a miss, since a
// FileStore eviction can outlive a cache entry that points at it.
func (c *Cache) Get(key Key, fs *store.Store) (Entry, bool) {
	var entry Entry
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(entriesBucket)).Get(key[:])
		if v == nil {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&entry); err != nil {
			return errors.Wrapf(err, "cache: corrupt entry for %s", key)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		c.recordMiss()
		return Entry{}, false
	}

	for _, outKey := range entry.Outputs {
		h, ok := fs.Get(outKey)
		if !ok {
			_ = c.delete(key)
			c.recordMiss()
			return Entry{}, false
		}
		h.Release()
	}
	c.recordHit()
	return entry, true
}

// Insert records key's outcome. InternalError results are never inserted
// per spec §4.2 — a sandbox-launch failure tells us nothing reusable
// about a second attempt at the same computation.
func (c *Cache) Insert(key Key, entry Entry) error {
	if entry.Result.Status == dag.StatusInternalError {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&entry); err != nil {
		return errors.Wrap(err, "cache: failed to encode entry")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).Put(key[:], buf.Bytes())
	})
}

func (c *Cache) delete(key Key) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).Delete(key[:])
	})
}

func (c *Cache) recordHit()  { atomic.AddInt64(&c.hits, 1) }
func (c *Cache) recordMiss() { atomic.AddInt64(&c.miss, 1) }

// Stats returns the current hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: atomic.LoadInt64(&c.hits), Misses: atomic.LoadInt64(&c.miss)}
}
