package store

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/evalgrid/evalgrid/filekey"
)

// filesBucket is the only bucket in the index: hex FileKey -> entryRecord.
const filesBucket = "files"

// entryRecord is the persisted form of one resident file's metadata.
// TouchedAt drives LRU eviction order; CreatedAt is informational.
type entryRecord struct {
	Size      int64     `json:"size"`
	TouchedAt time.Time `json:"touchedAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// index is a write-through wrapper around a bolt.DB: every mutation is
// committed to disk in its own transaction. Placing or removing a file
// and updating its entry are separate steps, so a crash between them can
// leave an entry without its file, or a file without an entry.
type index struct {
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "store: failed to open index %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(filesBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: failed to initialize index")
	}
	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

// loadAll returns every entry currently recorded, for in-memory index
// reconstruction at startup.
func (ix *index) loadAll() (map[filekey.Key]entryRecord, error) {
	out := make(map[filekey.Key]entryRecord)
	err := ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(filesBucket))
		return b.ForEach(func(k, v []byte) error {
			key, err := filekey.ParseString(string(k))
			if err != nil {
				return errors.Wrapf(err, "store: corrupt index key %q", k)
			}
			var rec entryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "store: corrupt index entry for %s", k)
			}
			out[key] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (ix *index) put(key filekey.Key, rec entryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(filesBucket)).Put([]byte(key.String()), data)
	})
}

func (ix *index) delete(key filekey.Key) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(filesBucket)).Delete([]byte(key.String()))
	})
}

// acquireLock takes an exclusive advisory lock on the store root so two
// processes never share a store directory concurrently.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "store: failed to open lock sentinel %q", path)
	}
	if err := flock(f); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "store: another process holds the store at %q", path)
	}
	return f, nil
}
