// Package store implements the content-addressed FileStore: a directory
// of immutable, hash-named files with reference-counted handles that pin
// entries against LRU eviction. It is the only persistent surface shared
// between the Scheduler and the WorkerManager.
package store

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/log"
)

// Store is a content-addressed, reference-counted on-disk byte store.
// store/get/release are safe to call from multiple goroutines; a single
// mutex guards the in-memory ref-count and LRU maps and is never held
// across I/O.
type Store struct {
	root    string
	maxSize int64
	minSize int64

	idx  *index
	lock *os.File

	mu         sync.Mutex
	entries    map[filekey.Key]entryRecord
	refCounts  map[filekey.Key]int
	totalBytes int64

	sf singleflight.Group
}

// Stats summarizes current store occupancy, reported on the status
// endpoint.
type Stats struct {
	ResidentBytes int64
	FileCount     int
	HandleCount   int
}

// Open opens (creating if necessary) a FileStore at cfg.Root, taking the
// exclusive advisory lock and loading the persisted index into memory.
func Open(cfg config.StoreConfig) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Root, "store"), 0755); err != nil {
		return nil, errors.Wrapf(err, "store: failed to create store root %q", cfg.Root)
	}
	lock, err := acquireLock(filepath.Join(cfg.Root, "exclusive.lock"))
	if err != nil {
		return nil, err
	}
	idx, err := openIndex(filepath.Join(cfg.Root, "index.bolt"))
	if err != nil {
		_ = lock.Close()
		return nil, err
	}
	entries, err := idx.loadAll()
	if err != nil {
		_ = idx.close()
		_ = lock.Close()
		return nil, err
	}
	var total int64
	for _, rec := range entries {
		total += rec.Size
	}
	s := &Store{
		root:       cfg.Root,
		maxSize:    int64(cfg.MaxSize),
		minSize:    int64(cfg.MinSize),
		idx:        idx,
		lock:       lock,
		entries:    entries,
		refCounts:  make(map[filekey.Key]int),
		totalBytes: total,
	}
	log.Infof("store", "opened %q: %d files, %d bytes resident", cfg.Root, len(entries), total)
	return s, nil
}

// Close flushes the index and releases the exclusive lock. A Store must
// not be used after Close.
func (s *Store) Close() error {
	err := s.idx.close()
	if cerr := s.lock.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) pathFor(key filekey.Key) string {
	hex := key.String()
	return filepath.Join(s.root, "store", hex[:2], hex[2:4], hex)
}

// KeyFromContent hashes an in-memory buffer.
func (s *Store) KeyFromContent(b []byte) filekey.Key {
	return filekey.FromBytes(b)
}

// KeyFromFile hashes the file at path (the worker uses it on sandbox
// output files before storing them).
func (s *Store) KeyFromFile(path string) (filekey.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return filekey.Zero, err
	}
	defer f.Close()
	return filekey.FromReader(f)
}

// Store streams r to a temporary file, hashing it while it writes, and
// atomically renames it into place at key's derived path. If a file for
// key already exists, r is still drained (the caller may be mid-upload
// with no way to stop early) and a handle to the existing file is
// returned instead of writing a duplicate.
//
// r is always drained into the caller's own temp file before any
// singleflight collapsing happens below. A concurrent Store call for the
// same key (two executions producing byte-identical output at once, two
// clients uploading an identical ProvidedFile) is only ever a "follower"
// from singleflight's perspective: its closure never runs. If r were
// handed into that shared closure directly, a follower whose r is the
// read end of an io.Pipe fed by a connection-reading goroutine would
// block that goroutine on pw.Write forever, since nothing would ever
// read the other end — and since a Conn is read by one goroutine at a
// time, that connection would never make progress again. Doing the read
// unconditionally, before singleflight ever sees this key, means every
// caller's reader is drained regardless of who wins the race; only the
// disk placement (rename into the shared path) is deduplicated.
func (s *Store) Store(key filekey.Key, r io.Reader) (*Handle, error) {
	s.mu.Lock()
	_, exists := s.entries[key]
	s.mu.Unlock()
	if exists {
		if _, err := io.Copy(ioutil.Discard, r); err != nil {
			return nil, errors.Wrap(err, "store: failed to drain duplicate upload")
		}
		return s.acquire(key), nil
	}

	tmp, err := ioutil.TempFile(s.root, "upload-*")
	if err != nil {
		return nil, errors.Wrap(err, "store: failed to create temp file")
	}
	tmpPath := tmp.Name()
	placed := false
	defer func() {
		if !placed {
			os.Remove(tmpPath)
		}
	}()

	hasher := filekey.NewHasher()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	closeErr := tmp.Close()
	if err != nil {
		return nil, errors.Wrap(err, "store: failed writing upload")
	}
	if closeErr != nil {
		return nil, errors.Wrap(closeErr, "store: failed closing upload")
	}
	if got := hasher.Sum(); got != key {
		return nil, errors.Errorf("store: content hash %s does not match claimed key %s", got, key)
	}

	v, err, _ := s.sf.Do(key.String(), func() (interface{}, error) {
		s.mu.Lock()
		_, exists := s.entries[key]
		s.mu.Unlock()
		if exists {
			return s.acquire(key), nil
		}

		dest := s.pathFor(key)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, errors.Wrap(err, "store: failed to create store subdirectory")
		}
		if err := os.Chmod(tmpPath, 0444); err != nil {
			return nil, errors.Wrap(err, "store: failed to set store file mode")
		}
		if err := os.Rename(tmpPath, dest); err != nil {
			return nil, errors.Wrap(err, "store: failed to place stored file")
		}
		placed = true

		now := nowFunc()
		rec := entryRecord{Size: n, TouchedAt: now, CreatedAt: now}
		if err := s.idx.put(key, rec); err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.entries[key] = rec
		s.totalBytes += n
		s.mu.Unlock()

		h := s.acquire(key)
		s.evict()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Get returns a handle to key if present, touching its LRU timestamp.
func (s *Store) Get(key filekey.Key) (*Handle, bool) {
	s.mu.Lock()
	rec, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	rec.TouchedAt = nowFunc()
	s.entries[key] = rec
	s.refCounts[key]++
	s.mu.Unlock()

	_ = s.idx.put(key, rec) // best-effort; eviction order tolerates staleness
	return &Handle{store: s, key: key}, true
}

func (s *Store) acquire(key filekey.Key) *Handle {
	s.mu.Lock()
	s.refCounts[key]++
	s.mu.Unlock()
	return &Handle{store: s, key: key}
}

func (s *Store) release(key filekey.Key) {
	s.mu.Lock()
	s.refCounts[key]--
	if s.refCounts[key] <= 0 {
		delete(s.refCounts, key)
	}
	s.mu.Unlock()
}

// evict removes files in ascending LRU-touch order, skipping any key
// whose live-handle count is nonzero, until resident bytes <= minSize.
// It is a no-op if the store is within budget.
func (s *Store) evict() {
	if s.maxSize <= 0 {
		return
	}
	s.mu.Lock()
	if s.totalBytes <= s.maxSize {
		s.mu.Unlock()
		return
	}
	type candidate struct {
		key filekey.Key
		rec entryRecord
	}
	candidates := make([]candidate, 0, len(s.entries))
	for k, rec := range s.entries {
		if s.refCounts[k] > 0 {
			continue
		}
		candidates = append(candidates, candidate{key: k, rec: rec})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].rec.TouchedAt.Before(candidates[j].rec.TouchedAt)
	})

	var toRemove []candidate
	remaining := s.totalBytes
	for _, c := range candidates {
		if remaining <= s.minSize {
			break
		}
		toRemove = append(toRemove, c)
		remaining -= c.rec.Size
	}
	for _, c := range toRemove {
		delete(s.entries, c.key)
		s.totalBytes -= c.rec.Size
	}
	s.mu.Unlock()

	for _, c := range toRemove {
		if err := os.Remove(s.pathFor(c.key)); err != nil && !os.IsNotExist(err) {
			log.Errorf("store", "failed to remove evicted file %s: %v", c.key, err)
			continue
		}
		if err := s.idx.delete(c.key); err != nil {
			log.Errorf("store", "failed to drop index entry for evicted file %s: %v", c.key, err)
		}
	}
	if len(toRemove) > 0 {
		log.Debugf("store", "evicted %d files, %d bytes now resident", len(toRemove), remaining)
	}
}

// Stats returns current occupancy counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := 0
	for _, n := range s.refCounts {
		handles += n
	}
	return Stats{ResidentBytes: s.totalBytes, FileCount: len(s.entries), HandleCount: handles}
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now
