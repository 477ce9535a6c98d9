package store

import (
	"sync"

	"github.com/evalgrid/evalgrid/filekey"
)

// Handle is a live reference to a file resident in a Store. While any
// Handle to a key exists, the Store will not evict it. Release must be
// called exactly once when the holder no longer needs the file.
type Handle struct {
	store    *Store
	key      filekey.Key
	released sync.Once
}

// Key returns the FileKey this handle pins.
func (h *Handle) Key() filekey.Key {
	return h.key
}

// Path returns the on-disk path of the pinned file. The file is mode
// 0o444 and must not be modified by callers.
func (h *Handle) Path() string {
	return h.store.pathFor(h.key)
}

// Release drops the pin. Safe to call more than once; only the first
// call has an effect.
func (h *Handle) Release() {
	h.released.Do(func() {
		h.store.release(h.key)
	})
}
