// Package filekey computes the content address used throughout evalgrid
// to identify file bytes: a Key is a BLAKE2b-256 digest, the same way
// rclone's fs/hash package treats a hash.Type as the content identity of
// a remote object, except evalgrid has exactly one hash and it is always
// present (hashing is not optional: it is how the FileStore and Cache
// key their state).
package filekey

import (
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes (256 bits).
const Size = 32

// Key is the content address of a file's bytes.
type Key [Size]byte

// Zero is the key of no content; never a legitimate FileKey.
var Zero Key

// String renders the key as lowercase hex, used for store paths and log
// output.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Zero
}

// ParseString parses a hex-encoded key, as produced by String.
func ParseString(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != Size {
		return k, errors.Errorf("filekey: wrong length %d for hex key, want %d", len(b), Size)
	}
	copy(k[:], b)
	return k, nil
}

// FromBytes hashes an in-memory buffer.
func FromBytes(b []byte) Key {
	return blake2b.Sum256(b)
}

// NewHasher returns a running hash.Hash that produces a Key when summed,
// for streaming content through without buffering it twice.
func NewHasher() *Hasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 with a nil key never errors.
		panic(err)
	}
	return &Hasher{h: h}
}

// Hasher streams bytes into a running BLAKE2b-256 hash.
type Hasher struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the Key of everything written so far.
func (h *Hasher) Sum() Key {
	var k Key
	copy(k[:], h.h.Sum(nil))
	return k
}

// FromReader hashes the entirety of r.
func FromReader(r io.Reader) (Key, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Zero, err
	}
	return h.Sum(), nil
}
