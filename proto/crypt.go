package proto

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	nonceSize = 24
	keySize   = 32
	saltSize  = 16
)

// nonce is a NaCl secretbox nonce. Grounded on backend/crypt/cipher.go's
// nonce type: two connection ends sharing one key each carry forward
// their own monotonically incrementing nonce, so no per-message nonce
// needs to cross the wire.
type nonce [nonceSize]byte

func (n *nonce) pointer() *[nonceSize]byte { return (*[nonceSize]byte)(n) }

// carry propagates a +1 from position i up through the nonce bytes.
func (n *nonce) carry(i int) {
	for ; i < len(*n); i++ {
		digit := (*n)[i]
		newDigit := digit + 1
		(*n)[i] = newDigit
		if newDigit >= digit {
			break
		}
	}
}

// add adds x to the nonce, used to step by 2 so a connection's two
// directions (seeded from the same base, differing only in bit 0) never
// collide even though they share a key.
func (n *nonce) add(x uint64) {
	carry := uint16(0)
	for i := 0; i < 8; i++ {
		digit := (*n)[i]
		xDigit := byte(x)
		x >>= 8
		carry += uint16(digit) + uint16(xDigit)
		(*n)[i] = byte(carry)
		carry >>= 8
	}
	if carry != 0 {
		n.carry(8)
	}
}

// deriveKey turns a password and a per-connection salt into a secretbox
// key via scrypt, the same KDF choice rclone's config package uses for
// obscuring stored secrets.
func deriveKey(password string, salt []byte) ([keySize]byte, error) {
	var key [keySize]byte
	raw, err := scrypt.Key([]byte(password), salt, 16384, 8, 1, keySize)
	if err != nil {
		return key, errors.Wrap(err, "proto: key derivation failed")
	}
	copy(key[:], raw)
	return key, nil
}

// cryptor seals and opens frames for one connection. isServer picks which
// half of the nonce space this end sends on vs. receives on.
type cryptor struct {
	key       [keySize]byte
	sendNonce nonce
	recvNonce nonce
}

func newCryptor(key [keySize]byte, seed nonce, isServer bool) *cryptor {
	send, recv := seed, seed
	if isServer {
		send[0] |= 1
		recv[0] &^= 1
	} else {
		send[0] &^= 1
		recv[0] |= 1
	}
	return &cryptor{key: key, sendNonce: send, recvNonce: recv}
}

func (c *cryptor) seal(plain []byte) []byte {
	out := secretbox.Seal(nil, plain, c.sendNonce.pointer(), &c.key)
	c.sendNonce.add(2)
	return out
}

func (c *cryptor) open(sealed []byte) ([]byte, error) {
	out, ok := secretbox.Open(nil, sealed, c.recvNonce.pointer(), &c.key)
	if !ok {
		return nil, errors.New("proto: message failed to decrypt (wrong password or corrupt frame)")
	}
	c.recvNonce.add(2)
	return out, nil
}

// randomSeed draws the per-connection salt + nonce seed exchanged in the
// clear before any encrypted traffic. Neither value is secret on its own;
// secrecy comes from the password mixed in by deriveKey.
func randomSeed() (salt [saltSize]byte, seed nonce, err error) {
	if _, err = io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, seed, errors.Wrap(err, "proto: failed to generate salt")
	}
	if _, err = io.ReadFull(rand.Reader, seed[:]); err != nil {
		return salt, seed, errors.Wrap(err, "proto: failed to generate nonce seed")
	}
	return salt, seed, nil
}
