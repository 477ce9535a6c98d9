package proto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"

	"github.com/pkg/errors"
)

// ProtocolVersion is compared exactly during the handshake; any mismatch
// is a hard reject per spec §6.
const ProtocolVersion = "1"

// maxFrameSize bounds a single envelope frame (DAG submissions included);
// it is generous but not unbounded, so a corrupt length prefix can't make
// a peer try to allocate gigabytes.
const maxFrameSize = 256 << 20

// chunkSize is the size of one raw file data chunk, per spec §5 ("fixed
// size chunks, e.g. 4 KiB") to keep transfer memory bounded.
const chunkSize = 4096

const (
	rawFileData byte = 1
	rawFileEnd  byte = 2
)

// Conn wraps a net.Conn (or any ReadWriteCloser) with the envelope
// framing, optional encryption, and the raw file chunk sub-protocol. One
// Conn is owned by exactly one goroutine at a time per direction: the
// Client, one Worker, and one per-connection handler inside the Executor
// each read in a loop and write from whatever goroutine has something to
// send, matching the "suspend only on recv channel or this connection"
// model in §5.
type Conn struct {
	rw     io.ReadWriteCloser
	r      *bufio.Reader
	crypt  *cryptor // nil if the connection is unencrypted
}

// Dial connects to addr (tcp or unix, inferred from net.Dial's network
// argument) and wraps it.
func Dial(network, addr string) (*Conn, error) {
	c, err := net.Dial(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "proto: dial %s %s failed", network, addr)
	}
	return NewConn(c), nil
}

// NewConn wraps an already-established connection.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{rw: rw, r: bufio.NewReader(rw)}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.rw.Close() }

// EnableEncryption performs the cleartext salt/nonce-seed exchange and
// switches the connection to sealed frames for everything sent after it
// returns. isServer must agree with the peer's own isServer value (the
// listener side is the server).
func (c *Conn) EnableEncryption(password string, isServer bool) error {
	if isServer {
		salt, seed, err := randomSeed()
		if err != nil {
			return err
		}
		if err := c.writeRaw(salt[:]); err != nil {
			return err
		}
		if err := c.writeRaw(seed[:]); err != nil {
			return err
		}
		key, err := deriveKey(password, salt[:])
		if err != nil {
			return err
		}
		c.crypt = newCryptor(key, seed, true)
		return nil
	}
	salt, err := c.readRaw(saltSize)
	if err != nil {
		return err
	}
	seedBytes, err := c.readRaw(nonceSize)
	if err != nil {
		return err
	}
	var seed nonce
	copy(seed[:], seedBytes)
	key, err := deriveKey(password, salt)
	if err != nil {
		return err
	}
	c.crypt = newCryptor(key, seed, false)
	return nil
}

func (c *Conn) writeRaw(b []byte) error {
	_, err := c.rw.Write(b)
	return errors.Wrap(err, "proto: short write")
}

func (c *Conn) readRaw(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, errors.Wrap(err, "proto: short read")
	}
	return buf, nil
}

// Send gob-encodes msg, seals it if encryption is enabled, and writes it
// as one length-prefixed frame.
func (c *Conn) Send(msg interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&msg); err != nil {
		return errors.Wrap(err, "proto: failed to encode message")
	}
	payload := buf.Bytes()
	if c.crypt != nil {
		payload = c.crypt.seal(payload)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if err := c.writeRaw(lenBuf[:]); err != nil {
		return err
	}
	return c.writeRaw(payload)
}

// Recv reads one frame and gob-decodes it into a Message value; callers
// type-switch on the result.
func (c *Conn) Recv() (interface{}, error) {
	lenBuf, err := c.readRaw(4)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > maxFrameSize {
		return nil, errors.Errorf("proto: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	payload, err := c.readRaw(int(n))
	if err != nil {
		return nil, err
	}
	if c.crypt != nil {
		payload, err = c.crypt.open(payload)
		if err != nil {
			return nil, err
		}
	}
	var msg interface{}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		return nil, errors.Wrap(err, "proto: failed to decode message")
	}
	return msg, nil
}
