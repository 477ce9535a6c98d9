package proto

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// SendFile streams r as a sequence of RawFileData(length)+bytes chunks
// terminated by RawFileEnd, per spec §6's "compact unframed path" for
// file bytes. Each chunk is sealed independently when encryption is
// enabled, the same way cipher.go seals fixed-size blocks rather than the
// whole file at once, so memory use stays bounded regardless of file size.
func (c *Conn) SendFile(r io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := c.sendChunk(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "proto: failed reading file body to send")
		}
	}
	return c.writeRaw([]byte{rawFileEnd})
}

func (c *Conn) sendChunk(b []byte) error {
	payload := b
	if c.crypt != nil {
		payload = c.crypt.seal(b)
	}
	header := make([]byte, 5)
	header[0] = rawFileData
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if err := c.writeRaw(header); err != nil {
		return err
	}
	return c.writeRaw(payload)
}

// RecvFile reads chunks until RawFileEnd, writing each to w in order.
func (c *Conn) RecvFile(w io.Writer) error {
	for {
		kind, err := c.readRaw(1)
		if err != nil {
			return err
		}
		switch kind[0] {
		case rawFileEnd:
			return nil
		case rawFileData:
			lenBuf, err := c.readRaw(4)
			if err != nil {
				return err
			}
			n := binary.BigEndian.Uint32(lenBuf)
			if n > maxFrameSize {
				return errors.Errorf("proto: file chunk of %d bytes exceeds max %d", n, maxFrameSize)
			}
			payload, err := c.readRaw(int(n))
			if err != nil {
				return err
			}
			if c.crypt != nil {
				payload, err = c.crypt.open(payload)
				if err != nil {
					return err
				}
			}
			if _, err := w.Write(payload); err != nil {
				return errors.Wrap(err, "proto: failed writing received file chunk")
			}
		default:
			return errors.Errorf("proto: unexpected raw file frame kind %d", kind[0])
		}
	}
}
