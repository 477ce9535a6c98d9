package executor

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/proto"
	"github.com/evalgrid/evalgrid/scheduler"
)

// clientConn is one connected client's session. All writes to conn go
// through sendMu so a Notifier callback arriving on the Scheduler's
// goroutine can never interleave its bytes with the serve loop's own
// replies — the wire format has no per-message framing for the raw file
// sub-protocol, so two concurrent writers would corrupt the stream.
type clientConn struct {
	conn   *proto.Conn
	sendMu sync.Mutex
}

func (c *clientConn) send(msg interface{}) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Send(msg)
}

// sendWithFile sends msg, then streams r as the raw file body, as one
// atomic write under the lock.
func (c *clientConn) sendWithFile(msg interface{}, r io.Reader) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.Send(msg); err != nil {
		return err
	}
	return c.conn.SendFile(r)
}

// stageProvidedFiles asks the client to upload every ProvidedFile whose
// bytes the server doesn't already hold, blocking until each has landed.
// Runs once, synchronously, before any group can be scheduled, since the
// Scheduler will never see a zero-missing group for one of these files
// until the upload actually completes.
func (s *Server) stageProvidedFiles(cc *clientConn, id scheduler.ClientID, d *dag.ExecutionDAG) error {
	for fid, pf := range d.ProvidedFiles {
		if h, ok := s.fs.Get(pf.Key); ok {
			h.Release()
			s.events <- scheduler.FileUploaded{Client: id, FileID: fid, Key: pf.Key}
			continue
		}
		if err := cc.send(proto.SAskFile{FileID: fid}); err != nil {
			return err
		}
		msg, err := cc.conn.Recv()
		if err != nil {
			return err
		}
		hdr, ok := msg.(proto.CProvideFile)
		if !ok {
			return errors.Errorf("executor: expected CProvideFile, got %T", msg)
		}
		if hdr.FileID != fid || hdr.Key != pf.Key {
			return errors.Errorf("executor: client uploaded %s/%s, expected %s/%s", hdr.FileID, hdr.Key, fid, pf.Key)
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(cc.conn.RecvFile(pw))
		}()
		h, storeErr := s.fs.Store(pf.Key, pr)
		if storeErr != nil {
			return storeErr
		}
		h.Release()
		s.events <- scheduler.FileUploaded{Client: id, FileID: fid, Key: pf.Key}
	}
	return nil
}

// pushFile delivers key's bytes to the client as a watched file outcome.
func (s *Server) pushFile(cc *clientConn, fid dag.FileID, key filekey.Key) error {
	h, ok := s.fs.Get(key)
	if !ok {
		return errors.Errorf("executor: cannot deliver file %s, key %s not resident", fid, key)
	}
	defer h.Release()
	f, err := os.Open(h.Path())
	if err != nil {
		return err
	}
	defer f.Close()
	return cc.sendWithFile(proto.SProvideFile{FileID: fid, Key: key, Success: true}, f)
}
