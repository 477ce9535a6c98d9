package client

import (
	"bytes"
	"io"

	"github.com/evalgrid/evalgrid/dag"
)

// ExecutionCallbacks are the per-execution hooks spec §4.2 calls for:
// on-start once a worker picks the execution up, on-done with its
// terminal result, on-skip when a dependency failed and the execution
// never ran. Each of OnDone/OnSkip fires at most once per registration,
// draining from the Client's table the moment it runs — mirrored from
// §REDESIGN FLAGS option (b), a message-dispatch loop handing off to
// plain function values rather than boxed closures shared across threads.
type ExecutionCallbacks struct {
	OnStart func(worker string)
	// OnDone may return an error, which aborts the whole evaluation
	// (spec §4.7, "any on-done callback may return an error back to the
	// Executor").
	OnDone func(result dag.ExecutionResult) error
	OnSkip func()
}

// WriteToCallback asks the Client to materialize a watched file on local
// disk as it arrives.
type WriteToCallback struct {
	Path           string
	Executable     bool
	AllowOnFailure bool // if the producing execution failed, create Path empty; partial bytes are not written
}

// GetContentCallback asks the Client to buffer a watched file's bytes (up
// to ByteCap) and hand them to Func instead of, or alongside, writing to
// disk.
type GetContentCallback struct {
	ByteCap int64
	Func    func(data []byte, success bool) error
}

// fileCallbacks bundles whichever of the two a caller registered for one
// FileID; either, both, or neither may be set (neither means "nobody is
// watching this file", in which case the Client still drains the byte
// stream so the connection stays in sync).
type fileCallbacks struct {
	writeTo    *WriteToCallback
	getContent *GetContentCallback
}

func (f fileCallbacks) empty() bool {
	return f.writeTo == nil && f.getContent == nil
}

// cappedBuffer collects up to limit bytes and silently discards the
// remainder — "byte cap" per spec §4.2, not an error condition.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := c.limit - int64(c.buf.Len()); remaining > 0 {
		if int64(len(p)) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

// receiveInto drains one raw file body from the connection into whichever
// destinations cb names, returning the buffered content (nil if no
// GetContentCallback was registered). Only called when the server
// actually streamed chunks, i.e. the file's producing side succeeded —
// on failure no bytes are ever sent (see handleIncoming).
func (c *Client) receiveInto(cb fileCallbacks) ([]byte, error) {
	if cb.empty() {
		return nil, c.conn.RecvFile(io.Discard)
	}
	var writers []io.Writer
	var capped *cappedBuffer
	if cb.getContent != nil {
		capped = &cappedBuffer{limit: cb.getContent.ByteCap}
		writers = append(writers, capped)
	}
	var f writerCloser
	if cb.writeTo != nil {
		var err error
		f, err = c.openWriteTo(cb.writeTo)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
	}
	var dest io.Writer = io.Discard
	if len(writers) > 0 {
		dest = io.MultiWriter(writers...)
	}
	recvErr := c.conn.RecvFile(dest)
	if f != nil {
		if cerr := f.Close(); cerr != nil && recvErr == nil {
			recvErr = cerr
		}
	}
	if recvErr != nil {
		return nil, recvErr
	}
	if capped != nil {
		return capped.buf.Bytes(), nil
	}
	return nil, nil
}
