// Package client implements the submitting side of the protocol in spec
// §4.7: dial the Executor, hand it a DAG plus the set of watched
// identifiers, stream requested ProvidedFile bytes up on demand, and
// dispatch NotifyStart/NotifyDone/NotifySkip/file-arrival events back to
// caller-registered callbacks as they're observed — draining each
// per-execution callback so it fires at most once. Grounded on the
// Worker's single-reader connection loop (worker/worker.go) generalized
// to the client's half of the wire protocol, with the same
// mutex-around-a-single-send discipline as executor/client.go's
// clientConn, since the raw file sub-protocol shares Conn's byte stream
// with no per-message framing to recover from interleaved writers.
package client

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/log"
	"github.com/evalgrid/evalgrid/proto"
)

// statusPollInterval is how often the status-poller thread asks the
// server for a snapshot while an evaluation is in flight, per spec
// §4.7. Grounded on the renew-ticker shape of
// backend/seafile/renew.go, trimmed to a fixed interval since the
// Client has no token to refresh, only a snapshot to re-fetch.
const statusPollInterval = 2 * time.Second

// Outcome is one watched file's terminal state, delivered with Run's
// return value — the Client-side mirror of the wire protocol's Done
// message.
type Outcome struct {
	FileID  dag.FileID
	Key     filekey.Key
	Success bool
}

type writerCloser interface {
	io.Writer
	io.Closer
}

// Client is one evaluation session against a server. Not safe for
// concurrent Run calls; a single Client submits and drives one DAG to
// completion at a time, matching the "Client suspends on its receive
// channel" suspension point of spec §4.7.
type Client struct {
	conn   *proto.Conn
	sendMu sync.Mutex

	// execCallbacks, fileCallbacks and received are only ever touched
	// from the goroutine registering callbacks before Run and the single
	// goroutine Run itself runs in afterwards — never concurrently.
	execCallbacks map[dag.ExecutionID]ExecutionCallbacks
	fileCallbacks map[dag.FileID]fileCallbacks
	received      map[dag.FileID]bool

	dag *dag.ExecutionDAG

	statusCh chan proto.StatusSnapshot
	stopPoll chan struct{}
	pollDone chan struct{}
}

// Dial connects to addr (network is "tcp" or "unix", as proto.Dial
// expects), performs the Welcome/Accepted handshake as "evalgrid-client",
// and returns a Client ready to have callbacks registered and a DAG run.
// password may be empty for an unencrypted connection.
func Dial(network, addr, password string) (*Client, error) {
	conn, err := proto.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	if err := proto.Handshake(conn, "evalgrid-client", password); err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn), nil
}

// New wraps an already-handshaken connection.
func New(conn *proto.Conn) *Client {
	return &Client{
		conn:          conn,
		execCallbacks: make(map[dag.ExecutionID]ExecutionCallbacks),
		fileCallbacks: make(map[dag.FileID]fileCallbacks),
		received:      make(map[dag.FileID]bool),
		statusCh:      make(chan proto.StatusSnapshot, 1),
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// OnExecution registers callbacks for one execution. Must be called
// before Run.
func (c *Client) OnExecution(id dag.ExecutionID, cb ExecutionCallbacks) {
	c.execCallbacks[id] = cb
}

// OnFileWrite registers a write-to-disk callback for one watched file.
// Must be called before Run.
func (c *Client) OnFileWrite(id dag.FileID, cb WriteToCallback) {
	fc := c.fileCallbacks[id]
	fc.writeTo = &cb
	c.fileCallbacks[id] = fc
}

// OnFileContent registers a get-content callback for one watched file.
// Must be called before Run.
func (c *Client) OnFileContent(id dag.FileID, cb GetContentCallback) {
	fc := c.fileCallbacks[id]
	fc.getContent = &cb
	c.fileCallbacks[id] = fc
}

// watched builds the CallbackRefs the validator checks against the DAG
// (invariant 8 of spec §4.6) from whatever was registered before Run.
func (c *Client) watched() dag.CallbackRefs {
	refs := dag.CallbackRefs{}
	for id := range c.execCallbacks {
		refs.Executions = append(refs.Executions, id)
	}
	for id := range c.fileCallbacks {
		refs.Files = append(refs.Files, id)
	}
	return refs
}

func (c *Client) send(msg interface{}) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Send(msg)
}

func (c *Client) sendWithFile(msg interface{}, r io.Reader) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.Send(msg); err != nil {
		return err
	}
	return c.conn.SendFile(r)
}

// Status asks the server for a fresh snapshot and blocks for the next
// one it returns. Safe to call concurrently with Run; status requests
// share send's mutex with every other outbound message, per spec §4.7's
// "short-lived mutex to serialize status-poll sends against file-upload
// sends on the same channel".
func (c *Client) Status() (proto.StatusSnapshot, error) {
	if err := c.send(proto.CStatus{}); err != nil {
		return proto.StatusSnapshot{}, err
	}
	return <-c.statusCh, nil
}

// Stop abandons the in-flight evaluation; the server treats this as a
// disconnect once in-flight work is flushed.
func (c *Client) Stop() error {
	return c.send(proto.CStop{})
}

// Run submits d, drives the connection's single-reader main loop to
// completion, and returns the terminal outcome of every watched file.
// Callbacks must be registered before calling Run. Blocks until the
// server sends Done or Error, or the connection fails.
func (c *Client) Run(d *dag.ExecutionDAG) ([]Outcome, error) {
	c.dag = d
	if err := c.send(proto.Evaluate{DAG: d, Watched: c.watched()}); err != nil {
		return nil, err
	}

	c.stopPoll = make(chan struct{})
	c.pollDone = make(chan struct{})
	go c.pollStatus()
	defer func() {
		close(c.stopPoll)
		<-c.pollDone
	}()

	for {
		msg, err := c.conn.Recv()
		if err != nil {
			return nil, errors.Wrap(err, "client: connection failed")
		}
		switch m := msg.(type) {
		case proto.SAskFile:
			if err := c.handleAskFile(m); err != nil {
				return nil, err
			}
		case proto.SProvideFile:
			if err := c.handleIncoming(m.FileID, m.Key, m.Success); err != nil {
				return nil, err
			}
		case proto.NotifyStart:
			c.handleNotifyStart(m)
		case proto.NotifyDone:
			if err := c.handleNotifyDone(m); err != nil {
				_ = c.send(proto.CStop{})
				return nil, err
			}
		case proto.NotifySkip:
			c.handleNotifySkip(m)
		case proto.SStatus:
			select {
			case c.statusCh <- m.Snapshot:
			default:
			}
		case proto.Done:
			return c.handleDone(m)
		case proto.SError:
			return nil, errors.New("client: server reported: " + m.Message)
		default:
			return nil, fmt.Errorf("client: unexpected message %T", msg)
		}
	}
}

func (c *Client) pollStatus() {
	defer close(c.pollDone)
	t := time.NewTicker(statusPollInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stopPoll:
			return
		case <-t.C:
			if err := c.send(proto.CStatus{}); err != nil {
				return
			}
		}
	}
}

// handleAskFile streams a ProvidedFile's bytes up on request.
func (c *Client) handleAskFile(m proto.SAskFile) error {
	pf, ok := c.dag.ProvidedFiles[m.FileID]
	if !ok {
		return fmt.Errorf("client: server asked for unknown file %s", m.FileID)
	}
	var r io.Reader
	if pf.Path != "" {
		f, err := os.Open(pf.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	} else {
		r = bytes.NewReader(pf.Content)
	}
	return c.sendWithFile(proto.CProvideFile{FileID: m.FileID, Key: pf.Key}, r)
}

func (c *Client) handleNotifyStart(m proto.NotifyStart) {
	if cb, ok := c.execCallbacks[m.ExecutionID]; ok && cb.OnStart != nil {
		cb.OnStart(m.WorkerID)
	}
}

// handleNotifyDone invokes and drains the on-done callback; it fires at
// most once per spec §4.7.
func (c *Client) handleNotifyDone(m proto.NotifyDone) error {
	cb, ok := c.execCallbacks[m.ExecutionID]
	delete(c.execCallbacks, m.ExecutionID)
	if !ok || cb.OnDone == nil {
		return nil
	}
	return cb.OnDone(m.Result)
}

func (c *Client) handleNotifySkip(m proto.NotifySkip) {
	cb, ok := c.execCallbacks[m.ExecutionID]
	delete(c.execCallbacks, m.ExecutionID)
	if ok && cb.OnSkip != nil {
		cb.OnSkip()
	}
}

// handleIncoming receives one file body (SProvideFile or the synchronous
// reply to a CAskFile issued from handleDone) and fans it out to
// whichever callbacks are registered, marking the file received so Done
// doesn't re-fetch it. The wire never streams chunks for a failed
// producing execution (DeliverFile sends only the header in that case),
// so success==false short-circuits before touching the connection.
func (c *Client) handleIncoming(fid dag.FileID, key filekey.Key, success bool) error {
	cb := c.fileCallbacks[fid]
	c.received[fid] = true
	if !success {
		if cb.writeTo != nil && cb.writeTo.AllowOnFailure {
			if err := c.touchEmpty(cb.writeTo); err != nil {
				return err
			}
		}
		if cb.getContent != nil {
			return cb.getContent.Func(nil, false)
		}
		return nil
	}
	content, err := c.receiveInto(cb)
	if err != nil {
		return errors.Wrapf(err, "client: receiving file %s", fid)
	}
	if cb.getContent != nil {
		return cb.getContent.Func(content, true)
	}
	return nil
}

func (c *Client) openWriteTo(cb *WriteToCallback) (writerCloser, error) {
	f, err := os.OpenFile(cb.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, writeToMode(cb))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// touchEmpty creates (or truncates) the write-to path with no content when
// the producing execution failed. The server sends no bytes for a failed
// file, so none of that execution's partial output is written.
func (c *Client) touchEmpty(cb *WriteToCallback) error {
	f, err := os.OpenFile(cb.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, writeToMode(cb))
	if err != nil {
		return err
	}
	return f.Close()
}

func writeToMode(cb *WriteToCallback) os.FileMode {
	if cb.Executable {
		return 0o755
	}
	return 0o644
}

// handleDone fetches any watched file that never arrived mid-evaluation
// (a file registered only after submission falls in this path) and
// returns the final outcome list. A file whose producing execution
// failed carries no key in Done, so it is handled locally without a
// round trip — asking for it would hang waiting for chunks the server
// will never send.
func (c *Client) handleDone(m proto.Done) ([]Outcome, error) {
	for _, df := range m.Files {
		if c.received[df.FileID] {
			continue
		}
		if cb := c.fileCallbacks[df.FileID]; cb.empty() {
			continue
		}
		if !df.Success {
			if err := c.handleIncoming(df.FileID, df.Key, false); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.send(proto.CAskFile{FileID: df.FileID, Key: df.Key, Success: df.Success}); err != nil {
			return nil, err
		}
		msg, err := c.conn.Recv()
		if err != nil {
			return nil, err
		}
		hdr, ok := msg.(proto.SProvideFile)
		if !ok {
			return nil, fmt.Errorf("client: expected SProvideFile answering Done fetch, got %T", msg)
		}
		if err := c.handleIncoming(hdr.FileID, hdr.Key, hdr.Success); err != nil {
			return nil, err
		}
	}
	out := make([]Outcome, len(m.Files))
	for i, df := range m.Files {
		out[i] = Outcome{FileID: df.FileID, Key: df.Key, Success: df.Success}
	}
	log.Debugf("client", "evaluation done, %d watched files", len(out))
	return out, nil
}
