// Package workermanager owns one goroutine per connected worker and is
// the Scheduler's only concrete Dispatcher: it turns an AssignJob call
// into a Work message on the right connection, and turns the worker's
// eventual WorkerDone plus output uploads into a WorkerResult event fed
// back to the Scheduler. It is grounded on the teacher's per-connection
// handler goroutine style (cmd/serve's protocol servers) generalized to
// a bidirectional, long-lived job loop instead of one-shot RPCs.
package workermanager

import (
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/log"
	"github.com/evalgrid/evalgrid/proto"
	"github.com/evalgrid/evalgrid/scheduler"
	"github.com/evalgrid/evalgrid/store"
)

type job struct {
	client  scheduler.ClientID
	group   *dag.ExecutionGroup
	opts    dag.DAGConfig
	depKeys map[dag.FileID]filekey.Key
}

// Manager tracks every connected worker and implements scheduler.Dispatcher.
type Manager struct {
	fs     *store.Store
	events chan<- scheduler.Event

	mu      sync.Mutex
	workers map[scheduler.WorkerID]chan job
}

// New builds a Manager backed by fs (the server's own content store,
// used to satisfy worker dependency requests and receive uploaded
// outputs) and events (the Scheduler's event channel).
func New(fs *store.Store, events chan<- scheduler.Event) *Manager {
	return &Manager{fs: fs, events: events, workers: make(map[scheduler.WorkerID]chan job)}
}

func (m *Manager) nextID() scheduler.WorkerID {
	return scheduler.WorkerID(uuid.New().String())
}

// AssignJob implements scheduler.Dispatcher.
func (m *Manager) AssignJob(worker scheduler.WorkerID, client scheduler.ClientID, group *dag.ExecutionGroup, opts dag.DAGConfig, depKeys map[dag.FileID]filekey.Key) {
	m.mu.Lock()
	ch, ok := m.workers[worker]
	m.mu.Unlock()
	if !ok {
		log.Errorf("workermanager", "assignJob for unknown worker %s", worker)
		return
	}
	ch <- job{client: client, group: group, opts: opts, depKeys: depKeys}
}

// Serve runs the lifetime of one worker connection: register it,
// process GetWork/Work cycles until the connection fails, then
// deregister and report WorkerDisconnected. Blocks until the connection
// ends; call it in its own goroutine per accepted worker.
func (m *Manager) Serve(conn *proto.Conn) {
	id := m.nextID()
	ch := make(chan job, 1)
	m.mu.Lock()
	m.workers[id] = ch
	m.mu.Unlock()
	m.events <- scheduler.WorkerConnected{Worker: id}
	log.Infof("workermanager", "worker %s connected", id)

	defer func() {
		m.mu.Lock()
		delete(m.workers, id)
		m.mu.Unlock()
		m.events <- scheduler.WorkerDisconnected{Worker: id}
		log.Infof("workermanager", "worker %s disconnected", id)
	}()

	for {
		msg, err := conn.Recv()
		if err != nil {
			return
		}
		switch msg.(type) {
		case proto.GetWork:
			j, ok := <-ch
			if !ok {
				_ = conn.Send(proto.Exit{})
				return
			}
			if err := m.runJob(conn, id, j); err != nil {
				log.Noticef("workermanager", "worker %s: job failed: %v", id, err)
				return
			}
		default:
			log.Errorf("workermanager", "worker %s sent unexpected %T while idle", id, msg)
			return
		}
	}
}

// runJob sends the Work assignment, serves the worker's dependency
// requests, and waits for WorkerDone plus the output upload stream.
func (m *Manager) runJob(conn *proto.Conn, id scheduler.WorkerID, j job) error {
	if err := conn.Send(proto.Work{Group: *j.group, Options: j.opts, DepKeys: j.depKeys}); err != nil {
		return err
	}

	outputs := make(map[dag.FileID]filekey.Key)
	for {
		msg, err := conn.Recv()
		if err != nil {
			return err
		}
		switch req := msg.(type) {
		case proto.WAskFile:
			if err := m.sendFile(conn, req.Key); err != nil {
				return err
			}
		case proto.WorkerDone:
			if err := m.recvOutputs(conn, req.Outputs, outputs); err != nil {
				return err
			}
			m.events <- scheduler.WorkerResult{
				Worker: id, Client: j.client, Group: j.group.ID,
				Results: req.Results, Outputs: outputs,
			}
			return nil
		default:
			return errors.Errorf("workermanager: worker %s sent unexpected %T mid-job", id, msg)
		}
	}
}

func (m *Manager) sendFile(conn *proto.Conn, key filekey.Key) error {
	h, ok := m.fs.Get(key)
	if !ok {
		return errors.Errorf("workermanager: worker requested unknown file %s", key)
	}
	defer h.Release()
	if err := conn.Send(proto.WProvideFileHeader{Key: key}); err != nil {
		return err
	}
	f, err := os.Open(h.Path())
	if err != nil {
		return err
	}
	defer f.Close()
	return conn.SendFile(f)
}

func (m *Manager) recvOutputs(conn *proto.Conn, ids []dag.FileID, outputs map[dag.FileID]filekey.Key) error {
	for range ids {
		msg, err := conn.Recv()
		if err != nil {
			return err
		}
		hdr, ok := msg.(proto.WProvideFile)
		if !ok {
			return errors.Errorf("workermanager: expected WProvideFile, got %T", msg)
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(conn.RecvFile(pw))
		}()
		h, storeErr := m.fs.Store(hdr.Key, pr)
		if storeErr != nil {
			return storeErr
		}
		outputs[hdr.FileID] = hdr.Key
		h.Release()
	}
	return nil
}
