// Package executor is the connection layer that sits between the wire
// protocol and the Scheduler: it accepts Client and Worker connections,
// performs the handshake, and turns incoming messages into scheduler
// Events. It implements scheduler.Notifier directly, and owns a
// workermanager.Manager that implements scheduler.Dispatcher, so the
// Scheduler itself never touches a net.Conn. Grounded on the teacher's
// serve/* protocol servers for the accept-loop-per-connection shape.
package executor

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/log"
	"github.com/evalgrid/evalgrid/proto"
	"github.com/evalgrid/evalgrid/scheduler"
	"github.com/evalgrid/evalgrid/store"
	"github.com/evalgrid/evalgrid/workermanager"
)

// defaultAcceptRate bounds how fast Serve hands raw connections off to the
// handshake, the way xpan's API client bounds its own request rate: a
// misbehaving client reconnecting in a tight loop shouldn't be able to spend
// the handshake's crypto work as fast as the kernel will hand out sockets.
const defaultAcceptRate = 200

// Server accepts client and worker connections and bridges them to the
// Scheduler's event channel.
type Server struct {
	fs       *store.Store
	events   chan<- scheduler.Event
	wm       *workermanager.Manager
	password string
	accept   *rate.Limiter

	mu      sync.Mutex
	clients map[scheduler.ClientID]*clientConn
}

// New builds a Server. events is the Scheduler's input channel; wm is the
// Dispatcher the Scheduler was constructed with (Server only needs it to
// hand worker connections off, never to call AssignJob itself).
func New(fs *store.Store, events chan<- scheduler.Event, wm *workermanager.Manager, password string) *Server {
	return &Server{
		fs:       fs,
		events:   events,
		wm:       wm,
		password: password,
		accept:   rate.NewLimiter(rate.Limit(defaultAcceptRate), defaultAcceptRate),
		clients:  make(map[scheduler.ClientID]*clientConn),
	}
}

// SetAcceptRate overrides the default connection-acceptance rate limit.
func (s *Server) SetAcceptRate(r rate.Limit, burst int) {
	s.accept = rate.NewLimiter(r, burst)
}

// Serve accepts connections on ln until it returns an error (typically
// because the listener was closed).
func (s *Server) Serve(ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return err
		}
		if err := s.accept.Wait(context.Background()); err != nil {
			_ = raw.Close()
			continue
		}
		go s.handleConn(raw)
	}
}

func (s *Server) handleConn(raw net.Conn) {
	conn := proto.NewConn(raw)
	welcome, err := proto.AcceptHandshake(conn, s.password)
	if err != nil {
		log.Noticef("executor", "handshake failed from %s: %v", raw.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	if welcome.Name == "evalgrid-worker" {
		s.wm.Serve(conn)
		return
	}
	s.serveClient(conn)
}

func (s *Server) nextClientID() scheduler.ClientID {
	return scheduler.ClientID(uuid.New().String())
}

func (s *Server) serveClient(conn *proto.Conn) {
	id := s.nextClientID()
	cc := &clientConn{conn: conn}

	s.mu.Lock()
	s.clients[id] = cc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		s.events <- scheduler.ClientDisconnected{Client: id}
		_ = conn.Close()
	}()

	msg, err := conn.Recv()
	if err != nil {
		return
	}
	eval, ok := msg.(proto.Evaluate)
	if !ok {
		_ = cc.send(proto.SError{Message: "expected Evaluate as first message"})
		return
	}

	errCh := make(chan error, 1)
	s.events <- scheduler.EvaluateDAG{Client: id, DAG: eval.DAG, Watched: eval.Watched, Err: errCh}
	if err := <-errCh; err != nil {
		_ = cc.send(proto.SError{Message: err.Error()})
		return
	}

	if err := s.stageProvidedFiles(cc, id, eval.DAG); err != nil {
		log.Noticef("executor", "client %s: failed staging provided files: %v", id, err)
		return
	}

	for {
		msg, err := conn.Recv()
		if err != nil {
			return
		}
		switch req := msg.(type) {
		case proto.CStatus:
			reply := make(chan scheduler.Snapshot, 1)
			s.events <- scheduler.StatusRequest{Reply: reply}
			if err := cc.send(proto.SStatus{Snapshot: toWireSnapshot(<-reply)}); err != nil {
				return
			}
		case proto.CStop:
			return
		case proto.CAskFile:
			if err := s.pushFile(cc, req.FileID, req.Key); err != nil {
				log.Noticef("executor", "client %s: CAskFile failed: %v", id, err)
			}
		default:
			log.Errorf("executor", "client %s sent unexpected %T", id, req)
			return
		}
	}
}

func toWireSnapshot(s scheduler.Snapshot) proto.StatusSnapshot {
	out := proto.StatusSnapshot{Ready: s.Ready, Waiting: s.Waiting, Running: s.Running}
	for _, w := range s.Workers {
		out.Workers = append(out.Workers, proto.WorkerStatus{
			ID:       string(w.ID),
			Busy:     w.Busy,
			ClientID: string(w.ClientID),
			Since:    w.SinceNS,
		})
	}
	return out
}

// --- scheduler.Notifier ---

func (s *Server) lookup(client scheduler.ClientID) (*clientConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.clients[client]
	return cc, ok
}

func (s *Server) NotifyStart(client scheduler.ClientID, exec dag.ExecutionID, worker scheduler.WorkerID) {
	cc, ok := s.lookup(client)
	if !ok {
		return
	}
	_ = cc.send(proto.NotifyStart{ExecutionID: exec, WorkerID: string(worker)})
}

func (s *Server) NotifyDone(client scheduler.ClientID, exec dag.ExecutionID, result dag.ExecutionResult) {
	cc, ok := s.lookup(client)
	if !ok {
		return
	}
	_ = cc.send(proto.NotifyDone{ExecutionID: exec, Result: result})
}

func (s *Server) NotifySkip(client scheduler.ClientID, exec dag.ExecutionID) {
	cc, ok := s.lookup(client)
	if !ok {
		return
	}
	_ = cc.send(proto.NotifySkip{ExecutionID: exec})
}

func (s *Server) DeliverFile(client scheduler.ClientID, file dag.FileID, key filekey.Key, success bool) {
	cc, ok := s.lookup(client)
	if !ok {
		return
	}
	if !success {
		_ = cc.send(proto.SProvideFile{FileID: file, Success: false})
		return
	}
	if err := s.pushFile(cc, file, key); err != nil {
		log.Errorf("executor", "failed delivering file %s to client %s: %v", file, client, err)
	}
}

func (s *Server) EvaluationDone(client scheduler.ClientID, files []scheduler.FileOutcome) {
	cc, ok := s.lookup(client)
	if !ok {
		return
	}
	done := proto.Done{}
	for _, f := range files {
		done.Files = append(done.Files, proto.DoneFile{FileID: f.FileID, Key: f.Key, Success: f.Success})
	}
	_ = cc.send(done)
}

func (s *Server) EvaluationError(client scheduler.ClientID, err error) {
	cc, ok := s.lookup(client)
	if !ok {
		return
	}
	_ = cc.send(proto.SError{Message: err.Error()})
}

var _ scheduler.Notifier = (*Server)(nil)
