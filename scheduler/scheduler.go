package scheduler

import (
	"github.com/evalgrid/evalgrid/cache"
	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/log"
	"github.com/evalgrid/evalgrid/store"
)

// workerState is what the Scheduler knows about one connected worker.
type workerState struct {
	busy   bool
	client ClientID
	group  dag.GroupID
}

// Scheduler is the single-threaded orchestrator of spec §4.6. Every field
// is private and touched only from Run's goroutine; callers interact
// exclusively by sending Events down the channel Run consumes.
type Scheduler struct {
	fs    *store.Store
	cache *cache.Cache
	disp  Dispatcher
	notif Notifier

	clients map[ClientID]*clientState
	workers map[WorkerID]*workerState
	ready   *readyQueue
}

// New builds a Scheduler. fs and c back cache-hit validation; disp and
// notif are the Scheduler's only outbound calls, letting the connection
// layer live entirely outside this package.
func New(fs *store.Store, c *cache.Cache, disp Dispatcher, notif Notifier) *Scheduler {
	return &Scheduler{
		fs:      fs,
		cache:   c,
		disp:    disp,
		notif:   notif,
		clients: make(map[ClientID]*clientState),
		workers: make(map[WorkerID]*workerState),
		ready:   newReadyQueue(),
	}
}

// Run drains events until an Exit event arrives or the channel closes.
// This is the only loop in the package — everything else is a plain
// function called from inside it.
func (s *Scheduler) Run(events <-chan Event) {
	for ev := range events {
		if s.handle(ev) {
			return
		}
	}
}

func (s *Scheduler) handle(ev Event) (exit bool) {
	switch e := ev.(type) {
	case EvaluateDAG:
		s.onEvaluateDAG(e)
	case FileUploaded:
		s.onFileUploaded(e)
	case WorkerResult:
		s.onWorkerResult(e)
	case WorkerConnected:
		s.onWorkerConnected(e)
	case WorkerDisconnected:
		s.onWorkerDisconnected(e)
	case ClientDisconnected:
		s.onClientDisconnected(e)
	case StatusRequest:
		s.onStatusRequest(e)
	case Exit:
		return true
	default:
		log.Errorf("scheduler", "unknown event type %T", ev)
	}
	return false
}

func (s *Scheduler) onEvaluateDAG(e EvaluateDAG) {
	if err := dag.Validate(e.DAG, e.Watched); err != nil {
		if e.Err != nil {
			e.Err <- err
		}
		return
	}
	if e.Err != nil {
		e.Err <- nil
	}

	cs := newClientState(e.DAG, e.Watched)
	s.clients[e.Client] = cs

	for _, gid := range cs.readyGroups() {
		s.markReady(e.Client, gid)
	}
	s.scheduleCached(e.Client)
	s.assignJobs()
	s.checkDone(e.Client)
}

// onFileUploaded handles a provided file whose bytes just landed, the
// entry point for file_success on a client-supplied (not worker-produced)
// file.
func (s *Scheduler) onFileUploaded(e FileUploaded) {
	s.fileSuccess(e.Client, e.FileID, e.Key)
	s.scheduleCached(e.Client)
	s.assignJobs()
	s.checkDone(e.Client)
}

func (s *Scheduler) onWorkerConnected(e WorkerConnected) {
	s.workers[e.Worker] = &workerState{}
	s.assignJobs()
}

func (s *Scheduler) onWorkerDisconnected(e WorkerDisconnected) {
	w, ok := s.workers[e.Worker]
	if !ok {
		return
	}
	delete(s.workers, e.Worker)
	if w.busy {
		cs, ok := s.clients[w.client]
		if ok {
			s.requeueGroup(w.client, cs, w.group)
		}
	}
	s.assignJobs()
}

// onClientDisconnected drops all per-client state. Any worker still
// running a group for this client keeps running it to completion; its
// eventual WorkerResult is simply dropped in onWorkerResult once the
// client lookup misses.
func (s *Scheduler) onClientDisconnected(e ClientDisconnected) {
	delete(s.clients, e.Client)
}

func (s *Scheduler) onStatusRequest(e StatusRequest) {
	var snap Snapshot
	for id, w := range s.workers {
		snap.Workers = append(snap.Workers, WorkerSnapshot{ID: id, Busy: w.busy, ClientID: w.client, GroupID: w.group})
	}
	snap.Ready = s.ready.Len()
	for _, cs := range s.clients {
		for _, p := range cs.phase {
			switch p {
			case phaseWaiting:
				snap.Waiting++
			case phaseRunning:
				snap.Running++
			}
		}
	}
	if e.Reply != nil {
		e.Reply <- snap
	}
}

// markReady moves a group from waiting into the ready queue.
func (s *Scheduler) markReady(client ClientID, gid dag.GroupID) {
	cs := s.clients[client]
	if cs == nil || cs.phase[gid] != phaseWaiting {
		return
	}
	cs.phase[gid] = phaseReady
	s.ready.push(client, string(gid), cs.dag.Config.Priority, cs.maxExecPriority(gid))
}

func (s *Scheduler) requeueGroup(client ClientID, cs *clientState, gid dag.GroupID) {
	cs.phase[gid] = phaseWaiting
	cs.assignedTo[gid] = ""
	s.markReady(client, gid)
}

// scheduleCached walks every ready group for client and resolves it
// straight from the Cache when every one of its executions hits, per
// spec §4.6's schedule-cached algorithm — run before assign-jobs so a
// cache hit never occupies a worker slot.
func (s *Scheduler) scheduleCached(client ClientID) {
	cs := s.clients[client]
	if cs == nil || s.cache == nil {
		return
	}
	for {
		progressed := false
		var remaining []*readyItem
		for {
			item, ok := s.ready.pop()
			if !ok {
				break
			}
			if item.client != client {
				remaining = append(remaining, item)
				continue
			}
			gid := dag.GroupID(item.group)
			if cs.phase[gid] != phaseReady || !cs.cacheable(gid) {
				remaining = append(remaining, item)
				continue
			}
			if entry, ok := s.resolveFromCache(cs, gid); ok {
				s.finishGroup(client, cs, gid, entry.results, entry.outputs, true)
				progressed = true
			} else {
				remaining = append(remaining, item)
			}
		}
		for _, item := range remaining {
			s.ready.push(item.client, item.group, item.dagPrio, item.execPrio)
		}
		if !progressed {
			return
		}
	}
}

type cacheResolution struct {
	results []dag.ExecutionResult
	outputs map[dag.FileID]filekey.Key
}

// resolveFromCache checks every execution in gid against the Cache,
// succeeding only if all of them hit — a partial hit still has to run
// the whole group, since FIFO-linked executions can't be split.
func (s *Scheduler) resolveFromCache(cs *clientState, gid dag.GroupID) (cacheResolution, bool) {
	g := cs.groups[gid]
	var res cacheResolution
	res.outputs = make(map[dag.FileID]filekey.Key)
	for i := range g.Executions {
		ex := &g.Executions[i]
		key := cache.Fingerprint(ex, cs.depKeysFor(ex))
		entry, ok := s.cache.Get(key, s.fs)
		if !ok {
			return cacheResolution{}, false
		}
		result := entry.Result
		result.WasCached = true
		res.results = append(res.results, result)
		for fid, fk := range entry.Outputs {
			res.outputs[fid] = fk
		}
	}
	return res, true
}

// assignJobs pops ready groups onto idle workers until one side runs dry.
func (s *Scheduler) assignJobs() {
	for {
		var freeID WorkerID
		var free *workerState
		for id, w := range s.workers {
			if !w.busy {
				freeID, free = id, w
				break
			}
		}
		if free == nil {
			return
		}
		item, ok := s.ready.pop()
		if !ok {
			return
		}
		cs := s.clients[item.client]
		if cs == nil {
			continue // client vanished since this item was queued
		}
		gid := dag.GroupID(item.group)
		if cs.phase[gid] != phaseReady {
			continue
		}
		cs.phase[gid] = phaseRunning
		cs.assignedTo[gid] = freeID
		free.busy = true
		free.client = item.client
		free.group = gid

		g := cs.groups[gid]
		s.disp.AssignJob(freeID, item.client, g, cs.dag.Config, cs.groupDepKeys(gid))
		for i := range g.Executions {
			s.notif.NotifyStart(item.client, g.Executions[i].ID, freeID)
		}
	}
}

// onWorkerResult handles a completed group: insert cacheable executions,
// propagate file_success/file_failed, free the worker, and look for more
// work.
func (s *Scheduler) onWorkerResult(e WorkerResult) {
	if w, ok := s.workers[e.Worker]; ok {
		w.busy = false
		w.client = ""
		w.group = ""
	}
	cs, ok := s.clients[e.Client]
	if !ok {
		s.assignJobs()
		return
	}
	s.insertCacheEntries(cs, e.Group, e.Results, e.Outputs)
	s.finishGroup(e.Client, cs, e.Group, e.Results, e.Outputs, false)
	s.scheduleCached(e.Client)
	s.assignJobs()
	s.checkDone(e.Client)
}

func (s *Scheduler) insertCacheEntries(cs *clientState, gid dag.GroupID, results []dag.ExecutionResult, outputs map[dag.FileID]filekey.Key) {
	if s.cache == nil || !cs.cacheable(gid) {
		return
	}
	g := cs.groups[gid]
	for i := range g.Executions {
		ex := &g.Executions[i]
		var result dag.ExecutionResult
		for _, r := range results {
			if r.ExecutionID == ex.ID {
				result = r
				break
			}
		}
		entry := cache.Entry{Result: result, Outputs: make(map[dag.FileID]filekey.Key)}
		for _, fid := range ex.Outputs {
			if k, ok := outputs[fid]; ok {
				entry.Outputs[fid] = k
			}
		}
		if ex.Stdout.Capture {
			if k, ok := outputs[ex.Stdout.FileID]; ok {
				entry.Outputs[ex.Stdout.FileID] = k
			}
		}
		if ex.Stderr.Capture {
			if k, ok := outputs[ex.Stderr.FileID]; ok {
				entry.Outputs[ex.Stderr.FileID] = k
			}
		}
		key := cache.Fingerprint(ex, cs.depKeysFor(ex))
		if err := s.cache.Insert(key, entry); err != nil {
			log.Errorf("scheduler", "cache insert failed for execution %s: %v", ex.ID, err)
		}
	}
}

// finishGroup marks gid done, notifies per-execution callbacks, and
// cascades file_success/file_failed to every produced file.
func (s *Scheduler) finishGroup(client ClientID, cs *clientState, gid dag.GroupID, results []dag.ExecutionResult, outputs map[dag.FileID]filekey.Key, cached bool) {
	cs.phase[gid] = phaseDone
	g := cs.groups[gid]

	byExec := make(map[dag.ExecutionID]dag.ExecutionResult, len(results))
	for _, r := range results {
		byExec[r.ExecutionID] = r
	}

	for i := range g.Executions {
		ex := &g.Executions[i]
		result, ok := byExec[ex.ID]
		if !ok {
			result = dag.ExecutionResult{ExecutionID: ex.ID, Status: dag.StatusInternalError, Message: "no result reported"}
		}
		s.notif.NotifyDone(client, ex.ID, result)
		succeeded := result.Status == dag.StatusSuccess

		for _, fid := range ex.Outputs {
			if key, ok := outputs[fid]; ok && succeeded {
				s.fileSuccess(client, fid, key)
			} else {
				s.fileFailed(client, fid)
			}
		}
		if ex.Stdout.Capture {
			if key, ok := outputs[ex.Stdout.FileID]; ok {
				s.fileSuccess(client, ex.Stdout.FileID, key)
			} else {
				s.fileFailed(client, ex.Stdout.FileID)
			}
		}
		if ex.Stderr.Capture {
			if key, ok := outputs[ex.Stderr.FileID]; ok {
				s.fileSuccess(client, ex.Stderr.FileID, key)
			} else {
				s.fileFailed(client, ex.Stderr.FileID)
			}
		}
	}
}

// fileSuccess records fid's content address and decrements the missing
// count of every group depending on it, pushing any that reach zero.
func (s *Scheduler) fileSuccess(client ClientID, fid dag.FileID, key filekey.Key) {
	cs := s.clients[client]
	if cs == nil {
		return
	}
	if _, already := cs.fileKeys[fid]; already {
		return
	}
	cs.fileKeys[fid] = key
	if _, watched := cs.watchedFiles[fid]; watched {
		cs.outcomes[fid] = FileOutcome{FileID: fid, Key: key, Success: true}
		s.notif.DeliverFile(client, fid, key, true)
	}
	for _, gid := range cs.fileToGroups[fid] {
		cs.missing[gid]--
		if cs.missing[gid] == 0 {
			s.markReady(client, gid)
		}
	}
}

// fileFailed marks fid as permanently unavailable and cascades failure
// to every group (and transitively, every file) that depends on it.
func (s *Scheduler) fileFailed(client ClientID, fid dag.FileID) {
	cs := s.clients[client]
	if cs == nil {
		return
	}
	if _, watched := cs.watchedFiles[fid]; watched {
		if _, already := cs.outcomes[fid]; !already {
			cs.outcomes[fid] = FileOutcome{FileID: fid, Success: false}
			s.notif.DeliverFile(client, fid, filekey.Zero, false)
		}
	}
	for _, gid := range cs.fileToGroups[fid] {
		if cs.phase[gid] == phaseDone {
			continue
		}
		cs.phase[gid] = phaseDone
		g := cs.groups[gid]
		for i := range g.Executions {
			ex := &g.Executions[i]
			s.notif.NotifySkip(client, ex.ID)
			for _, out := range ex.Outputs {
				s.fileFailed(client, out)
			}
			if ex.Stdout.Capture {
				s.fileFailed(client, ex.Stdout.FileID)
			}
			if ex.Stderr.Capture {
				s.fileFailed(client, ex.Stderr.FileID)
			}
		}
	}
}

// checkDone fires EvaluationDone once every group has resolved.
func (s *Scheduler) checkDone(client ClientID) {
	cs := s.clients[client]
	if cs == nil || !cs.idle() {
		return
	}
	files := make([]FileOutcome, 0, len(cs.outcomes))
	for _, o := range cs.outcomes {
		files = append(files, o)
	}
	s.notif.EvaluationDone(client, files)
	delete(s.clients, client)
}
