package scheduler

import (
	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
)

type groupPhase int

const (
	phaseWaiting groupPhase = iota
	phaseReady
	phaseRunning
	phaseDone
)

// clientState is everything the Scheduler tracks for one client's
// in-flight evaluation, per spec §3 "Scheduler state per client". It is
// only ever touched from the Scheduler's own goroutine.
type clientState struct {
	dag     *dag.ExecutionDAG
	watched dag.CallbackRefs

	watchedExecs map[dag.ExecutionID]struct{}
	watchedFiles map[dag.FileID]struct{}

	groups       map[dag.GroupID]*dag.ExecutionGroup
	execToGroup  map[dag.ExecutionID]dag.GroupID
	producer     map[dag.FileID]dag.GroupID // file -> group that produces it ("" if provided)
	fileToGroups map[dag.FileID][]dag.GroupID
	missing      map[dag.GroupID]int
	phase        map[dag.GroupID]groupPhase
	assignedTo   map[dag.GroupID]WorkerID

	fileKeys map[dag.FileID]filekey.Key // known content addresses: provided + produced so far
	outcomes map[dag.FileID]FileOutcome // terminal state of every watched file
}

func newClientState(d *dag.ExecutionDAG, watched dag.CallbackRefs) *clientState {
	cs := &clientState{
		dag:          d,
		watched:      watched,
		watchedExecs: make(map[dag.ExecutionID]struct{}),
		watchedFiles: make(map[dag.FileID]struct{}),
		groups:       make(map[dag.GroupID]*dag.ExecutionGroup),
		execToGroup:  make(map[dag.ExecutionID]dag.GroupID),
		producer:     make(map[dag.FileID]dag.GroupID),
		fileToGroups: make(map[dag.FileID][]dag.GroupID),
		missing:      make(map[dag.GroupID]int),
		phase:        make(map[dag.GroupID]groupPhase),
		assignedTo:   make(map[dag.GroupID]WorkerID),
		fileKeys:     make(map[dag.FileID]filekey.Key),
		outcomes:     make(map[dag.FileID]FileOutcome),
	}
	for _, eid := range watched.Executions {
		cs.watchedExecs[eid] = struct{}{}
	}
	for _, fid := range watched.Files {
		cs.watchedFiles[fid] = struct{}{}
	}

	// ProvidedFile keys are known upfront (the client computes the content
	// hash before submitting), but the bytes may not have reached the
	// server's FileStore yet — the executor drives that separately via
	// FileUploaded events, one per provided file, so a dependent group
	// never gets dispatched before its input actually landed.
	for gid, g := range d.Groups {
		cs.groups[gid] = g
		cs.phase[gid] = phaseWaiting
		for i := range g.Executions {
			ex := &g.Executions[i]
			cs.execToGroup[ex.ID] = gid
			for _, fid := range ex.Outputs {
				cs.producer[fid] = gid
			}
			if ex.Stdout.Capture {
				cs.producer[ex.Stdout.FileID] = gid
			}
			if ex.Stderr.Capture {
				cs.producer[ex.Stderr.FileID] = gid
			}
		}
	}
	for gid, g := range d.Groups {
		missing := 0
		seen := make(map[dag.FileID]struct{})
		addDep := func(fid dag.FileID) {
			if _, already := seen[fid]; already {
				return
			}
			seen[fid] = struct{}{}
			cs.fileToGroups[fid] = append(cs.fileToGroups[fid], gid)
			if _, known := cs.fileKeys[fid]; !known {
				missing++
			}
		}
		for i := range g.Executions {
			ex := &g.Executions[i]
			for _, in := range ex.Inputs {
				addDep(in.FileID)
			}
			if ex.Stdin != nil {
				addDep(*ex.Stdin)
			}
		}
		cs.missing[gid] = missing
	}
	return cs
}

// readyGroups returns every group with zero missing dependencies,
// i.e. eligible for the ready queue immediately after validation.
func (cs *clientState) readyGroups() []dag.GroupID {
	var out []dag.GroupID
	for gid, n := range cs.missing {
		if n == 0 && cs.phase[gid] == phaseWaiting {
			out = append(out, gid)
		}
	}
	return out
}

// maxExecPriority is the highest Execution.Priority within a group, used
// as the group's entry in the ready queue's composite key.
func (cs *clientState) maxExecPriority(gid dag.GroupID) int64 {
	g := cs.groups[gid]
	var max int64
	first := true
	for i := range g.Executions {
		p := g.Executions[i].Priority
		if first || p > max {
			max = p
			first = false
		}
	}
	return max
}

// cacheable reports whether every execution in the group agrees to be
// cacheable — a group is only looked up/inserted as a whole when all its
// executions are (mixed-tag groups degrade to "not cacheable" rather than
// guessing).
func (cs *clientState) cacheable(gid dag.GroupID) bool {
	g := cs.groups[gid]
	for i := range g.Executions {
		if !cs.dag.Config.Cacheable(g.Executions[i].Tag) {
			return false
		}
	}
	return true
}

// depKeysFor resolves every FileID an execution depends on to its known
// FileKey, for cache fingerprinting and for the Work message sent to a
// worker.
func (cs *clientState) depKeysFor(ex *dag.Execution) map[dag.FileID]filekey.Key {
	out := make(map[dag.FileID]filekey.Key)
	for _, in := range ex.Inputs {
		if k, ok := cs.fileKeys[in.FileID]; ok {
			out[in.FileID] = k
		}
	}
	if ex.Stdin != nil {
		if k, ok := cs.fileKeys[*ex.Stdin]; ok {
			out[*ex.Stdin] = k
		}
	}
	return out
}

// groupDepKeys merges depKeysFor across every execution in the group,
// the map a Work message carries.
func (cs *clientState) groupDepKeys(gid dag.GroupID) map[dag.FileID]filekey.Key {
	out := make(map[dag.FileID]filekey.Key)
	g := cs.groups[gid]
	for i := range g.Executions {
		for fid, key := range cs.depKeysFor(&g.Executions[i]) {
			out[fid] = key
		}
	}
	return out
}

// idle reports whether ready, running, and waiting are all empty — the
// client's evaluation has finished (spec §4.6 Completion check).
func (cs *clientState) idle() bool {
	for _, p := range cs.phase {
		if p != phaseDone {
			return false
		}
	}
	return true
}
