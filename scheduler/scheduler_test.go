package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
)

type fakeDispatcher struct {
	assigned []assignment
}

type assignment struct {
	worker WorkerID
	client ClientID
	group  *dag.ExecutionGroup
}

func (d *fakeDispatcher) AssignJob(worker WorkerID, client ClientID, group *dag.ExecutionGroup, opts dag.DAGConfig, depKeys map[dag.FileID]filekey.Key) {
	d.assigned = append(d.assigned, assignment{worker: worker, client: client, group: group})
}

type fakeNotifier struct {
	started  []dag.ExecutionID
	done     []dag.ExecutionResult
	skipped  []dag.ExecutionID
	files    []FileOutcome
	evalDone bool
	finalErr error
}

func (n *fakeNotifier) NotifyStart(client ClientID, exec dag.ExecutionID, worker WorkerID) {
	n.started = append(n.started, exec)
}
func (n *fakeNotifier) NotifyDone(client ClientID, exec dag.ExecutionID, result dag.ExecutionResult) {
	n.done = append(n.done, result)
}
func (n *fakeNotifier) NotifySkip(client ClientID, exec dag.ExecutionID) {
	n.skipped = append(n.skipped, exec)
}
func (n *fakeNotifier) DeliverFile(client ClientID, file dag.FileID, key filekey.Key, success bool) {
	n.files = append(n.files, FileOutcome{FileID: file, Key: key, Success: success})
}
func (n *fakeNotifier) EvaluationDone(client ClientID, files []FileOutcome) {
	n.evalDone = true
	n.files = append(n.files, files...)
}
func (n *fakeNotifier) EvaluationError(client ClientID, err error) { n.finalErr = err }

func singleExecDAG() (*dag.ExecutionDAG, dag.CallbackRefs) {
	d := dag.NewExecutionDAG()
	d.ProvidedFiles["in"] = dag.ProvidedFile{ID: "in", Key: filekey.FromBytes([]byte("in"))}
	d.Groups["g1"] = &dag.ExecutionGroup{
		ID: "g1",
		Executions: []dag.Execution{{
			ID:      "e1",
			Command: dag.Command{Path: "/bin/true"},
			Inputs:  map[string]dag.InputBinding{"in.txt": {FileID: "in"}},
			Outputs: map[string]dag.FileID{"out.txt": "out"},
		}},
	}
	return d, dag.CallbackRefs{Executions: []dag.ExecutionID{"e1"}, Files: []dag.FileID{"out"}}
}

func TestEvaluateDAGDispatchesReadyGroupToIdleWorker(t *testing.T) {
	disp := &fakeDispatcher{}
	notif := &fakeNotifier{}
	s := New(nil, nil, disp, notif)

	errCh := make(chan error, 1)
	s.handle(WorkerConnected{Worker: "w1"})
	d, watched := singleExecDAG()
	s.handle(EvaluateDAG{Client: "c1", DAG: d, Watched: watched, Err: errCh})
	require.NoError(t, <-errCh)
	s.handle(FileUploaded{Client: "c1", FileID: "in", Key: d.ProvidedFiles["in"].Key})

	require.Len(t, disp.assigned, 1)
	assert.Equal(t, WorkerID("w1"), disp.assigned[0].worker)
	assert.Equal(t, dag.GroupID("g1"), disp.assigned[0].group.ID)
	assert.Equal(t, []dag.ExecutionID{"e1"}, notif.started)
}

func TestWorkerResultDeliversFileAndCompletesEvaluation(t *testing.T) {
	disp := &fakeDispatcher{}
	notif := &fakeNotifier{}
	s := New(nil, nil, disp, notif)

	s.handle(WorkerConnected{Worker: "w1"})
	d, watched := singleExecDAG()
	errCh := make(chan error, 1)
	s.handle(EvaluateDAG{Client: "c1", DAG: d, Watched: watched, Err: errCh})
	require.NoError(t, <-errCh)
	s.handle(FileUploaded{Client: "c1", FileID: "in", Key: d.ProvidedFiles["in"].Key})

	outKey := filekey.FromBytes([]byte("out"))
	s.handle(WorkerResult{
		Worker: "w1", Client: "c1", Group: "g1",
		Results: []dag.ExecutionResult{{ExecutionID: "e1", Status: dag.StatusSuccess}},
		Outputs: map[dag.FileID]filekey.Key{"out": outKey},
	})

	require.Len(t, notif.done, 1)
	assert.Equal(t, dag.StatusSuccess, notif.done[0].Status)
	require.True(t, notif.evalDone)
	// One entry from DeliverFile, one from the EvaluationDone file list.
	require.Len(t, notif.files, 2)
	assert.Equal(t, outKey, notif.files[0].Key)
	assert.True(t, notif.files[0].Success)
	assert.Equal(t, outKey, notif.files[1].Key)
	assert.True(t, notif.files[1].Success)

	w := s.workers["w1"]
	assert.False(t, w.busy)
}

func TestWorkerDisconnectRequeuesRunningGroup(t *testing.T) {
	disp := &fakeDispatcher{}
	notif := &fakeNotifier{}
	s := New(nil, nil, disp, notif)

	s.handle(WorkerConnected{Worker: "w1"})
	d, watched := singleExecDAG()
	errCh := make(chan error, 1)
	s.handle(EvaluateDAG{Client: "c1", DAG: d, Watched: watched, Err: errCh})
	require.NoError(t, <-errCh)
	s.handle(FileUploaded{Client: "c1", FileID: "in", Key: d.ProvidedFiles["in"].Key})
	require.Len(t, disp.assigned, 1)

	s.handle(WorkerDisconnected{Worker: "w1"})
	assert.Equal(t, 1, s.ready.Len())
	_, stillTracked := s.workers["w1"]
	assert.False(t, stillTracked)

	s.handle(WorkerConnected{Worker: "w2"})
	require.Len(t, disp.assigned, 2)
	assert.Equal(t, WorkerID("w2"), disp.assigned[1].worker)
}

func TestFileFailedCascadesSkipToDependents(t *testing.T) {
	disp := &fakeDispatcher{}
	notif := &fakeNotifier{}
	s := New(nil, nil, disp, notif)

	d, watched := singleExecDAG()
	errCh := make(chan error, 1)
	s.handle(EvaluateDAG{Client: "c1", DAG: d, Watched: watched, Err: errCh})
	require.NoError(t, <-errCh)

	s.fileFailed("c1", "in")

	assert.Equal(t, []dag.ExecutionID{"e1"}, notif.skipped)
	require.Len(t, notif.files, 1)
	assert.False(t, notif.files[0].Success)
}

func TestValidationErrorReportedWithoutScheduling(t *testing.T) {
	disp := &fakeDispatcher{}
	notif := &fakeNotifier{}
	s := New(nil, nil, disp, notif)

	d := dag.NewExecutionDAG()
	d.Groups["empty"] = &dag.ExecutionGroup{ID: "empty"}
	errCh := make(chan error, 1)
	s.handle(EvaluateDAG{Client: "c1", DAG: d, Err: errCh})

	err := <-errCh
	require.Error(t, err)
	assert.Empty(t, disp.assigned)
	_, tracked := s.clients["c1"]
	assert.False(t, tracked)
}
