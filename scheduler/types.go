// Package scheduler implements the single-threaded global orchestrator
// of spec §4.6: one goroutine owns the ready queue, the per-client
// waiting-on-dependencies state, cache lookups, and worker assignment,
// consuming a channel of typed events exactly as the design notes in §9
// call for ("a small set of threads each running a blocking
// select/receive loop"). Every other component reaches the Scheduler
// only by sending it an Event; nothing here is called directly from
// another goroutine, which is what makes it the serialization point for
// cache consistency and ready-queue ordering that §5 requires.
package scheduler

import (
	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
)

// ClientID identifies one connected client's evaluation session.
type ClientID string

// WorkerID identifies one connected worker.
type WorkerID string

// Event is anything the Scheduler's loop can consume. All of the
// concrete event types below implement it (the empty interface is used
// directly, matching the "tagged union over a channel" idiom the design
// notes recommend for variant-heavy message types).
type Event interface{}

// EvaluateDAG submits a new DAG for client. Err receives the validation
// outcome: nil if scheduling began, the validation error otherwise. It is
// always sent to exactly once.
type EvaluateDAG struct {
	Client  ClientID
	DAG     *dag.ExecutionDAG
	Watched dag.CallbackRefs
	Err     chan<- error
}

// FileUploaded reports that a ProvidedFile's bytes have landed in the
// FileStore (the client finished uploading it, or a cache/server-local
// file became known). Key is the file's now-confirmed content address.
type FileUploaded struct {
	Client ClientID
	FileID dag.FileID
	Key    filekey.Key
}

// WorkerResult reports a finished group's per-execution results and
// output FileKeys, as reported by the WorkerManager once the worker's
// WorkerDone message and file transfers have landed.
type WorkerResult struct {
	Worker  WorkerID
	Client  ClientID
	Group   dag.GroupID
	Results []dag.ExecutionResult
	Outputs map[dag.FileID]filekey.Key
}

// WorkerConnected reports a new idle worker available for assignment.
type WorkerConnected struct {
	Worker WorkerID
}

// WorkerDisconnected reports a worker dropping, mid-job or not; any
// group it had in flight is rescheduled.
type WorkerDisconnected struct {
	Worker WorkerID
}

// ClientDisconnected drops all state the Scheduler holds for client.
type ClientDisconnected struct {
	Client ClientID
}

// StatusRequest asks the Scheduler for a snapshot; Reply receives exactly
// one value.
type StatusRequest struct {
	Reply chan<- Snapshot
}

// Exit shuts the Scheduler down.
type Exit struct{}

// Snapshot is the status view returned by StatusRequest, the data behind
// both the protocol's Status response and the HTTP status endpoint (spec
// §6's "Status snapshot structure").
type Snapshot struct {
	Workers []WorkerSnapshot
	Ready   int
	Waiting int
	Running int
}

// WorkerSnapshot is one worker's row in a Snapshot.
type WorkerSnapshot struct {
	ID       WorkerID
	Busy     bool
	ClientID ClientID
	GroupID  dag.GroupID
	SinceNS  int64
}

// FileOutcome is one tracked file's terminal state, delivered in the
// Done batch exactly as spec §6's Done message lists them.
type FileOutcome struct {
	FileID  dag.FileID
	Key     filekey.Key
	Success bool
}

// Dispatcher is how the Scheduler hands a ready, cache-missed group to a
// worker. Implemented by the WorkerManager; kept as an interface so the
// Scheduler package has no import-time dependency on the connection
// layer, matching §9's note that the per-client handle map and similar
// scheduler-owned state are only ever exposed to other components
// through messages, never shared references.
type Dispatcher interface {
	AssignJob(worker WorkerID, client ClientID, group *dag.ExecutionGroup, opts dag.DAGConfig, depKeys map[dag.FileID]filekey.Key)
}

// Notifier is how the Scheduler reports callback-relevant events back
// towards a client. Implemented by the Executor.
type Notifier interface {
	NotifyStart(client ClientID, exec dag.ExecutionID, worker WorkerID)
	NotifyDone(client ClientID, exec dag.ExecutionID, result dag.ExecutionResult)
	NotifySkip(client ClientID, exec dag.ExecutionID)
	DeliverFile(client ClientID, file dag.FileID, key filekey.Key, success bool)
	EvaluationDone(client ClientID, files []FileOutcome)
	EvaluationError(client ClientID, err error)
}
