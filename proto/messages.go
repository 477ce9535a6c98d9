// Package proto implements the wire protocol that binds the Client, the
// Executor and the Worker: a length-prefixed, gob-encoded message
// envelope, an optional secretbox encryption layer keyed from a shared
// password, and a compact unframed path for streaming file bytes. The
// message catalog mirrors rclone's fs/rc request/response pair in shape
// (a small set of typed structs carried over a connection) but the
// framing itself is grounded on backend/crypt/cipher.go's block scheme.
package proto

import (
	"encoding/gob"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
)

// Welcome is the first message either side sends on a new connection.
type Welcome struct {
	Name    string // "evalgrid-client", "evalgrid-worker"
	Version string
}

// Accepted is the server's reply to a Welcome it will honor.
type Accepted struct{}

// Rejected is the server's reply to a Welcome it refuses (protocol version
// mismatch). The connection is closed immediately after. A wrong password
// gets no Rejected: the server cannot decrypt the Welcome and just closes.
type Rejected struct {
	Reason string
}

// --- Client <-> Server ---

// Evaluate submits a DAG for scheduling. Watched lists the identifiers
// the client has registered callbacks for, so the validator can check
// invariant 8 (every callback reference resolves).
type Evaluate struct {
	DAG     *dag.ExecutionDAG
	Watched dag.CallbackRefs
}

// CAskFile is the client telling the server it needs file FID's bytes
// (Success echoes the outcome the client saw for the file; the server
// does not read it).
type CAskFile struct {
	FileID  dag.FileID
	Key     filekey.Key
	Success bool
}

// CProvideFile headers a client->server file upload; the raw chunk
// stream described in file.go follows immediately.
type CProvideFile struct {
	FileID dag.FileID
	Key    filekey.Key
}

// CStatus asks the server for a Status snapshot.
type CStatus struct{}

// CStop tells the server to abandon the client's in-flight evaluation.
type CStop struct{}

// SAskFile is the server asking the client to upload a file it needs.
type SAskFile struct {
	FileID dag.FileID
}

// SProvideFile headers a server->client file download; raw chunks follow
// only when Success is true.
type SProvideFile struct {
	FileID  dag.FileID
	Key     filekey.Key
	Success bool
}

// NotifyStart reports that an execution has been assigned to a worker.
type NotifyStart struct {
	ExecutionID dag.ExecutionID
	WorkerID    string
}

// NotifyDone reports an execution's terminal result.
type NotifyDone struct {
	ExecutionID dag.ExecutionID
	Result      dag.ExecutionResult
}

// NotifySkip reports that an execution was skipped because a dependency
// failed.
type NotifySkip struct {
	ExecutionID dag.ExecutionID
}

// WorkerStatus is one worker's entry in a Status snapshot.
type WorkerStatus struct {
	ID       string
	Name     string
	Busy     bool
	JobDesc  string
	ClientID string
	Since    int64 // unix nanos, 0 if idle
}

// StatusSnapshot is the payload of a Status response.
type StatusSnapshot struct {
	Workers  []WorkerStatus
	Ready    int
	Waiting  int
	Running  int
}

// SStatus carries a Status snapshot back to the client.
type SStatus struct {
	Snapshot StatusSnapshot
}

// DoneFile is one entry of a Done message's file list.
type DoneFile struct {
	FileID  dag.FileID
	Key     filekey.Key
	Success bool
}

// Done is the final message of a successful evaluation: every file the
// client registered a callback for, with its outcome.
type Done struct {
	Files []DoneFile
}

// SError aborts the connection with a human-readable reason. Sent for
// DAG validation failures; a refused handshake gets Rejected instead.
type SError struct {
	Message string
}

// --- Worker <-> Server ---

// GetWork is a worker asking for its next assignment; it blocks on the
// server side until one is ready.
type GetWork struct{}

// WAskFile is a worker asking the server to stream a dependency's bytes.
type WAskFile struct {
	Key filekey.Key
}

// WProvideFile headers a worker->server output upload; raw chunks follow.
type WProvideFile struct {
	FileID dag.FileID
	Key    filekey.Key
}

// Work assigns one ExecutionGroup to a worker, along with the resolved
// FileKey for every dependency it will need to stage.
type Work struct {
	Group   dag.ExecutionGroup
	Options dag.DAGConfig
	DepKeys map[dag.FileID]filekey.Key
}

// WProvideFileHeader headers a server->worker dependency download; raw
// chunks follow. Distinct type from SProvideFile because the worker side
// never carries a Success flag (failed dependencies are never sent).
type WProvideFileHeader struct {
	Key filekey.Key
}

// WorkerDone reports every execution result in a finished group, plus
// the FileIDs of every output the worker captured, which it uploads one
// WProvideFile at a time right after this message.
type WorkerDone struct {
	Results []dag.ExecutionResult
	Outputs []dag.FileID
}

// Exit tells a worker to disconnect and terminate cleanly.
type Exit struct{}

func init() {
	for _, v := range []interface{}{
		Welcome{}, Accepted{}, Rejected{},
		Evaluate{}, CAskFile{}, CProvideFile{}, CStatus{}, CStop{},
		SAskFile{}, SProvideFile{}, NotifyStart{}, NotifyDone{}, NotifySkip{},
		SStatus{}, Done{}, SError{},
		GetWork{}, WAskFile{}, WProvideFile{}, Work{}, WProvideFileHeader{}, WorkerDone{}, Exit{},
	} {
		gob.Register(v)
	}
}
