// Package dag defines the typed data model for an evaluation: Executions,
// Files, Groups and the DAG that holds them, plus the validator that
// rejects malformed graphs before the Scheduler ever sees them. The graph
// itself has no pointers between nodes — everything is cross-referenced
// by identifier, the identifier-indexed-arena idiom the design notes call
// for to avoid ownership cycles between Executions and Files.
package dag

import (
	"time"

	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/config"
)

// FileID is a process-unique, opaque identifier for a file flowing
// through one evaluation. It carries no content itself.
type FileID string

// ExecutionID identifies one sandboxed process invocation within a DAG.
type ExecutionID string

// GroupID identifies an ExecutionGroup.
type GroupID string

// FIFOID identifies a named pipe wired between executions in a group.

type FIFOID string

// ProvidedFile is a client-supplied input: either a local path on the
// client or an in-memory buffer, carrying its precomputed FileKey.
type ProvidedFile struct {
	ID      FileID
	Key     filekey.Key
	Path    string // local path on the client; empty if Content is used
	Content []byte // in-memory buffer; nil if Path is used
}

// InputBinding places a dependency file at a sandbox-relative path.
type InputBinding struct {
	FileID     FileID
	Executable bool
}

// Command is an Execution's program: either a PATH lookup on the worker
// (System) or a path relative to the sandbox working directory.
type Command struct {
	System bool
	Path   string
}

// ResourceLimits bounds one Execution's sandboxed process. Any field left
// at its zero pointer is unbounded, per spec.
type ResourceLimits struct {
	CPUTime           *time.Duration
	SysTime           *time.Duration
	WallTime          *time.Duration
	Memory            *config.SizeSuffix // KiB granularity at the protocol boundary
	NumFiles          *int
	FileSize          *config.SizeSuffix
	StackSize         *config.SizeSuffix
	MemoryLock        *config.SizeSuffix
	MultiProcess      bool
	ReadOnly          bool
	Tmpfs             bool
	ExtraReadableDirs []string
}

// Equal reports whether two ResourceLimits describe the same bounds;
// ExtraReadableDirs must match in the same order.
func (r ResourceLimits) Equal(o ResourceLimits) bool {
	eqDur := func(a, b *time.Duration) bool {
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || *a == *b
	}
	eqSize := func(a, b *config.SizeSuffix) bool {
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || *a == *b
	}
	eqInt := func(a, b *int) bool {
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || *a == *b
	}
	if !eqDur(r.CPUTime, o.CPUTime) || !eqDur(r.SysTime, o.SysTime) || !eqDur(r.WallTime, o.WallTime) {
		return false
	}
	if !eqSize(r.Memory, o.Memory) || !eqSize(r.FileSize, o.FileSize) || !eqSize(r.StackSize, o.StackSize) || !eqSize(r.MemoryLock, o.MemoryLock) {
		return false
	}
	if !eqInt(r.NumFiles, o.NumFiles) {
		return false
	}
	if r.MultiProcess != o.MultiProcess || r.ReadOnly != o.ReadOnly || r.Tmpfs != o.Tmpfs {
		return false
	}
	if len(r.ExtraReadableDirs) != len(o.ExtraReadableDirs) {
		return false
	}
	for i := range r.ExtraReadableDirs {
		if r.ExtraReadableDirs[i] != o.ExtraReadableDirs[i] {
			return false
		}
	}
	return true
}

// CapturePolicy controls whether a stream is captured and how much of it.
type CapturePolicy struct {
	Capture  bool
	ByteCap  int64
	FileID   FileID // destination File, required if Capture is set
}

// Execution is a request to run one process in a sandbox.
type Execution struct {
	ID          ExecutionID
	Description string
	Command     Command
	Args        []string
	Stdin       *FileID // source of stdin, mutually exclusive with StdinPath
	StdinPath   string  // redirect stdin from this sandbox-relative path
	Stdout      CapturePolicy
	Stderr      CapturePolicy
	Inputs      map[string]InputBinding // sandbox-relative path -> binding
	Outputs     map[string]FileID       // sandbox-relative path -> output FileID
	Env         map[string]string
	CopyEnv     []string
	Limits      ResourceLimits
	Tag         string
	Priority    int64
	ExtraTime   time.Duration
}

// FIFO is a named pipe wired between two executions in the same group.
type FIFO struct {
	ID   FIFOID
	Name string // the filename every execution in the group sees it as
}

// ExecutionGroup is an atomic unit of scheduling: all its Executions run
// concurrently on the same worker or not at all.
type ExecutionGroup struct {
	ID         GroupID
	Executions []Execution
	FIFOs      []FIFO
}

// CacheMode controls which executions the Scheduler consults the Cache for.
type CacheMode int

// Cache modes.
const (
	CacheEverything CacheMode = iota
	CacheNothing
	CacheExceptTags
)

// DAGConfig is the DAG-wide configuration.
type DAGConfig struct {
	CacheMode       CacheMode
	ExceptTags      map[string]struct{} // only meaningful when CacheMode == CacheExceptTags
	ExtraTime       time.Duration
	KeepSandboxes   bool
	Priority        int64
}

// Cacheable reports whether an execution with the given tag should be
// looked up in / inserted into the Cache under this DAG's cache mode.
func (c DAGConfig) Cacheable(tag string) bool {
	switch c.CacheMode {
	case CacheNothing:
		return false
	case CacheExceptTags:
		_, excluded := c.ExceptTags[tag]
		return !excluded
	default:
		return true
	}
}

// ExecutionDAG is a full evaluation request: the ProvidedFiles, the
// ExecutionGroups that consume and produce files, and DAG-wide config.
// Edges are implicit, derived from Inputs/Outputs of the contained
// Executions — there is no separate edge list.
type ExecutionDAG struct {
	ProvidedFiles map[FileID]ProvidedFile
	Groups        map[GroupID]*ExecutionGroup
	Config        DAGConfig
}

// NewExecutionDAG returns an empty DAG ready to be populated.
func NewExecutionDAG() *ExecutionDAG {
	return &ExecutionDAG{
		ProvidedFiles: make(map[FileID]ProvidedFile),
		Groups:        make(map[GroupID]*ExecutionGroup),
	}
}

// CallbackRefs is the set of identifiers a client's callback registration
// touches; the validator checks every one exists in the DAG (invariant 8).
// The callbacks themselves (closures, channels) live in the client
// package — the DAG only needs to know what they point at.
type CallbackRefs struct {
	Executions []ExecutionID
	Files      []FileID
}
