// Package sandbox abstracts over the OS-level confined process launcher,
// per spec §4.4: it is a black box that consumes a Config and returns a
// Result, never inspecting task semantics. The only implementation built
// here is the local one (os/exec plus rlimits), matching SPEC_FULL's
// scope note that remote/namespaced sandbox backends stay external
// collaborators.
package sandbox

import (
	"context"
	"time"

	"github.com/evalgrid/evalgrid/dag"
)

// Mount is one bind-style mount built from the
// ResourceLimits.ExtraReadableDirs list. The Local runner does not apply
// mounts.
type Mount struct {
	Source   string
	Target   string
	Writable bool
}

// Config is the value type the Worker builds for one Execution and hands
// to a Runner. It carries only what the sandbox needs to launch and
// measure a process — no knowledge of FileIdentifiers, caching, or the
// DAG.
type Config struct {
	WorkDir    string
	Executable string // absolute path, or a bare name to be looked up on PATH if System
	LookupPath bool   // true for Command.System
	Args       []string
	Env        []string // "KEY=VALUE" pairs, fully resolved
	Mounts     []Mount
	Tmpfs      bool
	ReadOnly   bool // chmod WorkDir 0500 before spawn

	StdinPath  string // "" means /dev/null
	StdoutPath string
	StderrPath string
	StdoutCap  int64 // the Local runner does not truncate output to either cap
	StderrCap  int64

	CPUTime      time.Duration // 0 means unbounded
	SysTime      time.Duration
	WallTime     time.Duration
	ExtraTime    time.Duration // grace period added to WallTime before a hard kill
	MemoryKiB    int64
	NumFiles     int
	FileSizeKiB  int64
	StackKiB     int64
	MemoryLockKiB int64
	MultiProcess bool
}

// Result is the outcome of one sandboxed run. Exactly one of the two
// shapes spec §4.4 describes applies: either the process ran (Failed is
// false, and the resource/signal/exit fields are meaningful) or the
// sandbox itself could not run it (Failed is true, Message explains why).
type Result struct {
	Failed  bool
	Message string

	ExitCode int
	Signaled bool
	Signal   int
	HitCPU   bool
	HitSys   bool
	HitWall  bool
	HitMem   bool
	Usage    dag.ResourceUsage
}

// Status applies the spec §4.4 precedence to classify a non-Failed
// Result.
func (r Result) Status() dag.Status {
	return dag.ClassifyStatus(r.HitCPU, r.HitSys, r.HitWall, r.HitMem, r.Signaled, r.Signal, r.ExitCode)
}

// Runner launches one confined process and blocks until it exits or is
// killed for exceeding a limit.
type Runner interface {
	Run(ctx context.Context, cfg Config) (Result, error)
}
