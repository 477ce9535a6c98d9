package cache

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/config"
)

func derefDuration(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}

func derefSize(s *config.SizeSuffix) config.SizeSuffix {
	if s == nil {
		return 0
	}
	return *s
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// Key identifies one cacheable computation: an execution's command, argv,
// environment, and resolved input FileKeys, plus the set of output paths
// it is expected to produce. Two executions with the same Key are, by
// the spec's definition, the same computation.
type Key filekey.Key

// String renders the key as hex, for log lines and the bolt bucket.
func (k Key) String() string { return filekey.Key(k).String() }

// depEntry is one resolved (sandbox path, content, executable) triple
// that feeds the fingerprint.
type depEntry struct {
	path       string
	key        filekey.Key
	executable bool
}

// Fingerprint computes the deterministic Key for ex, given the resolved
// FileKey of every one of its input dependencies (by FileID). Per spec
// §4.2, the serialization covers: command, argv, sorted env pairs, sorted
// copy-env keys, sorted (path, depKey, executable) input triples, sorted
// output path list, the stdin/stdout/stderr redirect triple, and the
// resource-limit tuple.
func Fingerprint(ex *dag.Execution, depKeys map[dag.FileID]filekey.Key) Key {
	var buf bytes.Buffer

	writeString := func(s string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		buf.Write(n[:])
		buf.WriteString(s)
	}
	writeBool := func(b bool) {
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	writeInt64 := func(v int64) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(v))
		buf.Write(n[:])
	}

	writeBool(ex.Command.System)
	writeString(ex.Command.Path)
	writeInt64(int64(len(ex.Args)))
	for _, a := range ex.Args {
		writeString(a)
	}

	envKeys := make([]string, 0, len(ex.Env))
	for k := range ex.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	writeInt64(int64(len(envKeys)))
	for _, k := range envKeys {
		writeString(k)
		writeString(ex.Env[k])
	}

	copyEnv := append([]string(nil), ex.CopyEnv...)
	sort.Strings(copyEnv)
	writeInt64(int64(len(copyEnv)))
	for _, k := range copyEnv {
		writeString(k)
	}

	deps := make([]depEntry, 0, len(ex.Inputs))
	for path, in := range ex.Inputs {
		deps = append(deps, depEntry{path: path, key: depKeys[in.FileID], executable: in.Executable})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].path < deps[j].path })
	writeInt64(int64(len(deps)))
	for _, d := range deps {
		writeString(d.path)
		buf.Write(d.key[:])
		writeBool(d.executable)
	}

	outputs := make([]string, 0, len(ex.Outputs))
	for path := range ex.Outputs {
		outputs = append(outputs, path)
	}
	sort.Strings(outputs)
	writeInt64(int64(len(outputs)))
	for _, path := range outputs {
		writeString(path)
	}

	if ex.Stdin != nil {
		writeString(string(*ex.Stdin))
	} else {
		writeString("")
	}
	writeString(ex.StdinPath)
	writeBool(ex.Stdout.Capture)
	writeBool(ex.Stderr.Capture)

	writeLimits(&buf, ex.Limits)

	return Key(filekey.FromBytes(buf.Bytes()))
}

func writeLimits(buf *bytes.Buffer, l dag.ResourceLimits) {
	writeOptInt64 := func(present bool, v int64) {
		if !present {
			buf.WriteByte(0)
			return
		}
		buf.WriteByte(1)
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(v))
		buf.Write(n[:])
	}
	writeOptInt64(l.CPUTime != nil, int64(derefDuration(l.CPUTime)))
	writeOptInt64(l.SysTime != nil, int64(derefDuration(l.SysTime)))
	writeOptInt64(l.WallTime != nil, int64(derefDuration(l.WallTime)))
	writeOptInt64(l.Memory != nil, int64(derefSize(l.Memory)))
	writeOptInt64(l.NumFiles != nil, int64(derefInt(l.NumFiles)))
	writeOptInt64(l.FileSize != nil, int64(derefSize(l.FileSize)))
	writeOptInt64(l.StackSize != nil, int64(derefSize(l.StackSize)))
	writeOptInt64(l.MemoryLock != nil, int64(derefSize(l.MemoryLock)))

	flag := func(b bool) byte {
		if b {
			return 1
		}
		return 0
	}
	buf.WriteByte(flag(l.MultiProcess))
	buf.WriteByte(flag(l.ReadOnly))
	buf.WriteByte(flag(l.Tmpfs))

	dirs := append([]string(nil), l.ExtraReadableDirs...)
	sort.Strings(dirs)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(dirs)))
	buf.Write(n[:])
	for _, d := range dirs {
		var ln [4]byte
		binary.BigEndian.PutUint32(ln[:], uint32(len(d)))
		buf.Write(ln[:])
		buf.WriteString(d)
	}
}
