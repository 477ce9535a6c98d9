// Package worker implements the Worker component of spec §4.5: it pulls
// job assignments from the server, stages a local FileStore's inputs
// into a fresh sandbox per execution, invokes the sandbox runner, hashes
// outputs back into the FileStore, and ships results and bytes back to
// the server.
package worker

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/log"
	"github.com/evalgrid/evalgrid/sandbox"
	"github.com/evalgrid/evalgrid/store"
)

// stagedExecution is one Execution's sandbox, set up and ready to run.
type stagedExecution struct {
	ex          *dag.Execution
	cfg         sandbox.Config
	root        string // <sandboxDir>/group-<uuid>/<execution id>
	box         string // root/box, the sandbox working directory
	stdoutPath  string
	stderrPath  string
	outputPaths map[string]dag.FileID // sandbox-relative path -> FileID
}

// stagedGroup is every Execution in one ExecutionGroup, staged and ready
// to run concurrently, plus the shared FIFOs wired between them.
type stagedGroup struct {
	groupRoot string
	execs     []*stagedExecution
}

// stage builds sandbox directories for every Execution in group: copying
// inputs from fs, touching outputs, wiring FIFOs, and writing stdin. Per
// spec §4.4 Setup: inputs are chmodded 0500/0400 by executable bit,
// outputs touched 0600, and the working directory is chmodded 0500 just
// before spawn when ReadOnly is set (done by the sandbox runner itself).
func (w *Worker) stage(group *dag.ExecutionGroup, depKeys map[dag.FileID]filekey.Key) (*stagedGroup, error) {
	groupRoot := filepath.Join(w.cfg.SandboxDir, "group-"+uuid.New().String())
	if err := os.MkdirAll(groupRoot, 0755); err != nil {
		return nil, errors.Wrap(err, "worker: failed to create group sandbox root")
	}

	for _, f := range group.FIFOs {
		if err := mkfifo(filepath.Join(groupRoot, string(f.ID)), 0600); err != nil {
			return nil, errors.Wrapf(err, "worker: failed to create fifo %s", f.ID)
		}
	}

	sg := &stagedGroup{groupRoot: groupRoot}
	for i := range group.Executions {
		ex := &group.Executions[i]
		se, err := w.stageOne(groupRoot, ex, group.FIFOs, depKeys)
		if err != nil {
			return sg, err
		}
		sg.execs = append(sg.execs, se)
	}
	return sg, nil
}

func (w *Worker) stageOne(groupRoot string, ex *dag.Execution, fifos []dag.FIFO, depKeys map[dag.FileID]filekey.Key) (*stagedExecution, error) {
	root := filepath.Join(groupRoot, string(ex.ID))
	box := filepath.Join(root, "box")
	if err := os.MkdirAll(box, 0755); err != nil {
		return nil, errors.Wrap(err, "worker: failed to create sandbox box")
	}

	var handles []*store.Handle
	release := func() {
		for _, h := range handles {
			h.Release()
		}
	}

	for path, in := range ex.Inputs {
		key, ok := depKeys[in.FileID]
		if !ok {
			release()
			return nil, errors.Errorf("worker: no resolved key for input %s (file %s)", path, in.FileID)
		}
		h, ok := w.fs.Get(key)
		if !ok {
			release()
			return nil, errors.Errorf("worker: dependency %s not present in local store", key)
		}
		handles = append(handles, h)
		dest := filepath.Join(box, path)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			release()
			return nil, errors.Wrap(err, "worker: failed to create input subdirectory")
		}
		if err := copyFile(h.Path(), dest, modeFor(in.Executable)); err != nil {
			release()
			return nil, err
		}
	}
	release()

	outputPaths := make(map[string]dag.FileID)
	for path, fid := range ex.Outputs {
		dest := filepath.Join(box, path)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, errors.Wrap(err, "worker: failed to create output subdirectory")
		}
		if err := touch(dest, 0600); err != nil {
			return nil, err
		}
		outputPaths[path] = fid
	}

	for _, f := range fifos {
		if err := os.Symlink(filepath.Join(groupRoot, string(f.ID)), filepath.Join(box, f.Name)); err != nil {
			return nil, errors.Wrapf(err, "worker: failed to wire fifo %s into sandbox", f.Name)
		}
	}

	stdinPath := ""
	if ex.Stdin != nil {
		key, ok := depKeys[*ex.Stdin]
		if !ok {
			return nil, errors.Errorf("worker: no resolved key for stdin file %s", *ex.Stdin)
		}
		h, ok := w.fs.Get(key)
		if !ok {
			return nil, errors.Errorf("worker: stdin dependency %s not present in local store", key)
		}
		stdinPath = filepath.Join(root, "stdin")
		err := copyFile(h.Path(), stdinPath, 0400)
		h.Release()
		if err != nil {
			return nil, err
		}
	} else if ex.StdinPath != "" {
		stdinPath = filepath.Join(box, ex.StdinPath)
	}

	stdoutPath := filepath.Join(root, "stdout")
	stderrPath := filepath.Join(root, "stderr")

	env := make([]string, 0, len(ex.Env)+len(ex.CopyEnv))
	for k, v := range ex.Env {
		env = append(env, k+"="+v)
	}
	for _, k := range ex.CopyEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}

	cfg := sandbox.Config{
		WorkDir:      box,
		Executable:   ex.Command.Path,
		LookupPath:   ex.Command.System,
		Args:         ex.Args,
		Env:          env,
		Tmpfs:        ex.Limits.Tmpfs,
		ReadOnly:     ex.Limits.ReadOnly,
		StdinPath:    stdinPath,
		StdoutPath:   stdoutPath,
		StderrPath:   stderrPath,
		StdoutCap:    ex.Stdout.ByteCap,
		StderrCap:    ex.Stderr.ByteCap,
		ExtraTime:    ex.ExtraTime,
		MultiProcess: ex.Limits.MultiProcess,
	}
	if ex.Limits.CPUTime != nil {
		cfg.CPUTime = *ex.Limits.CPUTime
	}
	if ex.Limits.SysTime != nil {
		cfg.SysTime = *ex.Limits.SysTime
	}
	if ex.Limits.WallTime != nil {
		cfg.WallTime = *ex.Limits.WallTime
	}
	if ex.Limits.Memory != nil {
		cfg.MemoryKiB = int64(*ex.Limits.Memory) / 1024
	}
	if ex.Limits.NumFiles != nil {
		cfg.NumFiles = *ex.Limits.NumFiles
	}
	if ex.Limits.FileSize != nil {
		cfg.FileSizeKiB = int64(*ex.Limits.FileSize) / 1024
	}
	if ex.Limits.StackSize != nil {
		cfg.StackKiB = int64(*ex.Limits.StackSize) / 1024
	}
	if ex.Limits.MemoryLock != nil {
		cfg.MemoryLockKiB = int64(*ex.Limits.MemoryLock) / 1024
	}
	for _, dir := range ex.Limits.ExtraReadableDirs {
		cfg.Mounts = append(cfg.Mounts, sandbox.Mount{Source: dir, Target: dir, Writable: false})
	}

	return &stagedExecution{
		ex:          ex,
		cfg:         cfg,
		root:        root,
		box:         box,
		stdoutPath:  stdoutPath,
		stderrPath:  stderrPath,
		outputPaths: outputPaths,
	}, nil
}

// teardown hashes se's produced outputs into fs, optionally dumps
// info.json when keepSandboxes is set, and otherwise removes the
// sandbox root. Per spec §4.4, teardown runs regardless of the
// execution's outcome — partial outputs of a killed process are still
// captured if they exist.
func (se *stagedExecution) teardown(fs *store.Store, keepSandboxes bool, res sandbox.Result) (map[dag.FileID]filekey.Key, error) {
	outputs := make(map[dag.FileID]filekey.Key)
	for path, fid := range se.outputPaths {
		full := filepath.Join(se.box, path)
		key, err := hashAndStore(fs, full)
		if err != nil {
			log.Debugf("worker", "output %s (execution %s) not captured: %v", path, se.ex.ID, err)
			continue
		}
		outputs[fid] = key
	}

	if keepSandboxes {
		dump := map[string]interface{}{"execution": se.ex, "config": se.cfg, "result": res}
		data, err := json.MarshalIndent(dump, "", "  ")
		if err == nil {
			_ = os.WriteFile(filepath.Join(se.root, "info.json"), data, 0644)
		}
		return outputs, nil
	}
	if err := os.RemoveAll(se.root); err != nil {
		log.Errorf("worker", "failed to remove sandbox root %s: %v", se.root, err)
	}
	return outputs, nil
}

func hashAndStore(fs *store.Store, path string) (filekey.Key, error) {
	key, err := fs.KeyFromFile(path)
	if err != nil {
		return filekey.Zero, errors.Wrapf(err, "worker: failed to hash output %q", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return filekey.Zero, err
	}
	defer f.Close()
	h, err := fs.Store(key, f)
	if err != nil {
		return filekey.Zero, err
	}
	h.Release()
	return key, nil
}

func modeFor(executable bool) os.FileMode {
	if executable {
		return 0500
	}
	return 0400
}

func touch(path string, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrapf(err, "worker: failed to touch %q", path)
	}
	return f.Close()
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "worker: failed to open %q for staging", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrapf(err, "worker: failed to create %q", dest)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "worker: failed to stage %q", dest)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "worker: failed closing %q", dest)
	}
	return os.Chmod(dest, mode)
}
