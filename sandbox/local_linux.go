//go:build linux

package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/internal/log"
)

// Local runs processes directly under rlimits and a dedicated process
// group, the confined-process-launcher black box of spec §4.4. It does
// not attempt namespaces or seccomp — SPEC_FULL scopes those out
// explicitly as a separate, unbuilt sandbox primitive.
type Local struct{}

// NewLocal returns the Linux sandbox runner.
func NewLocal() *Local { return &Local{} }

// Run launches cfg.Executable, applying rlimits before exec and killing
// the whole process group if wall time (plus ExtraTime grace) elapses
// before it exits on its own.
func (l *Local) Run(ctx context.Context, cfg Config) (Result, error) {
	exe := cfg.Executable
	if cfg.LookupPath {
		resolved, err := exec.LookPath(cfg.Executable)
		if err != nil {
			return Result{Failed: true, Message: "command not found: " + err.Error()}, nil
		}
		exe = resolved
	}

	stdin, err := openRedirect(cfg.StdinPath, os.O_RDONLY, 0)
	if err != nil {
		return Result{Failed: true, Message: err.Error()}, nil
	}
	if stdin != nil {
		defer stdin.Close()
	}
	stdout, err := openRedirect(cfg.StdoutPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return Result{Failed: true, Message: err.Error()}, nil
	}
	if stdout != nil {
		defer stdout.Close()
	}
	stderr, err := openRedirect(cfg.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return Result{Failed: true, Message: err.Error()}, nil
	}
	if stderr != nil {
		defer stderr.Close()
	}

	cmd := exec.Command(exe, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = cfg.Env
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	restoreLimits, err := applyRlimits(cfg)
	if err != nil {
		return Result{Failed: true, Message: err.Error()}, nil
	}
	defer restoreLimits()

	if cfg.ReadOnly {
		if err := os.Chmod(cfg.WorkDir, 0500); err != nil {
			return Result{Failed: true, Message: "failed to mark sandbox read-only: " + err.Error()}, nil
		}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{Failed: true, Message: "failed to start: " + err.Error()}, nil
	}

	hitWall := make(chan bool, 1)
	var timer *time.Timer
	if cfg.WallTime > 0 {
		deadline := cfg.WallTime + cfg.ExtraTime
		timer = time.AfterFunc(deadline, func() {
			hitWall <- true
			killGroup(cmd.Process.Pid)
		})
	}

	waitErr := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}
	wall := time.Since(start)

	select {
	case <-hitWall:
		return resultFromWait(cmd, waitErr, cfg, wall, true), nil
	default:
		return resultFromWait(cmd, waitErr, cfg, wall, false), nil
	}
}

func resultFromWait(cmd *exec.Cmd, waitErr error, cfg Config, wall time.Duration, killedForWall bool) Result {
	res := Result{Usage: usageFrom(cmd, wall)}
	if killedForWall || (cfg.WallTime > 0 && wall >= cfg.WallTime) {
		res.HitWall = true
	}
	if cfg.CPUTime > 0 && res.Usage.CPUTime > cfg.CPUTime {
		res.HitCPU = true
	}
	if cfg.SysTime > 0 && res.Usage.SysTime > cfg.SysTime {
		res.HitSys = true
	}
	if cfg.MemoryKiB > 0 && res.Usage.MemoryKiB > cfg.MemoryKiB {
		res.HitMem = true
	}

	if waitErr == nil {
		res.ExitCode = 0
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok {
			res.Failed = true
			res.Message = waitErr.Error()
			return res
		}
		if status.Signaled() {
			res.Signaled = true
			res.Signal = int(status.Signal())
			return res
		}
		res.ExitCode = status.ExitStatus()
		return res
	}
	res.Failed = true
	res.Message = waitErr.Error()
	return res
}

func usageFrom(cmd *exec.Cmd, wall time.Duration) (u dag.ResourceUsage) {
	u.WallTime = wall
	if cmd.ProcessState == nil {
		return u
	}
	u.CPUTime = cmd.ProcessState.UserTime()
	u.SysTime = cmd.ProcessState.SystemTime()
	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
		u.MemoryKiB = int64(ru.Maxrss) // Linux reports Maxrss in KiB already
	}
	return u
}

// applyRlimits lowers the calling process's own rlimits before a child is
// forked off it (Go's os/exec has no fork-then-exec hook, so there is no
// way to scope a Setrlimit to only the child). It returns a restore func
// that must run after cmd.Wait(), or every subsequent execution on this
// worker would inherit whatever the previous job last set instead of the
// unbounded default spec §3 expects. Only Cur is ever lowered — Max is
// left untouched, since an unprivileged process that lowers its own hard
// limit can never raise it again, which would make the ratchet permanent
// even across a restore.
func applyRlimits(cfg Config) (func(), error) {
	type limit struct {
		resource int
		cur      uint64
	}
	var limits []limit
	if cfg.CPUTime > 0 {
		secs := uint64(cfg.CPUTime.Seconds() + cfg.ExtraTime.Seconds() + 1)
		limits = append(limits, limit{unix.RLIMIT_CPU, secs})
	}
	if cfg.MemoryKiB > 0 && !cfg.MultiProcess {
		limits = append(limits, limit{unix.RLIMIT_AS, uint64(cfg.MemoryKiB) * 1024})
	}
	if cfg.NumFiles > 0 {
		limits = append(limits, limit{unix.RLIMIT_NOFILE, uint64(cfg.NumFiles)})
	}
	if cfg.FileSizeKiB > 0 {
		limits = append(limits, limit{unix.RLIMIT_FSIZE, uint64(cfg.FileSizeKiB) * 1024})
	}
	if cfg.StackKiB > 0 {
		limits = append(limits, limit{unix.RLIMIT_STACK, uint64(cfg.StackKiB) * 1024})
	}
	if cfg.MemoryLockKiB > 0 {
		limits = append(limits, limit{unix.RLIMIT_MEMLOCK, uint64(cfg.MemoryLockKiB) * 1024})
	}

	var resources []int
	var saved []unix.Rlimit
	restore := func() {
		for i := len(resources) - 1; i >= 0; i-- {
			if err := unix.Setrlimit(resources[i], &saved[i]); err != nil {
				log.Debugf("sandbox", "failed to restore rlimit(%d): %v", resources[i], err)
			}
		}
	}

	for _, l := range limits {
		var prior unix.Rlimit
		if err := unix.Getrlimit(l.resource, &prior); err != nil {
			restore()
			return func() {}, errors.Wrapf(err, "sandbox: getrlimit(%d) failed", l.resource)
		}
		cur := l.cur
		if cur > prior.Max {
			cur = prior.Max
		}
		rl := unix.Rlimit{Cur: cur, Max: prior.Max}
		if err := unix.Setrlimit(l.resource, &rl); err != nil {
			restore()
			return func() {}, errors.Wrapf(err, "sandbox: setrlimit(%d) failed", l.resource)
		}
		resources = append(resources, l.resource)
		saved = append(saved, prior)
	}
	return restore, nil
}

func openRedirect(path string, flag int, perm os.FileMode) (*os.File, error) {
	if path == "" {
		if flag == os.O_RDONLY {
			return os.Open(os.DevNull)
		}
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "sandbox: failed creating redirect directory for %q", path)
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.Wrapf(err, "sandbox: failed to open redirect %q", path)
	}
	return f, nil
}

// killGroup sends SIGKILL to the whole process group so a multi-process
// computation (Limits.MultiProcess) can't survive its leader's death.
func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		log.Debugf("sandbox", "failed to kill process group %d: %v", pid, err)
	}
}
