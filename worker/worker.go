package worker

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/evalgrid/evalgrid/dag"
	"github.com/evalgrid/evalgrid/filekey"
	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/log"
	"github.com/evalgrid/evalgrid/lib/pacer"
	"github.com/evalgrid/evalgrid/proto"
	"github.com/evalgrid/evalgrid/sandbox"
	"github.com/evalgrid/evalgrid/store"
)

// Config configures one Worker process.
type Config struct {
	ServerNetwork string // "tcp" or "unix"
	ServerAddr    string
	Password      string
	Name          string // the Welcome name reported to the server
	SandboxDir    string
	KeepSandboxes bool
}

// Worker implements the state machine of spec §4.5: Connected -> Idle ->
// Running(group) -> Idle -> ... -> Disconnected. One Worker owns one
// local FileStore and one Runner; it holds exactly one connection to the
// server at a time and runs jobs one at a time, serialized, per the
// ordering guarantee in §5 ("within a single worker, jobs are serialized").
type Worker struct {
	cfg    Config
	fs     *store.Store
	runner sandbox.Runner
	pacer  *pacer.Pacer
}

// New builds a Worker over fs using runner to execute sandboxed processes.
func New(cfg Config, fs *store.Store, runner sandbox.Runner) *Worker {
	return &Worker{
		cfg:    cfg,
		fs:     fs,
		runner: runner,
		pacer:  pacer.New(pacer.MinSleep(200*time.Millisecond), pacer.MaxSleep(30*time.Second)),
	}
}

// Run connects to the server and serves jobs until ctx is canceled or
// the server sends Exit. On disconnection it reconnects with backoff —
// §5 leaves worker-reconnect retries unbounded by design.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := w.pacer.Call(func() (bool, error) {
			runErr := w.runOnce(ctx)
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if runErr != nil {
				log.Noticef("worker", "connection to server lost, reconnecting: %v", runErr)
				return true, runErr
			}
			return false, nil
		})
		if ctx.Err() != nil {
			return err
		}
		if err == nil {
			// runOnce returned cleanly with ctx still live: the server sent Exit.
			return nil
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	conn, err := proto.Dial(w.cfg.ServerNetwork, w.cfg.ServerAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := proto.Handshake(conn, w.cfg.Name, w.cfg.Password); err != nil {
		return err
	}
	log.Infof("worker", "connected to %s", w.cfg.ServerAddr)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := conn.Send(proto.GetWork{}); err != nil {
			return err
		}
		msg, err := conn.Recv()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case proto.Exit:
			return nil
		case proto.Work:
			if err := w.handleWork(conn, m); err != nil {
				return err
			}
		default:
			return errors.Errorf("worker: unexpected message %T while idle", msg)
		}
	}
}

func (w *Worker) handleWork(conn *proto.Conn, work proto.Work) error {
	if err := w.ensureDeps(conn, work); err != nil {
		return err
	}

	sg, stageErr := w.stage(&work.Group, work.DepKeys)
	if stageErr != nil {
		results := make([]dag.ExecutionResult, len(work.Group.Executions))
		for i, ex := range work.Group.Executions {
			results[i] = dag.ExecutionResult{ExecutionID: ex.ID, Status: dag.StatusInternalError, Message: stageErr.Error()}
		}
		return w.reportDone(conn, results, nil)
	}

	results, outputs := w.runGroup(sg, work.Options)
	return w.reportDone(conn, results, outputs)
}

// ensureDeps fetches, via AskFile/ProvideFile, every dependency FileKey
// the assignment references that isn't already in the worker's local
// FileStore.
func (w *Worker) ensureDeps(conn *proto.Conn, work proto.Work) error {
	seen := make(map[filekey.Key]struct{})
	for _, key := range work.DepKeys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := w.fs.Get(key); ok {
			continue
		}
		if err := conn.Send(proto.WAskFile{Key: key}); err != nil {
			return err
		}
		msg, err := conn.Recv()
		if err != nil {
			return err
		}
		hdr, ok := msg.(proto.WProvideFileHeader)
		if !ok {
			return errors.Errorf("worker: expected WProvideFileHeader, got %T", msg)
		}
		if hdr.Key != key {
			return errors.Errorf("worker: server sent file for key %s, wanted %s", hdr.Key, key)
		}
		pr, pw := pipe()
		go func() {
			pw.CloseWithError(conn.RecvFile(pw))
		}()
		h, storeErr := w.fs.Store(key, pr)
		if storeErr != nil {
			return storeErr
		}
		h.Release()
	}
	return nil
}

// runGroup executes every staged Execution concurrently (per spec §4.5,
// multi-execution groups run in parallel so FIFO-connected processes can
// make progress together), collecting each one's ExecutionResult and
// output FileKeys.
func (w *Worker) runGroup(sg *stagedGroup, opts dag.DAGConfig) ([]dag.ExecutionResult, map[dag.FileID]filekey.Key) {
	results := make([]dag.ExecutionResult, len(sg.execs))
	outputs := make(map[dag.FileID]filekey.Key)
	var mu outputMutex

	var g errgroup.Group
	for i, se := range sg.execs {
		i, se := i, se
		g.Go(func() error {
			res, raw, err := w.runOne(se, opts)
			if err != nil {
				res = dag.ExecutionResult{ExecutionID: se.ex.ID, Status: dag.StatusInternalError, Message: err.Error()}
			}
			results[i] = res
			produced, tErr := se.teardown(w.fs, w.cfg.KeepSandboxes || opts.KeepSandboxes, raw)
			if tErr != nil {
				log.Errorf("worker", "teardown of execution %s failed: %v", se.ex.ID, tErr)
			}
			mu.merge(outputs, produced)
			return nil
		})
	}
	_ = g.Wait()

	if !(w.cfg.KeepSandboxes || opts.KeepSandboxes) {
		_ = os.RemoveAll(sg.groupRoot)
	}
	return results, outputs
}

func (w *Worker) runOne(se *stagedExecution, opts dag.DAGConfig) (dag.ExecutionResult, sandbox.Result, error) {
	ctx := context.Background()
	rawRes, err := w.runner.Run(ctx, se.cfg)
	if err != nil {
		return dag.ExecutionResult{}, rawRes, err
	}
	if rawRes.Failed {
		return dag.ExecutionResult{ExecutionID: se.ex.ID, Status: dag.StatusInternalError, Message: rawRes.Message}, rawRes, nil
	}
	return dag.ExecutionResult{
		ExecutionID: se.ex.ID,
		Status:      rawRes.Status(),
		ReturnCode:  rawRes.ExitCode,
		Signal:      rawRes.Signal,
		Usage:       rawRes.Usage,
	}, rawRes, nil
}

// reportDone sends WorkerDone and then streams every output's bytes back
// to the server, per the job protocol in spec §4.5.
func (w *Worker) reportDone(conn *proto.Conn, results []dag.ExecutionResult, outputs map[dag.FileID]filekey.Key) error {
	outIDs := make([]dag.FileID, 0, len(outputs))
	for fid := range outputs {
		outIDs = append(outIDs, fid)
	}
	if err := conn.Send(proto.WorkerDone{Results: results, Outputs: outIDs}); err != nil {
		return err
	}
	for _, fid := range outIDs {
		key := outputs[fid]
		h, ok := w.fs.Get(key)
		if !ok {
			continue
		}
		if err := conn.Send(proto.WProvideFile{FileID: fid, Key: key}); err != nil {
			h.Release()
			return err
		}
		f, err := os.Open(h.Path())
		if err != nil {
			h.Release()
			return err
		}
		sendErr := conn.SendFile(f)
		f.Close()
		h.Release()
		if sendErr != nil {
			return sendErr
		}
	}
	return nil
}

// StoreConfigFor builds the local FileStore configuration a worker binary
// should use, a thin convenience wrapper kept here so cmd/ doesn't need
// to know the store package's defaults shape.
func StoreConfigFor(root string) config.StoreConfig {
	return config.DefaultStoreConfig(root)
}
