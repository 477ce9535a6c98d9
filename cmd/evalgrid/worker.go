package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evalgrid/evalgrid/sandbox"
	"github.com/evalgrid/evalgrid/store"
	"github.com/evalgrid/evalgrid/worker"
)

var workerCfg worker.Config
var workerStoreDir string

func init() {
	root.AddCommand(workerCommand)
	f := workerCommand.Flags()
	f.StringVar(&workerCfg.ServerNetwork, "network", "tcp", `"tcp" or "unix"`)
	f.StringVar(&workerCfg.ServerAddr, "server-addr", ":4281", "server address to connect to")
	f.StringVar(&workerCfg.Password, "password", "", "shared password, must match the server")
	f.StringVar(&workerCfg.Name, "name", "", "Welcome name reported to the server, random if empty")
	f.StringVar(&workerStoreDir, "store-dir", "", "directory for this worker's local file store (required)")
	f.StringVar(&workerCfg.SandboxDir, "sandbox-dir", "", "scratch directory for sandboxes, defaults under store-dir")
	f.BoolVar(&workerCfg.KeepSandboxes, "keep-sandboxes", false, "don't remove sandbox directories after a group finishes (debugging)")
}

var workerCommand = &cobra.Command{
	Use:   "worker",
	Short: "Run a Worker: connect to a server and execute assigned groups in sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	if workerStoreDir == "" {
		return errRequiredFlag("store-dir")
	}
	if workerCfg.Name == "" {
		workerCfg.Name = "worker-" + uuid.New().String()
	}
	if workerCfg.SandboxDir == "" {
		workerCfg.SandboxDir = workerStoreDir + "/sandboxes"
	}

	fs, err := store.Open(worker.StoreConfigFor(workerStoreDir))
	if err != nil {
		return err
	}
	defer fs.Close()

	w := worker.New(workerCfg, fs, sandbox.NewLocal())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
