package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evalgrid/evalgrid/cache"
	"github.com/evalgrid/evalgrid/executor"
	"github.com/evalgrid/evalgrid/executor/statusserver"
	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/log"
	"github.com/evalgrid/evalgrid/scheduler"
	"github.com/evalgrid/evalgrid/store"
	"github.com/evalgrid/evalgrid/workermanager"
)

var serverCfg = config.LoadServerConfig()
var serverNetwork string
var storeDir string
var cacheDir string
var cacheReuse bool
var storeMaxSize = config.SizeSuffix(8 << 30)
var storeMinSize = config.SizeSuffix(6 << 30)

func init() {
	root.AddCommand(serverCommand)
	f := serverCommand.Flags()
	f.StringVar(&serverCfg.ClientAddr, "client-addr", serverCfg.ClientAddr, "address to listen for client connections on")
	f.StringVar(&serverCfg.WorkerAddr, "worker-addr", serverCfg.WorkerAddr, "address to listen for worker connections on")
	f.StringVar(&serverCfg.StatusAddr, "status-addr", serverCfg.StatusAddr, "HTTP status endpoint address, empty to disable")
	f.StringVar(&serverCfg.Password, "password", serverCfg.Password, "shared password enabling wire encryption, empty to disable")
	f.StringVar(&serverNetwork, "network", "tcp", `"tcp" or "unix"`)
	f.StringVar(&storeDir, "store-dir", "", "directory for the content-addressed file store (required)")
	f.StringVar(&cacheDir, "cache-dir", "", "directory for the execution cache, empty to disable caching")
	f.BoolVar(&cacheReuse, "cache-reuse", false, "reuse an existing cache database across restarts instead of truncating it at startup")
	f.Var(&storeMaxSize, "store-max-size", "evict store contents once resident bytes exceed this")
	f.Var(&storeMinSize, "store-min-size", "...until resident bytes reach this")
}

var serverCommand = &cobra.Command{
	Use:   "server",
	Short: "Run the Executor: accept client/worker connections and schedule evaluations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	if storeDir == "" {
		return errRequiredFlag("store-dir")
	}

	scfg := config.DefaultStoreConfig(storeDir)
	scfg.MaxSize = storeMaxSize
	scfg.MinSize = storeMinSize
	fs, err := store.Open(scfg)
	if err != nil {
		return err
	}
	defer fs.Close()

	var c *cache.Cache
	if cacheDir != "" {
		c, err = cache.Open(cacheDir, cacheReuse)
		if err != nil {
			return err
		}
		defer c.Close()
	}

	events := make(chan scheduler.Event, 256)
	wm := workermanager.New(fs, events)
	ex := executor.New(fs, events, wm, serverCfg.Password)
	sched := scheduler.New(fs, c, wm, ex)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run(events)

	clientLn, err := net.Listen(serverNetwork, serverCfg.ClientAddr)
	if err != nil {
		return err
	}
	defer clientLn.Close()
	workerLn, err := net.Listen(serverNetwork, serverCfg.WorkerAddr)
	if err != nil {
		return err
	}
	defer workerLn.Close()

	log.Noticef("server", "listening for clients on %s, workers on %s", serverCfg.ClientAddr, serverCfg.WorkerAddr)

	errCh := make(chan error, 3)
	go func() { errCh <- ex.Serve(clientLn) }()
	go func() { errCh <- ex.Serve(workerLn) }()

	if serverCfg.StatusAddr != "" {
		snapshot := func() scheduler.Snapshot {
			reply := make(chan scheduler.Snapshot, 1)
			events <- scheduler.StatusRequest{Reply: reply}
			return <-reply
		}
		statusSrv := statusserver.New(snapshot, fs, c)
		httpSrv := &http.Server{Addr: serverCfg.StatusAddr, Handler: statusSrv}
		go func() { errCh <- httpSrv.ListenAndServe() }()
		go func() {
			<-ctx.Done()
			_ = httpSrv.Close()
		}()
	}

	select {
	case <-ctx.Done():
		log.Noticef("server", "shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
