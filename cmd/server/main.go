package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gridworld.ai/internal/persistence/snapshot"
	"gridworld.ai/internal/sim/tuning"
)

func main() {
	var (
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty for built-in defaults)")
		listen     = flag.String("listen", "", "simulator tcp listen address (overrides tuning)")
		httpAddr   = flag.String("http", "", "http listen address for health, metrics and observers (overrides tuning)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides tuning)")
		seed       = flag.Uint64("seed", 0, "world seed for a fresh run (0 keeps the tuning seed)")
		disableDB  = flag.Bool("disable_db", false, "disable the step index")

		resume   = flag.Bool("resume", false, "resume from the latest snapshot in the data directory")
		snapPath = flag.String("snapshot", "", "snapshot to resume from (implies -resume)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if v := strings.TrimSpace(*listen); v != "" {
		tune.Server.Listen = v
	}
	if v := strings.TrimSpace(*httpAddr); v != "" {
		tune.Server.HTTPListen = v
	}
	if v := strings.TrimSpace(*dataDir); v != "" {
		tune.Persistence.DataDir = v
	}
	if *seed != 0 {
		tune.Seed = *seed
	}
	cfg, err := tune.SimConfig()
	if err != nil {
		logger.Fatalf("simulator config: %v", err)
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *resume {
		if snapshotToLoad, err = snapshot.Latest(tune.Persistence.DataDir); err != nil {
			logger.Fatalf("find latest snapshot: %v", err)
		}
		if snapshotToLoad == "" {
			logger.Printf("no snapshot under %s; starting fresh", tune.Persistence.DataDir)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx, tune, cfg, runtimeOptions{
		SnapshotPath: snapshotToLoad,
		DisableDB:    *disableDB,
	}, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	ln, err := net.Listen("tcp", tune.Server.Listen)
	if err != nil {
		rt.Close()
		logger.Fatalf("listen %s: %v", tune.Server.Listen, err)
	}
	tcpDone := make(chan error, 1)
	go func() { tcpDone <- rt.tcp.Serve(ctx, ln) }()
	logger.Printf("simulator listening on %s", ln.Addr())

	httpSrv := newHTTPServer(tune.Server.HTTPListen, newMux(rt))
	go func() {
		logger.Printf("http listening on %s", tune.Server.HTTPListen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http: %v", err)
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-tcpDone:
		if err != nil {
			logger.Printf("tcp server stopped: %v", err)
		}
		cancel()
	}

	logger.Printf("shutting down")
	shutdownHTTP(httpSrv)
	rt.tcp.Shutdown()
	rt.Close()
	logger.Printf("stopped at time %d", rt.sim.Time())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
