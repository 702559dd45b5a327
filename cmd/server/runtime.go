package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"gridworld.ai/internal/observerproto"
	"gridworld.ai/internal/persistence/indexdb"
	persistlog "gridworld.ai/internal/persistence/log"
	"gridworld.ai/internal/persistence/r2s3"
	"gridworld.ai/internal/persistence/snapshot"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/tuning"
	"gridworld.ai/internal/transport/tcp"
	"gridworld.ai/internal/transport/ws"
)

type runtimeOptions struct {
	// SnapshotPath resumes from this snapshot when set.
	SnapshotPath string
	DisableDB    bool
}

// runtime owns one simulator and everything hanging off its step callback.
type runtime struct {
	tune   tuning.Tuning
	runID  string
	seed   uint64
	logger *log.Logger

	sim    *sim.Simulator
	tcp    *tcp.Server
	hub    *ws.Server
	steps  *persistlog.StepLogger
	index  *indexdb.Index
	mirror *r2s3.Mirror

	snapCh   chan uint64
	snapMu   sync.Mutex
	stop     context.CancelFunc
	wg       sync.WaitGroup
	closeOne sync.Once

	snapshotsWritten atomic.Uint64
	snapshotFailures atomic.Uint64
	stepLogFailures  atomic.Uint64
	lastSnapshotTick atomic.Uint64
}

func newRuntime(ctx context.Context, tune tuning.Tuning, cfg sim.Config, opts runtimeOptions, logger *log.Logger) (*runtime, error) {
	rt := &runtime{
		tune:   tune,
		runID:  uuid.NewString(),
		seed:   tune.Seed,
		logger: logger,
		snapCh: make(chan uint64, 1),
	}
	dataDir := tune.Persistence.DataDir

	mirror, err := buildMirror(ctx, tune.Persistence, logger)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: %w", err)
	}
	rt.mirror = mirror

	if !opts.DisableDB {
		if rt.index, err = openIndex(ctx, tune.Persistence, logger); err != nil {
			rt.closeSinks()
			return nil, fmt.Errorf("index backend: %w", err)
		}
	}

	var serverState *tcp.State
	if opts.SnapshotPath != "" {
		snap, err := snapshot.ReadSnapshot(opts.SnapshotPath)
		if err != nil {
			rt.closeSinks()
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		if rt.sim, err = sim.Restore(cfg, snap.Sim, nil, logger); err != nil {
			rt.closeSinks()
			return nil, fmt.Errorf("restore snapshot %s: %w", filepath.Base(opts.SnapshotPath), err)
		}
		if snap.Header.RunID != "" {
			rt.runID = snap.Header.RunID
		}
		rt.seed = snap.Header.Seed
		st := pruneServerState(snap.Server, snap.Sim)
		serverState = &st
		rt.lastSnapshotTick.Store(snap.Header.Tick)
		logger.Printf("resumed run=%s from snapshot=%s tick=%d", rt.runID, filepath.Base(opts.SnapshotPath), rt.sim.Time())
	} else {
		if rt.sim, err = sim.New(cfg, tune.Seed, nil, logger); err != nil {
			rt.closeSinks()
			return nil, fmt.Errorf("new simulator: %w", err)
		}
		logger.Printf("new run=%s seed=%d", rt.runID, tune.Seed)
	}

	rt.tcp = tcp.NewServer(rt.sim, tcp.Options{
		Workers:            tune.Server.Workers,
		Outbox:             tune.Server.ClientOutbox,
		DefaultPermissions: tune.Server.DefaultPermissions,
		ReadTimeout:        time.Duration(tune.Server.ReadTimeoutMs) * time.Millisecond,
		Logger:             logger,
	})
	if serverState != nil {
		if err := rt.tcp.Restore(*serverState); err != nil {
			rt.closeSinks()
			return nil, err
		}
	}
	rt.hub = ws.NewServer(rt.bootstrap, ws.Options{
		Buffer:       tune.Server.ObserverBuffer,
		LoopbackOnly: true,
		Logger:       logger,
	})

	if tune.Persistence.LogSteps {
		logOpts := persistlog.Options{}
		if rt.mirror != nil {
			logOpts.OnClose = rt.mirror.Enqueue
		}
		rt.steps = persistlog.NewStepLogger(dataDir, logOpts)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	rt.stop = cancel
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.runSnapshots(loopCtx)
	}()

	rt.sim.SetStepCallback(rt.onStep)
	return rt, nil
}

// onStep runs with the simulator locked. It must not call back into the
// simulator except for Pickups.
func (rt *runtime) onStep(s *sim.Simulator, agents map[uint64]*sim.Agent, t uint64) {
	rt.tcp.BroadcastStep(agents, t)

	msg := observerproto.NewTick(rt.runID, t, agents, s.Pickups())
	rt.hub.Publish(msg)
	if rt.steps != nil {
		if err := rt.steps.WriteStep(msg); err != nil {
			if rt.stepLogFailures.Add(1) == 1 {
				rt.logger.Printf("step log: %v", err)
			}
		}
	}
	rt.index.RecordStep(msg)

	if every := uint64(rt.tune.Persistence.SnapshotEveryTicks); every > 0 && t%every == 0 {
		select {
		case rt.snapCh <- t:
		default:
		}
	}
}

func (rt *runtime) runSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.snapCh:
			if _, err := rt.writeSnapshot(); err != nil {
				rt.logger.Printf("snapshot: %v", err)
			}
		}
	}
}

// writeSnapshot checkpoints the simulator and the client table.
func (rt *runtime) writeSnapshot() (string, error) {
	rt.snapMu.Lock()
	defer rt.snapMu.Unlock()

	st, err := rt.sim.Export()
	if err != nil {
		rt.snapshotFailures.Add(1)
		return "", err
	}
	srv := rt.tcp.Export()
	path := snapshot.Path(rt.tune.Persistence.DataDir, st.Time)
	size, err := snapshot.WriteSnapshot(path, snapshot.SnapshotV1{
		Header: snapshot.Header{
			RunID:     rt.runID,
			Tick:      st.Time,
			Seed:      rt.seed,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Agents:    len(st.Agents),
			Clients:   len(srv.Clients),
		},
		Sim:    st,
		Server: pruneServerState(srv, st),
	})
	if err != nil {
		rt.snapshotFailures.Add(1)
		return "", err
	}
	rt.snapshotsWritten.Add(1)
	rt.lastSnapshotTick.Store(st.Time)
	rt.logger.Printf("snapshot tick=%d agents=%d size=%s", st.Time, len(st.Agents), humanize.Bytes(uint64(size)))

	rt.index.RecordSnapshot(indexdb.SnapshotRow{
		Tick:   int64(st.Time),
		Path:   path,
		RunID:  rt.runID,
		Agents: len(st.Agents),
		Bytes:  size,
	})
	rt.mirror.Enqueue(path)
	return path, nil
}

// pruneServerState drops ownership of agents and semaphores the simulator
// state does not have. The two exports are taken one after the other, so a
// client request can land between them.
func pruneServerState(srv tcp.State, st sim.State) tcp.State {
	agents := make(map[uint64]bool, len(st.Agents))
	for _, a := range st.Agents {
		agents[a.ID] = true
	}
	sems := make(map[uint64]bool, len(st.Semaphores))
	for _, s := range st.Semaphores {
		sems[s.ID] = true
	}
	out := tcp.State{NextClientID: srv.NextClientID}
	for _, rec := range srv.Clients {
		rec.Agents = slices.DeleteFunc(slices.Clone(rec.Agents), func(id uint64) bool { return !agents[id] })
		rec.Semaphores = slices.DeleteFunc(slices.Clone(rec.Semaphores), func(id uint64) bool { return !sems[id] })
		out.Clients = append(out.Clients, rec)
	}
	return out
}

func (rt *runtime) bootstrap() observerproto.BootstrapResponse {
	return observerproto.Bootstrap(rt.runID, rt.seed, rt.sim)
}

// Close stops the snapshot loop, writes a final snapshot and flushes every
// sink. Call it after the TCP server has shut down.
func (rt *runtime) Close() {
	rt.closeOne.Do(func() {
		rt.stop()
		rt.wg.Wait()
		rt.sim.SetStepCallback(nil)
		if _, err := rt.writeSnapshot(); err != nil {
			rt.logger.Printf("final snapshot: %v", err)
		}
		rt.closeSinks()
	})
}

func (rt *runtime) closeSinks() {
	if rt.steps != nil {
		if err := rt.steps.Close(); err != nil {
			rt.logger.Printf("close step log: %v", err)
		}
	}
	if rt.index != nil {
		if err := rt.index.Close(); err != nil {
			rt.logger.Printf("close index: %v", err)
		}
	}
	if rt.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rt.mirror.Close(ctx)
	}
}
