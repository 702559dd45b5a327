package snapshot_test

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gridworld.ai/internal/persistence/snapshot"
	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/tuning"
	"gridworld.ai/internal/transport/tcp"
)

func testSim(t *testing.T) (sim.Config, *sim.Simulator) {
	t.Helper()
	cfg, err := tuning.Defaults().SimConfig()
	if err != nil {
		t.Fatalf("SimConfig: %v", err)
	}
	cfg.MCMCIterations = 20
	s, err := sim.New(cfg, 11, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	return cfg, s
}

func TestSnapshot_WriteReadRestore(t *testing.T) {
	cfg, s := testSim(t)
	for i := 0; i < 2; i++ {
		if _, _, st := s.AddAgent(); st != protocol.OK {
			t.Fatalf("AddAgent: %v", st)
		}
	}
	state, err := s.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	server := tcp.State{
		NextClientID: 2,
		Clients:      []tcp.ClientRecord{{ID: 1, Permissions: protocol.GrantAll(), Agents: []uint64{1, 2}}},
	}

	dir := t.TempDir()
	path := snapshot.Path(dir, s.Time())
	size, err := snapshot.WriteSnapshot(path, snapshot.SnapshotV1{
		Header: snapshot.Header{RunID: "run-a", Tick: s.Time(), Seed: 11, Agents: 2, Clients: 1},
		Sim:    state,
		Server: server,
	})
	if err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if size <= 0 {
		t.Fatalf("size = %d", size)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}

	h, err := snapshot.ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Version != snapshot.Version || h.RunID != "run-a" || h.Agents != 2 {
		t.Fatalf("header: %+v", h)
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if !reflect.DeepEqual(snap.Server, server) {
		t.Fatalf("server state: %+v", snap.Server)
	}
	restored, err := sim.Restore(cfg, snap.Sim, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	wantIDs, want, _ := s.GetAgentStates([]uint64{1, 2})
	gotIDs, got, _ := restored.GetAgentStates([]uint64{1, 2})
	if !reflect.DeepEqual(gotIDs, wantIDs) || !reflect.DeepEqual(got, want) {
		t.Fatalf("agents differ after restore:\n got %+v\nwant %+v", got, want)
	}
	if restored.Time() != s.Time() {
		t.Fatalf("time = %d, want %d", restored.Time(), s.Time())
	}
}

func TestSnapshot_Latest(t *testing.T) {
	dir := t.TempDir()
	if p, err := snapshot.Latest(dir); err != nil || p != "" {
		t.Fatalf("empty dir: %q %v", p, err)
	}

	_, s := testSim(t)
	state, err := s.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	for _, tick := range []uint64{9, 120, 40} {
		if _, err := snapshot.WriteSnapshot(snapshot.Path(dir, tick), snapshot.SnapshotV1{Header: snapshot.Header{Tick: tick}, Sim: state}); err != nil {
			t.Fatalf("WriteSnapshot(%d): %v", tick, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "snapshots", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := snapshot.Latest(dir)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if p != snapshot.Path(dir, 120) {
		t.Fatalf("Latest = %q", p)
	}
}

func TestSnapshot_ReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap.zst")
	if err := os.WriteFile(path, []byte("not zstd"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := snapshot.ReadSnapshot(path); err == nil {
		t.Fatalf("expected error")
	}
}
