package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gridworld.ai/internal/observerproto"
	"gridworld.ai/internal/persistence/snapshot"
	"gridworld.ai/internal/sim"
	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/world"
)

func testSnapshot() snapshot.SnapshotV1 {
	return snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, RunID: "run", Tick: 3},
		Sim: sim.State{
			Config: sim.Config{ItemTypes: []sim.ItemType{{Name: "banana"}, {Name: "wall"}}},
			Time:   3,
			Agents: []sim.AgentRecord{
				{ID: 2, State: sim.AgentState{Position: geom.Pos(4, -1), Direction: geom.Left, CollectedItems: []uint32{1, 0}}},
				{ID: 1, State: sim.AgentState{Position: geom.Pos(0, 2), CollectedItems: []uint32{0, 0}, Active: true}},
			},
			World: world.State{Patches: []world.PatchState{
				{Pos: geom.Pos(1, 0), Items: []world.Item{{Type: 1, Location: geom.Pos(33, 5)}}},
				{Pos: geom.Pos(0, 0), Items: []world.Item{{Type: 0, Location: geom.Pos(4, 0), DeletionTime: 2}}},
			}},
		},
	}
}

func tick(n uint64, agents ...observerproto.AgentState) observerproto.TickMsg {
	return observerproto.TickMsg{Tick: n, Agents: agents}
}

func TestRows(t *testing.T) {
	snap := testSnapshot()

	agents := agentRows(snap)
	if len(agents) != 2 || agents[0].ID != 1 || agents[1].Collected != "1;0" || agents[1].Direction != geom.Left.String() {
		t.Fatalf("agents: %+v", agents)
	}
	items := itemRows(snap)
	if len(items) != 2 || items[0].Type != "banana" || items[0].Deleted != 2 || items[1].Type != "wall" {
		t.Fatalf("items: %+v", items)
	}
}

func TestCheckSteps(t *testing.T) {
	snap := testSnapshot()
	a1 := observerproto.AgentState{ID: 1, X: 0, Y: 2}
	a2 := observerproto.AgentState{ID: 2, X: 4, Y: -1}

	matched, err := checkSteps(snap, []observerproto.TickMsg{tick(2, a1, a2), tick(3, a1, a2), tick(4, a1, a2)})
	if err != nil || !matched {
		t.Fatalf("consistent log: matched=%v err=%v", matched, err)
	}
	if matched, err := checkSteps(snap, []observerproto.TickMsg{tick(5, a1)}); err != nil || matched {
		t.Fatalf("log without snapshot tick: matched=%v err=%v", matched, err)
	}
	if _, err := checkSteps(snap, []observerproto.TickMsg{tick(1), tick(3, a1, a2)}); err == nil {
		t.Fatalf("expected tick gap error")
	}
	moved := a2
	moved.X = 5
	if _, err := checkSteps(snap, []observerproto.TickMsg{tick(3, a1, moved)}); err == nil {
		t.Fatalf("expected position mismatch")
	}
}

func TestWriteCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	var rows []stepRow
	rows = appendStepRows(rows, tick(7, observerproto.AgentState{ID: 3, X: 1, Y: 1, Dir: "UP", Collected: []uint32{2, 0}}))
	if err := writeCSV(dir, "steps.csv", rows); err != nil {
		t.Fatalf("writeCSV: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "steps.csv"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 || lines[0] != "tick,agent_id,x,y,direction,collected" || lines[1] != "7,3,1,1,UP,2;0" {
		t.Fatalf("csv:\n%s", b)
	}
}
