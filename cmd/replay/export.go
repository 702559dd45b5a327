package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"gridworld.ai/internal/observerproto"
	"gridworld.ai/internal/persistence/snapshot"
)

type agentRow struct {
	ID        uint64 `csv:"agent_id"`
	X         int64  `csv:"x"`
	Y         int64  `csv:"y"`
	Direction string `csv:"direction"`
	Active    bool   `csv:"active"`
	Acted     bool   `csv:"acted"`
	Collected string `csv:"collected"`
}

type itemRow struct {
	PatchX  int64  `csv:"patch_x"`
	PatchY  int64  `csv:"patch_y"`
	Type    string `csv:"item_type"`
	X       int64  `csv:"x"`
	Y       int64  `csv:"y"`
	Created uint64 `csv:"created"`
	Deleted uint64 `csv:"deleted"`
}

type stepRow struct {
	Tick      uint64 `csv:"tick"`
	AgentID   uint64 `csv:"agent_id"`
	X         int64  `csv:"x"`
	Y         int64  `csv:"y"`
	Direction string `csv:"direction"`
	Collected string `csv:"collected"`
}

func joinCounts(counts []uint32) string {
	parts := make([]string, len(counts))
	for i, c := range counts {
		parts[i] = strconv.FormatUint(uint64(c), 10)
	}
	return strings.Join(parts, ";")
}

func agentRows(snap snapshot.SnapshotV1) []agentRow {
	rows := make([]agentRow, 0, len(snap.Sim.Agents))
	for _, a := range snap.Sim.Agents {
		rows = append(rows, agentRow{
			ID:        a.ID,
			X:         a.State.Position.X,
			Y:         a.State.Position.Y,
			Direction: a.State.Direction.String(),
			Active:    a.State.Active,
			Acted:     a.State.Acted,
			Collected: joinCounts(a.State.CollectedItems),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// itemRows lists the items of every generated patch, picked up ones included.
func itemRows(snap snapshot.SnapshotV1) []itemRow {
	names := make([]string, len(snap.Sim.Config.ItemTypes))
	for i, it := range snap.Sim.Config.ItemTypes {
		names[i] = it.Name
	}
	var rows []itemRow
	for _, p := range snap.Sim.World.Patches {
		for _, it := range p.Items {
			name := strconv.FormatUint(uint64(it.Type), 10)
			if int(it.Type) < len(names) {
				name = names[it.Type]
			}
			rows = append(rows, itemRow{
				PatchX:  p.Pos.X,
				PatchY:  p.Pos.Y,
				Type:    name,
				X:       it.Location.X,
				Y:       it.Location.Y,
				Created: it.CreationTime,
				Deleted: it.DeletionTime,
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].PatchX != rows[j].PatchX {
			return rows[i].PatchX < rows[j].PatchX
		}
		return rows[i].PatchY < rows[j].PatchY
	})
	return rows
}

func appendStepRows(rows []stepRow, msg observerproto.TickMsg) []stepRow {
	for _, a := range msg.Agents {
		rows = append(rows, stepRow{
			Tick:      msg.Tick,
			AgentID:   a.ID,
			X:         a.X,
			Y:         a.Y,
			Direction: a.Dir,
			Collected: joinCounts(a.Collected),
		})
	}
	return rows
}

func writeCSV(dir, name string, rows any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	if err := gocsv.Marshal(rows, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return f.Close()
}

// checkSteps verifies that logged ticks are consecutive and that the entry
// for the snapshot tick places every agent where the snapshot does.
func checkSteps(snap snapshot.SnapshotV1, steps []observerproto.TickMsg) (matched bool, err error) {
	want := make(map[uint64][2]int64, len(snap.Sim.Agents))
	for _, a := range snap.Sim.Agents {
		want[a.ID] = [2]int64{a.State.Position.X, a.State.Position.Y}
	}
	for i, msg := range steps {
		if i > 0 && msg.Tick != steps[i-1].Tick+1 {
			return false, fmt.Errorf("tick gap: %d follows %d", msg.Tick, steps[i-1].Tick)
		}
		if msg.Tick != snap.Header.Tick {
			continue
		}
		if len(msg.Agents) != len(want) {
			return false, fmt.Errorf("tick %d: log has %d agents, snapshot %d", msg.Tick, len(msg.Agents), len(want))
		}
		for _, a := range msg.Agents {
			pos, ok := want[a.ID]
			if !ok {
				return false, fmt.Errorf("tick %d: agent %d not in snapshot", msg.Tick, a.ID)
			}
			if pos != [2]int64{a.X, a.Y} {
				return false, fmt.Errorf("tick %d: agent %d at (%d,%d), snapshot (%d,%d)", msg.Tick, a.ID, a.X, a.Y, pos[0], pos[1])
			}
		}
		matched = true
	}
	return matched, nil
}
