package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gridworld.ai/internal/observerproto"
	persistlog "gridworld.ai/internal/persistence/log"
	"gridworld.ai/internal/persistence/snapshot"
)

func main() {
	var (
		snapPath = flag.String("snapshot", "", "path to .snap.zst (default: latest under -data)")
		dataDir  = flag.String("data", "", "run data directory holding snapshots/ and steps/")
		outDir   = flag.String("out", "", "write agents.csv, items.csv and steps.csv here (optional)")
		fromTick = flag.Uint64("from_tick", 0, "first logged tick to read (inclusive, optional)")
		toTick   = flag.Uint64("to_tick", 0, "last logged tick to read (inclusive, optional)")
	)
	flag.Parse()

	if *snapPath == "" && *dataDir == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot or -data")
		os.Exit(2)
	}
	if *snapPath == "" {
		latest, err := snapshot.Latest(*dataDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "find snapshot:", err)
			os.Exit(1)
		}
		if latest == "" {
			fmt.Fprintln(os.Stderr, "no snapshots under", *dataDir)
			os.Exit(1)
		}
		*snapPath = latest
	}
	if *dataDir == "" {
		*dataDir = filepath.Dir(filepath.Dir(*snapPath))
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	live := 0
	for _, p := range snap.Sim.World.Patches {
		for _, it := range p.Items {
			if !it.Deleted() {
				live++
			}
		}
	}
	fmt.Printf("snapshot v%d run=%s tick=%d seed=%d agents=%d semaphores=%d clients=%d patches=%d items=%d created=%s\n",
		snap.Header.Version, snap.Header.RunID, snap.Header.Tick, snap.Header.Seed,
		len(snap.Sim.Agents), len(snap.Sim.Semaphores), len(snap.Server.Clients),
		len(snap.Sim.World.Patches), live, snap.Header.CreatedAt)

	var steps []observerproto.TickMsg
	err = persistlog.ReadSteps(*dataDir, func(msg observerproto.TickMsg) error {
		if msg.Tick < *fromTick {
			return nil
		}
		if *toTick != 0 && msg.Tick > *toTick {
			return persistlog.ErrStop
		}
		steps = append(steps, msg)
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read steps:", err)
		os.Exit(1)
	}
	if len(steps) > 0 {
		matched, err := checkSteps(snap, steps)
		if err != nil {
			fmt.Fprintln(os.Stderr, "step log:", err)
			os.Exit(1)
		}
		fmt.Printf("step log ok: ticks %d..%d (%d entries) snapshot_tick_matched=%v\n",
			steps[0].Tick, steps[len(steps)-1].Tick, len(steps), matched)
	}

	if *outDir == "" {
		return
	}
	var rows []stepRow
	for _, msg := range steps {
		rows = appendStepRows(rows, msg)
	}
	for name, data := range map[string]any{
		"agents.csv": agentRows(snap),
		"items.csv":  itemRows(snap),
		"steps.csv":  rows,
	} {
		if err := writeCSV(*outDir, name, data); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	fmt.Printf("wrote csv to %s\n", *outDir)
}
