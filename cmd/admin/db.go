package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"gridworld.ai/internal/persistence/indexdb"
)

// dbCmd queries the step index: "steps" (default), "pickups" or "snapshot".
func dbCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/run.sqlite)")
	dsn := fs.String("dsn", "", "postgres dsn (overrides -db)")
	since := fs.Uint64("since", 0, "first tick for steps")
	limit := fs.Int("limit", 20, "result limit for steps")
	agent := fs.Uint64("agent", 0, "agent id for pickups")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	q := "steps"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		ix  *indexdb.Index
		err error
	)
	if d := strings.TrimSpace(*dsn); d != "" {
		ix, err = indexdb.OpenPostgres(ctx, d, indexdb.Options{})
	} else {
		path := strings.TrimSpace(*dbPath)
		if path == "" {
			path = filepath.Join(*dataDir, "index", "run.sqlite")
		}
		ix, err = indexdb.OpenSQLite(path, indexdb.Options{})
	}
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer ix.Close()

	switch q {
	case "steps":
		if *limit <= 0 {
			*limit = 20
		}
		rows, err := ix.StepsSince(ctx, *since, *limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for _, r := range rows {
			printJSON(out, r)
		}
	case "pickups":
		if *agent == 0 {
			return fmt.Errorf("%w: pickups needs -agent", errUsage)
		}
		rows, err := ix.PickupsByAgent(ctx, *agent)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for _, r := range rows {
			printJSON(out, r)
		}
	case "snapshot":
		row, ok, err := ix.LatestSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		if !ok {
			return fmt.Errorf("no snapshots indexed")
		}
		printJSON(out, row)
	default:
		return fmt.Errorf("%w: unknown query %q", errUsage, q)
	}
	return nil
}
