package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"gridworld.ai/internal/persistence/indexdb"
	"gridworld.ai/internal/sim/tuning"
)

// openIndex opens the configured read-model backend. It returns nil when the
// backend is "none"; the simulator runs the same either way.
func openIndex(ctx context.Context, p tuning.Persistence, logger *log.Logger) (*indexdb.Index, error) {
	opts := indexdb.Options{Logger: logger}
	switch p.Index.Backend {
	case "none":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(p.DataDir, "index", "run.sqlite"), opts)
	case "postgres":
		return indexdb.OpenPostgres(ctx, p.Index.DSN, opts)
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", p.Index.Backend)
	}
}
