package indexdb

import "context"

type StepRow struct {
	Tick    int64 `db:"tick" json:"tick"`
	Agents  int   `db:"agents" json:"agents"`
	Pickups int   `db:"pickups" json:"pickups"`
	UnixMS  int64 `db:"unix_ms" json:"unix_ms"`
}

type PickupRow struct {
	Tick     int64 `db:"tick" json:"tick"`
	Seq      int   `db:"seq" json:"seq"`
	AgentID  int64 `db:"agent_id" json:"agent_id"`
	ItemType int64 `db:"item_type" json:"item_type"`
	X        int64 `db:"x" json:"x"`
	Y        int64 `db:"y" json:"y"`
}

type SnapshotRow struct {
	Tick   int64  `db:"tick" json:"tick"`
	Path   string `db:"path" json:"path"`
	RunID  string `db:"run_id" json:"run_id"`
	Agents int    `db:"agents" json:"agents"`
	Bytes  int64  `db:"bytes" json:"bytes"`
}

// StepsSince returns up to limit steps with tick >= since, oldest first.
func (ix *Index) StepsSince(ctx context.Context, since uint64, limit int) ([]StepRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []StepRow
	q := ix.db.Rebind(`SELECT tick, agents, pickups, unix_ms FROM steps WHERE tick >= ? ORDER BY tick LIMIT ?`)
	if err := ix.db.SelectContext(ctx, &rows, q, int64(since), limit); err != nil {
		return nil, err
	}
	return rows, nil
}

func (ix *Index) PickupsByAgent(ctx context.Context, agentID uint64) ([]PickupRow, error) {
	var rows []PickupRow
	q := ix.db.Rebind(`SELECT tick, seq, agent_id, item_type, x, y FROM pickups WHERE agent_id = ? ORDER BY tick, seq`)
	if err := ix.db.SelectContext(ctx, &rows, q, int64(agentID)); err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestSnapshot returns the newest recorded snapshot, or ok=false.
func (ix *Index) LatestSnapshot(ctx context.Context) (row SnapshotRow, ok bool, err error) {
	var rows []SnapshotRow
	q := `SELECT tick, path, run_id, agents, bytes FROM snapshots ORDER BY tick DESC LIMIT 1`
	if err := ix.db.SelectContext(ctx, &rows, q); err != nil {
		return SnapshotRow{}, false, err
	}
	if len(rows) == 0 {
		return SnapshotRow{}, false, nil
	}
	return rows[0], true, nil
}
