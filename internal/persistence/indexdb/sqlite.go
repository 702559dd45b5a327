// Package indexdb keeps a queryable read model of the step stream. It never
// feeds back into the simulator; the step log stays the source of truth.
package indexdb

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"gridworld.ai/internal/observerproto"
)

const defaultQueueSize = 65536

type Options struct {
	QueueSize int
	Logger    *log.Logger
}

type Index struct {
	db  *sqlx.DB
	log *log.Logger

	// mu guards ch against sends after Close.
	mu     sync.RWMutex
	closed bool
	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type reqKind int

const (
	reqStep reqKind = iota + 1
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	step     observerproto.TickMsg
	unixMS   int64
	snapshot SnapshotRow
	done     chan struct{}
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Written       uint64
	Dropped       uint64
	Failed        uint64
}

func OpenSQLite(path string, opts Options) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return open(db, opts)
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// The DDL and upserts below are accepted by both SQLite and Postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS steps (
		tick BIGINT PRIMARY KEY,
		agents INTEGER NOT NULL,
		pickups INTEGER NOT NULL,
		unix_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pickups (
		tick BIGINT NOT NULL,
		seq INTEGER NOT NULL,
		agent_id BIGINT NOT NULL,
		item_type BIGINT NOT NULL,
		x BIGINT NOT NULL,
		y BIGINT NOT NULL,
		PRIMARY KEY (tick, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pickups_agent_tick ON pickups(agent_id, tick)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		tick BIGINT PRIMARY KEY,
		path TEXT NOT NULL,
		run_id TEXT NOT NULL,
		agents INTEGER NOT NULL,
		bytes BIGINT NOT NULL
	)`,
}

const (
	upsertStep = `INSERT INTO steps(tick,agents,pickups,unix_ms) VALUES(?,?,?,?)
		ON CONFLICT(tick) DO UPDATE SET agents=excluded.agents, pickups=excluded.pickups, unix_ms=excluded.unix_ms`
	upsertPickup = `INSERT INTO pickups(tick,seq,agent_id,item_type,x,y) VALUES(?,?,?,?,?,?)
		ON CONFLICT(tick,seq) DO UPDATE SET agent_id=excluded.agent_id, item_type=excluded.item_type, x=excluded.x, y=excluded.y`
	upsertSnapshot = `INSERT INTO snapshots(tick,path,run_id,agents,bytes) VALUES(?,?,?,?,?)
		ON CONFLICT(tick) DO UPDATE SET path=excluded.path, run_id=excluded.run_id, agents=excluded.agents, bytes=excluded.bytes`
)

func open(db *sqlx.DB, opts Options) (*Index, error) {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ix := &Index{
		db:  db,
		log: logger,
		ch:  make(chan req, opts.QueueSize),
	}
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		ix.loop()
	}()
	return ix, nil
}

// Close drains queued writes and closes the database.
func (ix *Index) Close() error {
	var err error
	ix.once.Do(func() {
		ix.mu.Lock()
		ix.closed = true
		close(ix.ch)
		ix.mu.Unlock()
		ix.wg.Wait()
		err = ix.db.Close()
	})
	return err
}

func (ix *Index) Stats() Stats {
	return Stats{
		QueueDepth:    len(ix.ch),
		QueueCapacity: cap(ix.ch),
		Written:       ix.written.Load(),
		Dropped:       ix.dropped.Load(),
		Failed:        ix.failed.Load(),
	}
}

// RecordStep queues a step for indexing. It never blocks: when the writer
// falls behind the step is dropped and counted.
func (ix *Index) RecordStep(msg observerproto.TickMsg) {
	ix.enqueue(req{kind: reqStep, step: msg, unixMS: time.Now().UnixMilli()})
}

func (ix *Index) RecordSnapshot(row SnapshotRow) {
	ix.enqueue(req{kind: reqSnapshot, snapshot: row})
}

func (ix *Index) enqueue(r req) {
	if ix == nil {
		return
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return
	}
	select {
	case ix.ch <- r:
	default:
		ix.dropped.Add(1)
	}
}

// Flush waits until everything queued before it is committed.
func (ix *Index) Flush(ctx context.Context) error {
	done := make(chan struct{})
	ix.mu.RLock()
	if ix.closed {
		ix.mu.RUnlock()
		return fmt.Errorf("index closed")
	}
	select {
	case ix.ch <- req{kind: reqFlush, done: done}:
		ix.mu.RUnlock()
	case <-ctx.Done():
		ix.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Index) loop() {
	ctx := context.Background()

	insertStep, err1 := ix.db.Preparex(ix.db.Rebind(upsertStep))
	insertPickup, err2 := ix.db.Preparex(ix.db.Rebind(upsertPickup))
	insertSnapshot, err3 := ix.db.Preparex(ix.db.Rebind(upsertSnapshot))
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			ix.log.Printf("indexdb: prepare: %v", err)
		}
	}
	defer func() {
		for _, st := range []*sqlx.Stmt{insertStep, insertPickup, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx          *sqlx.Tx
		opCount     int
		pending     uint64
		commitEvery = 2000
	)

	begin := func() bool {
		if tx != nil {
			return true
		}
		txx, err := ix.db.BeginTxx(ctx, nil)
		if err != nil {
			ix.log.Printf("indexdb: begin: %v", err)
			return false
		}
		tx = txx
		opCount = 0
		return true
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			ix.failed.Add(pending)
			ix.log.Printf("indexdb: commit: %v", err)
		} else {
			ix.written.Add(pending)
		}
		tx = nil
		opCount = 0
		pending = 0
	}
	rollback := func(err error) {
		ix.log.Printf("indexdb: write: %v", err)
		if tx != nil {
			_ = tx.Rollback()
		}
		ix.failed.Add(pending + 1)
		tx = nil
		opCount = 0
		pending = 0
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var r req
		var ok bool
		select {
		case r, ok = <-ix.ch:
		case <-ticker.C:
			commit()
			continue
		}
		if !ok {
			break
		}

		switch r.kind {
		case reqFlush:
			commit()
			close(r.done)
			continue

		case reqStep:
			if insertStep == nil || insertPickup == nil || !begin() {
				ix.failed.Add(1)
				continue
			}
			if err := writeStep(tx, insertStep, insertPickup, r.step, r.unixMS); err != nil {
				rollback(err)
				continue
			}
			opCount += 1 + len(r.step.Pickups)

		case reqSnapshot:
			if insertSnapshot == nil || !begin() {
				ix.failed.Add(1)
				continue
			}
			sn := r.snapshot
			if _, err := tx.Stmtx(insertSnapshot).Exec(sn.Tick, sn.Path, sn.RunID, sn.Agents, sn.Bytes); err != nil {
				rollback(err)
				continue
			}
			opCount++
		}
		pending++
		if opCount >= commitEvery {
			commit()
		}
	}
	commit()
}

func writeStep(tx *sqlx.Tx, insertStep, insertPickup *sqlx.Stmt, msg observerproto.TickMsg, unixMS int64) error {
	tick := int64(msg.Tick)
	if _, err := tx.Stmtx(insertStep).Exec(tick, len(msg.Agents), len(msg.Pickups), unixMS); err != nil {
		return err
	}
	st := tx.Stmtx(insertPickup)
	for seq, p := range msg.Pickups {
		if _, err := st.Exec(tick, seq, int64(p.AgentID), int64(p.ItemType), p.X, p.Y); err != nil {
			return err
		}
	}
	return nil
}
