package log

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"gridworld.ai/internal/observerproto"
)

func readLines(t *testing.T, path string) []observerproto.TickMsg {
	t.Helper()
	var out []observerproto.TickMsg
	if err := readSegment(path, func(m observerproto.TickMsg) error {
		out = append(out, m)
		return nil
	}); err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return out
}

func TestStepLogger_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	var closed []string
	l := NewStepLogger(dir, Options{OnClose: func(p string) { closed = append(closed, p) }})

	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	step := func(tick uint64) observerproto.TickMsg {
		return observerproto.TickMsg{
			Type:   "TICK",
			Tick:   tick,
			Agents: []observerproto.AgentState{{ID: 1, Dir: "UP", Scent: []float32{0.5}}},
		}
	}
	for _, tick := range []uint64{1, 2} {
		if err := l.WriteStep(step(tick)); err != nil {
			t.Fatalf("WriteStep(%d): %v", tick, err)
		}
	}
	clock = clock.Add(2 * time.Minute)
	if err := l.WriteStep(step(3)); err != nil {
		t.Fatalf("WriteStep(3): %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	first := filepath.Join(dir, "steps", "steps-2026-03-01-10.jsonl.zst")
	second := filepath.Join(dir, "steps", "steps-2026-03-01-11.jsonl.zst")
	if !slices.Equal(closed, []string{first, second}) {
		t.Fatalf("closed segments = %v", closed)
	}

	got := readLines(t, first)
	if len(got) != 2 || got[0].Tick != 1 || got[1].Tick != 2 {
		t.Fatalf("first segment: %+v", got)
	}
	if got[0].Agents[0].Scent != nil {
		t.Fatalf("scent should not be logged")
	}
	if got = readLines(t, second); len(got) != 1 || got[0].Tick != 3 {
		t.Fatalf("second segment: %+v", got)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for tick := uint64(1); tick <= 2; tick++ {
		w := NewJSONLZstdWriter(dir, "steps", Options{})
		w.now = func() time.Time { return clock }
		if err := w.Write(observerproto.TickMsg{Tick: tick}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	got := readLines(t, filepath.Join(dir, "steps-2026-03-01-10.jsonl.zst"))
	if len(got) != 2 || got[1].Tick != 2 {
		t.Fatalf("lines: %+v", got)
	}
}

func TestReadSteps_WalksSegmentsInOrder(t *testing.T) {
	dir := t.TempDir()
	l := NewStepLogger(dir, Options{})
	clock := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }
	for tick := uint64(1); tick <= 4; tick++ {
		if err := l.WriteStep(observerproto.TickMsg{Tick: tick}); err != nil {
			t.Fatalf("WriteStep: %v", err)
		}
		clock = clock.Add(20 * time.Minute)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "steps", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	segs, err := StepSegments(dir)
	if err != nil || len(segs) != 2 {
		t.Fatalf("StepSegments = %v, %v", segs, err)
	}

	var ticks []uint64
	if err := ReadSteps(dir, func(m observerproto.TickMsg) error {
		ticks = append(ticks, m.Tick)
		return nil
	}); err != nil {
		t.Fatalf("ReadSteps: %v", err)
	}
	if !slices.Equal(ticks, []uint64{1, 2, 3, 4}) {
		t.Fatalf("ticks = %v", ticks)
	}

	ticks = ticks[:0]
	if err := ReadSteps(dir, func(m observerproto.TickMsg) error {
		ticks = append(ticks, m.Tick)
		if m.Tick == 2 {
			return ErrStop
		}
		return nil
	}); err != nil {
		t.Fatalf("ReadSteps with stop: %v", err)
	}
	if !slices.Equal(ticks, []uint64{1, 2}) {
		t.Fatalf("stopped ticks = %v", ticks)
	}

	if segs, err := StepSegments(t.TempDir()); err != nil || segs != nil {
		t.Fatalf("empty run dir: %v, %v", segs, err)
	}
}
