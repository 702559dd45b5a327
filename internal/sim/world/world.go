// Package world generates and stores the item layer of an unbounded grid.
//
// Patches are created lazily. Whenever a cell is observed, the 2×2 block of
// patches around the cell's quadrant is resampled together with its
// surroundings by a Gibbs sampler and then frozen, so observations never
// change what was already seen.
package world

import (
	"encoding/hex"
	"fmt"
	"math/rand/v2"

	"gridworld.ai/internal/sim/energy"
	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/mathx"
)

// Config fixes the generator. Interactions is indexed [cell type][other type].
type Config struct {
	PatchSize      int
	MCMCIterations int
	Intensities    []energy.Intensity
	Interactions   [][]energy.Interaction
}

// World is not safe for concurrent use; the simulator serialises access.
type World struct {
	cfg   Config
	n     int64
	seed  uint64
	pcg   *rand.PCG
	rng   *rand.Rand
	store Store

	logp []float64
}

func New(cfg Config, seed uint64) (*World, error) {
	if cfg.PatchSize <= 0 {
		return nil, fmt.Errorf("world: patch size must be positive, got %d", cfg.PatchSize)
	}
	if len(cfg.Interactions) != len(cfg.Intensities) {
		return nil, fmt.Errorf("world: %d intensity functions but %d interaction rows", len(cfg.Intensities), len(cfg.Interactions))
	}
	for i, row := range cfg.Interactions {
		if len(row) != len(cfg.Intensities) {
			return nil, fmt.Errorf("world: interaction row %d has %d entries, want %d", i, len(row), len(cfg.Intensities))
		}
	}
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &World{
		cfg:  cfg,
		n:    int64(cfg.PatchSize),
		seed: seed,
		pcg:  pcg,
		rng:  rand.New(pcg),
		logp: make([]float64, len(cfg.Intensities)+1),
	}, nil
}

func (w *World) PatchSize() int64 { return w.n }
func (w *World) Seed() uint64 { return w.seed }
func (w *World) Store() *Store { return &w.store }

// IntN draws from the world's generator so a simulator has one PRNG stream.
func (w *World) IntN(n int) int { return w.rng.IntN(n) }

// Float64 draws from the world's generator.
func (w *World) Float64() float64 { return w.rng.Float64() }

// Patch returns the patch containing world cell pos, or nil.
func (w *World) Patch(pos geom.Position) *Patch {
	pp, _ := geom.PatchOf(pos, w.n)
	return w.store.Get(pp)
}

// Neighborhood is the 2×2 block of patches around a cell's quadrant, ordered
// top-left, top-right, bottom-left, bottom-right. Index locates the patch
// that contains the cell. Entries may be nil for a non-creating lookup.
type Neighborhood struct {
	Patches [4]*Patch
	Pos     [4]geom.Position
	Index   int
}

// Each visits the non-nil patches.
func (nb *Neighborhood) Each(fn func(*Patch)) {
	for _, p := range nb.Patches {
		if p != nil {
			fn(p)
		}
	}
}

func (w *World) corePositions(pos geom.Position) ([4]geom.Position, int) {
	p, off := geom.PatchOf(pos, w.n)
	half := w.n / 2
	var first geom.Position
	var index int
	switch {
	case off.X < half && off.Y < half:
		first, index = p.Left(), 1
	case off.X < half:
		first, index = p.Left().Up(), 3
	case off.Y < half:
		first, index = p, 0
	default:
		first, index = p.Up(), 2
	}
	var out [4]geom.Position
	out[0] = first
	out[1] = first.Right()
	out[2] = first.Down()
	out[3] = out[2].Right()
	return out, index
}

// GetNeighborhood returns the existing patches around pos and never creates
// any.
func (w *World) GetNeighborhood(pos geom.Position) Neighborhood {
	positions, index := w.corePositions(pos)
	nb := Neighborhood{Pos: positions, Index: index}
	for i, pp := range positions {
		nb.Patches[i] = w.store.Get(pp)
	}
	return nb
}

// GetFixedNeighborhood returns the 2×2 block around pos, sampling and fixing
// it first if needed. iterations overrides the configured sweep count when
// positive.
func (w *World) GetFixedNeighborhood(pos geom.Position, iterations int) Neighborhood {
	positions, index := w.corePositions(pos)
	nb := Neighborhood{Pos: positions, Index: index}

	allFixed := true
	for i, pp := range positions {
		nb.Patches[i] = w.store.Get(pp)
		if nb.Patches[i] == nil || !nb.Patches[i].Fixed {
			allFixed = false
		}
	}
	if allFixed {
		return nb
	}
	if iterations <= 0 {
		iterations = w.cfg.MCMCIterations
	}

	// Work out the rows and columns of the surrounding block that the
	// unfixed core patches touch.
	minY := positions[2].Y
	type span struct{ lo, hi int64 }
	var spans [4]span
	var active [4]bool
	for r := 0; r < 4; r++ {
		y := minY - 1 + int64(r)
		for i, pp := range positions {
			if nb.Patches[i] != nil && nb.Patches[i].Fixed {
				continue
			}
			if pp.Y < y-1 || pp.Y > y+1 {
				continue
			}
			if !active[r] {
				spans[r] = span{pp.X - 1, pp.X + 1}
				active[r] = true
				continue
			}
			spans[r].lo = min(spans[r].lo, pp.X-1)
			spans[r].hi = max(spans[r].hi, pp.X+1)
		}
	}

	sources := w.sourcePatches()
	var toSample []*Patch
	for r := 0; r < 4; r++ {
		if !active[r] {
			continue
		}
		y := minY - 1 + int64(r)
		for x := spans[r].lo; x <= spans[r].hi; x++ {
			pp := geom.Pos(x, y)
			patch := w.store.Get(pp)
			if patch == nil {
				patch = w.initPatch(pp, sources)
				w.store.Insert(patch)
			}
			if !patch.Fixed {
				toSample = append(toSample, patch)
			}
		}
	}

	for it := 0; it < iterations; it++ {
		for _, patch := range toSample {
			w.samplePatch(patch)
		}
	}

	for i, pp := range positions {
		nb.Patches[i] = w.store.Get(pp)
		nb.Patches[i].Fixed = true
	}
	return nb
}

func (w *World) sourcePatches() [][]*Patch {
	out := make([][]*Patch, 0, w.store.RowCount())
	for i := 0; i < w.store.RowCount(); i++ {
		out = append(out, w.store.Row(i))
	}
	return out
}

// initPatch seeds a new patch with a translated copy of a random existing
// patch, giving the sampler a plausible starting state.
func (w *World) initPatch(pp geom.Position, sources [][]*Patch) *Patch {
	patch := &Patch{Pos: pp}
	if len(sources) == 0 {
		return patch
	}
	row := sources[w.rng.IntN(len(sources))]
	src := row[w.rng.IntN(len(row))]
	shift := pp.Sub(src.Pos).Scale(w.n)
	for _, it := range src.Items {
		patch.Items = append(patch.Items, Item{Type: it.Type, Location: it.Location.Add(shift)})
	}
	patch.dirty = true
	return patch
}

func (w *World) samplePatch(patch *Patch) {
	base := patch.Pos.Scale(w.n)
	for x := int64(0); x < w.n; x++ {
		for y := int64(0); y < w.n; y++ {
			w.sampleCell(patch, base.Add(geom.Pos(x, y)))
		}
	}
}

func (w *World) sampleCell(patch *Patch, cell geom.Position) {
	types := len(w.cfg.Intensities)
	for t := 0; t < types; t++ {
		w.logp[t] = float64(w.cfg.Intensities[t].Eval(cell))
	}
	w.logp[types] = 0

	nb := w.GetNeighborhood(cell)
	nb.Each(func(p *Patch) {
		for _, it := range p.Items {
			if it.Location == cell {
				continue
			}
			for t := 0; t < types; t++ {
				w.logp[t] += float64(w.cfg.Interactions[t][it.Type].Eval(cell, it.Location))
			}
		}
	})

	mathx.NormalizeExp(w.logp)
	sampled := mathx.SampleCategorical(w.logp, w.rng.Float64())

	old := -1
	for i := range patch.Items {
		if patch.Items[i].Location == cell {
			old = i
			break
		}
	}
	if old >= 0 && int(patch.Items[old].Type) == sampled {
		return
	}
	if old >= 0 {
		patch.RemoveItem(old)
	}
	if sampled < types {
		patch.AddItem(Item{Type: uint32(sampled), Location: cell})
	}
}

// State is the serialisable form of a World.
type State struct {
	RNG            string       `json:"rng"`
	PatchSize      int          `json:"patch_size"`
	MCMCIterations int          `json:"mcmc_iterations"`
	Seed           uint64       `json:"seed"`
	Patches        []PatchState `json:"patches"`
}

type PatchState struct {
	Pos    geom.Position `json:"pos"`
	Fixed  bool          `json:"fixed"`
	Items  []Item        `json:"items"`
	Agents []uint64      `json:"agents"`
}

// Export copies the world, including the PRNG state as hex text.
func (w *World) Export() (State, error) {
	raw, err := w.pcg.MarshalBinary()
	if err != nil {
		return State{}, fmt.Errorf("world: marshal rng: %w", err)
	}
	st := State{
		RNG:            hex.EncodeToString(raw),
		PatchSize:      w.cfg.PatchSize,
		MCMCIterations: w.cfg.MCMCIterations,
		Seed:           w.seed,
	}
	w.store.Each(func(p *Patch) {
		st.Patches = append(st.Patches, PatchState{
			Pos:    p.Pos,
			Fixed:  p.Fixed,
			Items:  append([]Item(nil), p.Items...),
			Agents: append([]uint64(nil), p.Agents...),
		})
	})
	return st, nil
}

// Import rebuilds a world from st. The generator config must match.
func Import(cfg Config, st State) (*World, error) {
	if st.PatchSize != cfg.PatchSize {
		return nil, fmt.Errorf("world: patch size mismatch: state %d config %d", st.PatchSize, cfg.PatchSize)
	}
	w, err := New(cfg, st.Seed)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(st.RNG)
	if err != nil {
		return nil, fmt.Errorf("world: decode rng: %w", err)
	}
	if err := w.pcg.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("world: restore rng: %w", err)
	}
	n := int64(cfg.PatchSize)
	for _, ps := range st.Patches {
		for _, it := range ps.Items {
			if pp, _ := geom.PatchOf(it.Location, n); pp != ps.Pos {
				return nil, fmt.Errorf("world: item at %v stored in patch %v", it.Location, ps.Pos)
			}
		}
		w.store.Insert(&Patch{
			Pos:    ps.Pos,
			Fixed:  ps.Fixed,
			Items:  append([]Item(nil), ps.Items...),
			Agents: append([]uint64(nil), ps.Agents...),
			dirty:  true,
		})
	}
	return w, nil
}
