package sim

import (
	"gonum.org/v1/gonum/blas/blas32"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/mathx"
	"gridworld.ai/internal/sim/world"
)

// PatchState is a read-only snapshot of one patch. Scent and Vision hold one
// ScentDimension or ColorDimension wide entry per cell, indexed
// (x*patchSize + y) by in-patch offset, and are nil unless requested.
type PatchState struct {
	Position        geom.Position    `json:"position"`
	Fixed           bool             `json:"fixed"`
	Items           []world.Item     `json:"items"`
	AgentPositions  []geom.Position  `json:"agent_positions"`
	AgentDirections []geom.Direction `json:"agent_directions"`
	Scent           []float32        `json:"scent,omitempty"`
	Vision          []float32        `json:"vision,omitempty"`
}

// GetMap snapshots every existing patch in the patch rectangle around the
// world cells bl..tr: patch rows floor(bl.y/n)-1 through ceil(tr.y/n)+1, and
// columns likewise. Rows are ordered by patch y and contain only existing
// patches, ordered by x. Nothing is generated.
func (s *Simulator) GetMap(bl, tr geom.Position, wantScent, wantVision bool) ([][]PatchState, protocol.Status) {
	n := int64(s.cfg.PatchSize)
	blp, _ := geom.PatchOf(bl, n)
	maxX := mathx.FloorDiv(tr.X+n-1, n) + 1
	maxY := mathx.FloorDiv(tr.Y+n-1, n) + 1

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.time.Load()
	var rows [][]PatchState
	s.world.Store().Range(blp.Y-1, maxY, blp.X-1, maxX, func(_ int64, row []*world.Patch) {
		out := make([]PatchState, 0, len(row))
		for _, p := range row {
			out = append(out, s.patchState(p, t, wantScent, wantVision))
		}
		if len(out) > 0 {
			rows = append(rows, out)
		}
	})
	return rows, protocol.OK
}

func (s *Simulator) patchState(p *world.Patch, t uint64, wantScent, wantVision bool) PatchState {
	n := int64(s.cfg.PatchSize)
	origin := p.Pos.Scale(n)
	ps := PatchState{
		Position:        p.Pos,
		Fixed:           p.Fixed,
		Items:           make([]world.Item, 0, len(p.Items)),
		AgentPositions:  make([]geom.Position, 0, len(p.Agents)),
		AgentDirections: make([]geom.Direction, 0, len(p.Agents)),
	}
	for _, it := range p.Items {
		if !it.Deleted() {
			ps.Items = append(ps.Items, it)
		}
	}
	for _, id := range p.Agents {
		a, ok := s.agents[id]
		if !ok {
			continue
		}
		ps.AgentPositions = append(ps.AgentPositions, a.state.Position)
		ps.AgentDirections = append(ps.AgentDirections, a.state.Direction)
	}

	if wantScent {
		dim := int64(s.cfg.ScentDimension)
		lifetime := uint64(s.cfg.DeletedItemLifetime)
		ps.Scent = make([]float32, n*n*dim)
		for a := range n {
			for b := range n {
				cell := origin.Add(geom.Pos(a, b))
				dst := ps.Scent[(a*n+b)*dim : (a*n+b+1)*dim]
				nb := s.world.GetNeighborhood(cell)
				nb.Each(func(q *world.Patch) {
					for _, it := range q.Items {
						if it.Deleted() && t >= it.DeletionTime+lifetime {
							continue
						}
						s.addScent(dst, it, cell, t)
					}
				})
			}
		}
	}

	if wantVision {
		dim := int64(s.cfg.ColorDimension)
		ps.Vision = make([]float32, n*n*dim)
		cell := func(pos geom.Position) blas32.Vector {
			off := pos.Sub(origin)
			i := (mathx.Mod(off.X, n)*n + mathx.Mod(off.Y, n)) * dim
			return vec(ps.Vision[i : i+dim])
		}
		for _, it := range ps.Items {
			blas32.Axpy(1, vec(s.cfg.ItemTypes[it.Type].Color), cell(it.Location))
		}
		for _, pos := range ps.AgentPositions {
			blas32.Axpy(1, vec(s.cfg.AgentColor), cell(pos))
		}
	}
	return ps
}
