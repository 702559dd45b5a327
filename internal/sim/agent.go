package sim

import (
	"math"
	"slices"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"

	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/mathx"
	"gridworld.ai/internal/sim/world"
)

// AgentState is the externally visible state of one agent. Vision is a
// (2V+1)×(2V+1) grid of ColorDimension-wide pixels in row-major order, in the
// agent's own frame where +y is forward.
type AgentState struct {
	Position           geom.Position  `json:"position"`
	Direction          geom.Direction `json:"direction"`
	Scent              []float32      `json:"scent"`
	Vision             []float32      `json:"vision"`
	CollectedItems     []uint32       `json:"collected_items"`
	Active             bool           `json:"active"`
	Acted              bool           `json:"acted"`
	RequestedPosition  geom.Position  `json:"requested_position"`
	RequestedDirection geom.Direction `json:"requested_direction"`
}

// Clone returns a deep copy.
func (st AgentState) Clone() AgentState {
	st.Scent = slices.Clone(st.Scent)
	st.Vision = slices.Clone(st.Vision)
	st.CollectedItems = slices.Clone(st.CollectedItems)
	return st
}

// Agent is owned by the simulator. Position and Direction change only inside
// a step, which holds the simulator lock; the remaining fields are guarded by
// the agent's own lock.
type Agent struct {
	ID uint64

	mu    sync.Mutex
	state AgentState
}

func newAgent(id uint64, cfg *Config) *Agent {
	return &Agent{
		ID: id,
		state: AgentState{
			Direction:          geom.Up,
			RequestedDirection: geom.Up,
			Scent:              make([]float32, cfg.ScentDimension),
			Vision:             make([]float32, cfg.visionSize()),
			CollectedItems:     make([]uint32, len(cfg.ItemTypes)),
			Active:             true,
		},
	}
}

// State returns a copy of the agent's state taken under its lock.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// Position is only stable while the caller holds the simulator lock, which
// includes the step callback.
func (a *Agent) Position() geom.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Position
}

const cellRadius = 0.5

func vec(v []float32) blas32.Vector {
	return blas32.Vector{N: len(v), Inc: 1, Data: v}
}

// addScent adds the diffusion field of item it, as seen from pos at time t,
// into dst.
func (s *Simulator) addScent(dst []float32, it world.Item, pos geom.Position, t uint64) {
	rel := it.Location.Sub(pos)
	if !s.scent.InRange(rel.X, rel.Y) || len(dst) == 0 {
		return
	}
	scent := s.cfg.ItemTypes[it.Type].Scent
	ct := uint64(s.cfg.DeletedItemLifetime - 1)
	if it.CreationTime > 0 {
		ct = min(ct, t-it.CreationTime)
	}
	blas32.Axpy(float32(s.scent.Value(int(ct), rel.X, rel.Y)), vec(scent), vec(dst))
	if it.Deleted() {
		dt := t - it.DeletionTime
		blas32.Axpy(-float32(s.scent.Value(int(dt), rel.X, rel.Y)), vec(scent), vec(dst))
	}
}

func (s *Simulator) pixel(st *AgentState, rel geom.Position) []float32 {
	v := int64(s.cfg.VisionRange)
	c := int64(s.cfg.ColorDimension)
	local := st.Direction.ToLocal(rel)
	off := ((local.X+v)*(2*v+1) + local.Y + v) * c
	return st.Vision[off : off+c]
}

// fieldOfView returns the left and right bounds of the visible arc for a
// heading, as world-frame angles.
func fieldOfView(d geom.Direction, fov float64) (left, right float64) {
	switch d {
	case geom.Down:
		return -(math.Pi - fov) / 2, -(math.Pi + fov) / 2
	case geom.Left:
		return -math.Pi + fov/2, math.Pi - fov/2
	case geom.Right:
		return fov / 2, -fov / 2
	}
	return (math.Pi + fov) / 2, (math.Pi - fov) / 2
}

// tangentAngles bounds the arc a unit cell centred at (x, y) subtends from
// the origin.
func tangentAngles(x, y float64) (left, right float64) {
	a := math.Asin(cellRadius / math.Hypot(x, y))
	b := math.Atan2(y, x)
	return b + a, b - a
}

// angleOverlap measures the intersection of two arcs given as (left, right)
// bounds in radians. Arcs may wrap through zero.
func angleOverlap(al, ar, bl, br float64) float64 {
	wrap := func(a float64) float64 {
		if a < 0 {
			return 2*math.Pi + a
		}
		return a
	}
	al, ar, bl, br = wrap(al), wrap(ar), wrap(bl), wrap(br)
	switch {
	case al < ar:
		return angleOverlap(al, 0, bl, br) + angleOverlap(2*math.Pi, ar, bl, br)
	case bl < br:
		return angleOverlap(al, ar, bl, 0) + angleOverlap(al, ar, 2*math.Pi, br)
	case al > bl:
		switch {
		case ar > bl:
			return 0
		case ar > br:
			return bl - ar
		}
		return bl - br
	default:
		switch {
		case br > al:
			return 0
		case br > ar:
			return al - br
		}
		return al - ar
	}
}

// perceive recomputes scent and vision for a. The caller holds the
// simulator lock and a.mu.
func (s *Simulator) perceive(a *Agent) {
	st := &a.state
	clear(st.Scent)
	clear(st.Vision)

	t := s.time.Load()
	v := int64(s.cfg.VisionRange)
	lifetime := uint64(s.cfg.DeletedItemLifetime)
	visible := s.visible[:0]

	nb := s.world.GetFixedNeighborhood(st.Position, 0)
	nb.Each(func(p *world.Patch) {
		p.PruneExpired(t, lifetime)
		for _, it := range p.Items {
			s.addScent(st.Scent, it, st.Position, t)
			if it.Deleted() {
				continue
			}
			rel := it.Location.Sub(st.Position)
			if mathx.Abs64(rel.X) <= v && mathx.Abs64(rel.Y) <= v {
				visible = append(visible, it)
				blas32.Axpy(1, vec(s.cfg.ItemTypes[it.Type].Color), vec(s.pixel(st, rel)))
			}
		}
		for _, id := range p.Agents {
			other, ok := s.agents[id]
			if !ok {
				continue
			}
			rel := other.state.Position.Sub(st.Position)
			if mathx.Abs64(rel.X) <= v && mathx.Abs64(rel.Y) <= v {
				blas32.Axpy(1, vec(s.cfg.AgentColor), vec(s.pixel(st, rel)))
			}
		}
	})
	s.visible = visible

	fov := float64(s.cfg.AgentFieldOfView)
	fovLeft, fovRight := fieldOfView(st.Direction, fov)
	for i := -v; i <= v; i++ {
		for j := -v; j <= v; j++ {
			if i == 0 && j == 0 {
				continue
			}
			rel := geom.Pos(i, j)
			dist := float64(rel.SquaredLength())
			cellLeft, cellRight := tangentAngles(float64(i), float64(j))
			cellAngle := math.Abs(cellLeft - cellRight)
			px := s.pixel(st, rel)

			if fov < 2*math.Pi {
				overlap := angleOverlap(fovLeft, fovRight, cellLeft, cellRight)
				occ := 1 - math.Min(1, overlap/cellAngle)
				if occ >= 1 {
					clear(px)
					continue
				}
				if occ > 0 {
					blas32.Scal(float32(1-occ), vec(px))
				}
			}

			for _, it := range visible {
				loc := it.Location.Sub(st.Position)
				if loc == (geom.Position{}) || float64(loc.SquaredLength())+1 > dist {
					continue
				}
				left, right := tangentAngles(float64(loc.X), float64(loc.Y))
				overlap := angleOverlap(left, right, cellLeft, cellRight)
				if overlap <= 0 {
					continue
				}
				occ := float32(float64(s.cfg.ItemTypes[it.Type].VisualOcclusion) * math.Min(1, overlap/cellAngle))
				if occ <= 0 {
					continue
				}
				for k := range px {
					px[k] = max(0, px[k]-occ)
				}
			}
		}
	}
}

// perceiveNeighbors refreshes every agent that can see or smell pos.
// The caller holds the simulator lock.
func (s *Simulator) perceiveNeighbors(pos geom.Position, skip uint64) {
	nb := s.world.GetNeighborhood(pos)
	nb.Each(func(p *world.Patch) {
		for _, id := range p.Agents {
			if id == skip {
				continue
			}
			if other, ok := s.agents[id]; ok {
				other.mu.Lock()
				s.perceive(other)
				other.mu.Unlock()
			}
		}
	})
}
