package sim

import (
	"runtime/debug"
	"slices"

	"gridworld.ai/internal/sim/geom"
)

// moveTable buckets pending requests by target cell. The first agent of a
// bucket is the one allowed to enter; order remembers bucket creation so
// collision resolution consumes randomness deterministically.
type moveTable struct {
	buckets map[geom.Position][]*Agent
	order   []geom.Position
}

func newMoveTable() moveTable {
	return moveTable{buckets: map[geom.Position][]*Agent{}}
}

// add appends a to the bucket for pos. Agents that stay put go to the front
// so nobody can take their cell.
func (m *moveTable) add(pos geom.Position, a *Agent, stay bool) {
	b, ok := m.buckets[pos]
	if !ok {
		m.order = append(m.order, pos)
	}
	if stay {
		b = slices.Insert(b, 0, a)
	} else {
		b = append(b, a)
	}
	m.buckets[pos] = b
}

func (m *moveTable) remove(pos geom.Position, a *Agent) {
	b := m.buckets[pos]
	i := slices.Index(b, a)
	if i < 0 {
		return
	}
	b = slices.Delete(b, i, i+1)
	if len(b) > 0 {
		m.buckets[pos] = b
		return
	}
	delete(m.buckets, pos)
	if j := slices.Index(m.order, pos); j >= 0 {
		m.order = slices.Delete(m.order, j, j+1)
	}
}

func (m *moveTable) reset() {
	clear(m.buckets)
	m.order = m.order[:0]
}

// step resolves the tick. The caller holds s.mu.
func (s *Simulator) step() {
	m := &s.moves
	policy := s.cfg.CollisionPolicy

	if policy == RandomCollisions {
		for _, pos := range m.order {
			b := m.buckets[pos]
			if b[0].state.Position == pos {
				continue
			}
			j := s.world.IntN(len(b))
			b[0], b[j] = b[j], b[0]
		}
	}

	// winner[pos] is the agent that enters pos, or nil if nobody may.
	winner := make(map[geom.Position]*Agent, len(m.order))
	blocked := map[geom.Position]bool{}
	var stuck []geom.Position
	for _, pos := range m.order {
		b := m.buckets[pos]
		winner[pos] = b[0]
		if s.blocksMovement(pos) {
			blocked[pos] = true
			stuck = append(stuck, b[0].state.Position)
			winner[pos] = nil
		}
	}

	if policy != NoCollisions {
		for _, pos := range m.order {
			for _, a := range m.buckets[pos][1:] {
				stuck = append(stuck, a.state.Position)
			}
		}
		for _, a := range s.agents {
			if !a.state.Acted {
				stuck = append(stuck, a.state.Position)
			}
		}
		for len(stuck) > 0 {
			pos := stuck[len(stuck)-1]
			stuck = stuck[:len(stuck)-1]
			if winner[pos] == nil {
				continue
			}
			winner[pos] = nil
			for _, a := range m.buckets[pos] {
				stuck = append(stuck, a.state.Position)
			}
		}
	}

	t := s.time.Add(1)
	s.acted = 0
	s.pickups = s.pickups[:0]

	ids := s.sortedIDs()
	for _, id := range ids {
		a := s.agents[id]
		a.mu.Lock()
		if a.state.Acted {
			st := &a.state
			st.Direction = st.RequestedDirection
			req := st.RequestedPosition
			moves := winner[req] == a
			if policy == NoCollisions {
				moves = !blocked[req]
			}
			if moves {
				s.relocate(a, req, t)
			}
			st.Acted = false
		}
		a.mu.Unlock()
	}

	for _, id := range ids {
		a := s.agents[id]
		a.mu.Lock()
		s.perceive(a)
		a.mu.Unlock()
	}

	m.reset()
	for id := range s.semaphores {
		s.semaphores[id] = false
	}

	if s.onStep != nil {
		s.runCallback(t)
	}
}

func (s *Simulator) runCallback(t uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("step callback panicked at tick %d: %v\n%s", t, r, debug.Stack())
		}
	}()
	s.onStep(s, s.agents, t)
}

// blocksMovement reports whether an undeleted wall item occupies pos.
func (s *Simulator) blocksMovement(pos geom.Position) bool {
	nb := s.world.GetFixedNeighborhood(pos, 0)
	for _, it := range nb.Patches[nb.Index].Items {
		if it.Location == pos && !it.Deleted() && s.cfg.ItemTypes[it.Type].BlocksMovement {
			return true
		}
	}
	return false
}

// relocate moves a to pos, collects what it can there and keeps the patch
// back-references in sync. The caller holds s.mu and a.mu.
func (s *Simulator) relocate(a *Agent, pos geom.Position, t uint64) {
	st := &a.state
	from := st.Position
	st.Position = pos

	nb := s.world.GetFixedNeighborhood(pos, 0)
	patch := nb.Patches[nb.Index]
	for i := range patch.Items {
		it := &patch.Items[i]
		if it.Location != pos || it.Deleted() {
			continue
		}
		props := &s.cfg.ItemTypes[it.Type]
		if !s.canCollect(st, props) {
			continue
		}
		patch.MarkDeleted(i, t)
		st.CollectedItems[it.Type]++
		for k, cost := range props.RequiredItemCosts {
			st.CollectedItems[k] -= min(st.CollectedItems[k], cost)
		}
		s.pickups = append(s.pickups, Pickup{AgentID: a.ID, ItemType: it.Type, Position: pos})
	}

	if prev := s.world.Patch(from); prev != patch {
		if prev != nil {
			prev.RemoveAgent(a.ID)
		}
		patch.AddAgent(a.ID)
	}
}

func (s *Simulator) canCollect(st *AgentState, props *ItemType) bool {
	for k, need := range props.RequiredItemCounts {
		if st.CollectedItems[k] < need {
			return false
		}
	}
	return true
}
