package sim

import (
	"fmt"
	"log"
	"maps"
	"slices"

	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/world"
)

type AgentRecord struct {
	ID    uint64     `json:"id"`
	State AgentState `json:"state"`
}

type SemaphoreRecord struct {
	ID       uint64 `json:"id"`
	Signaled bool   `json:"signaled"`
}

// MoveRecord is one pending bucket, agents in priority order.
type MoveRecord struct {
	Position geom.Position `json:"position"`
	AgentIDs []uint64      `json:"agent_ids"`
}

// State is everything needed to resume a simulator mid-tick.
type State struct {
	Config     Config            `json:"config"`
	Time       uint64            `json:"time"`
	IDCounter  uint64            `json:"id_counter"`
	Acted      int               `json:"acted"`
	Active     int               `json:"active"`
	Agents     []AgentRecord     `json:"agents"`
	Semaphores []SemaphoreRecord `json:"semaphores"`
	Moves      []MoveRecord      `json:"moves"`
	World      world.State       `json:"world"`
}

// Export takes a consistent copy of the simulator.
func (s *Simulator) Export() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, err := s.world.Export()
	if err != nil {
		return State{}, err
	}
	st := State{
		Config:    s.cfg,
		Time:      s.time.Load(),
		IDCounter: s.idCounter,
		Acted:     s.acted,
		Active:    s.active,
		World:     ws,
	}
	for _, id := range s.sortedIDs() {
		st.Agents = append(st.Agents, AgentRecord{ID: id, State: s.agents[id].State()})
	}
	for _, id := range slices.Sorted(maps.Keys(s.semaphores)) {
		st.Semaphores = append(st.Semaphores, SemaphoreRecord{ID: id, Signaled: s.semaphores[id]})
	}
	for _, pos := range s.moves.order {
		rec := MoveRecord{Position: pos}
		for _, a := range s.moves.buckets[pos] {
			rec.AgentIDs = append(rec.AgentIDs, a.ID)
		}
		st.Moves = append(st.Moves, rec)
	}
	return st, nil
}

// Restore rebuilds a simulator from st. cfg must carry the same parameters
// the state was produced with.
func Restore(cfg Config, st State, onStep StepFunc, logger *log.Logger) (*Simulator, error) {
	if !cfg.SameParameters(st.Config) {
		return nil, ErrConfigMismatch
	}
	s, err := build(cfg, onStep, logger)
	if err != nil {
		return nil, err
	}
	wc, err := cfg.worldConfig()
	if err != nil {
		return nil, err
	}
	if s.world, err = world.Import(wc, st.World); err != nil {
		return nil, fmt.Errorf("restore world: %w", err)
	}

	s.time.Store(st.Time)
	s.idCounter = st.IDCounter
	s.acted = st.Acted
	s.active = st.Active
	for _, rec := range st.Agents {
		if rec.ID == 0 || rec.ID >= st.IDCounter {
			return nil, fmt.Errorf("restore: agent id %d outside issued range", rec.ID)
		}
		a := newAgent(rec.ID, &cfg)
		a.state = rec.State.Clone()
		if len(a.state.Scent) != int(cfg.ScentDimension) ||
			len(a.state.Vision) != cfg.visionSize() ||
			len(a.state.CollectedItems) != len(cfg.ItemTypes) {
			return nil, fmt.Errorf("restore: agent %d state has wrong dimensions", rec.ID)
		}
		s.agents[rec.ID] = a
	}
	for _, rec := range st.Semaphores {
		s.semaphores[rec.ID] = rec.Signaled
	}
	for _, rec := range st.Moves {
		for _, id := range rec.AgentIDs {
			a, ok := s.agents[id]
			if !ok {
				return nil, fmt.Errorf("restore: pending move for unknown agent %d", id)
			}
			s.moves.add(rec.Position, a, false)
		}
	}

	seen := 0
	var backrefErr error
	s.world.Store().Each(func(p *world.Patch) {
		for _, id := range p.Agents {
			a, ok := s.agents[id]
			if !ok {
				backrefErr = fmt.Errorf("restore: patch %v references unknown agent %d", p.Pos, id)
				return
			}
			if pp, _ := geom.PatchOf(a.state.Position, int64(cfg.PatchSize)); pp != p.Pos {
				backrefErr = fmt.Errorf("restore: agent %d at %v listed in patch %v", id, a.state.Position, p.Pos)
				return
			}
			seen++
		}
	})
	if backrefErr != nil {
		return nil, backrefErr
	}
	if seen != len(s.agents) {
		return nil, fmt.Errorf("restore: %d agents but %d patch references", len(s.agents), seen)
	}
	return s, nil
}
