// Package sim runs the multi-agent grid simulation: agents request moves and
// turns, and once every active participant has acted the simulator advances
// one tick, resolves collisions, performs pickups and refreshes perception.
package sim

import (
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim/diffusion"
	"gridworld.ai/internal/sim/geom"
	"gridworld.ai/internal/sim/world"
)

// StepFunc is invoked at the end of every tick while the simulator lock is
// held. agents must be treated as read-only and must not be retained; the
// callback must not call back into simulator methods that take the lock.
type StepFunc func(s *Simulator, agents map[uint64]*Agent, time uint64)

// Pickup records one item collected during a tick.
type Pickup struct {
	AgentID  uint64        `json:"agent_id"`
	ItemType uint32        `json:"item_type"`
	Position geom.Position `json:"position"`
}

type Simulator struct {
	cfg   Config
	scent *diffusion.Cache
	log   *log.Logger

	// mu guards everything below, the world included. All actions and the
	// step itself run under it.
	mu         sync.Mutex
	world      *world.World
	agents     map[uint64]*Agent
	semaphores map[uint64]bool
	idCounter  uint64
	acted      int
	active     int
	moves      moveTable
	onStep     StepFunc
	pickups    []Pickup
	visible    []world.Item

	time atomic.Uint64
}

// New builds a simulator over a fresh world generated from seed. logger may
// be nil.
func New(cfg Config, seed uint64, onStep StepFunc, logger *log.Logger) (*Simulator, error) {
	s, err := build(cfg, onStep, logger)
	if err != nil {
		return nil, err
	}
	wc, err := cfg.worldConfig()
	if err != nil {
		return nil, err
	}
	w, err := world.New(wc, seed)
	if err != nil {
		return nil, err
	}
	s.world = w
	return s, nil
}

func build(cfg Config, onStep StepFunc, logger *log.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sim config: %w", err)
	}
	scent, err := diffusion.New(float64(cfg.DiffusionParam), float64(cfg.DecayParam),
		int(cfg.PatchSize), int(cfg.DeletedItemLifetime))
	if err != nil {
		return nil, fmt.Errorf("sim config: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Simulator{
		cfg:        cfg,
		scent:      scent,
		log:        logger,
		agents:     map[uint64]*Agent{},
		semaphores: map[uint64]bool{},
		idCounter:  1,
		moves:      newMoveTable(),
		onStep:     onStep,
	}, nil
}

// Config returns the simulator's configuration. Its slices are shared and
// must not be modified.
func (s *Simulator) Config() Config { return s.cfg }

func (s *Simulator) Time() uint64 { return s.time.Load() }

// SetStepCallback replaces the step callback.
func (s *Simulator) SetStepCallback(fn StepFunc) {
	s.mu.Lock()
	s.onStep = fn
	s.mu.Unlock()
}

// Pickups lists the items collected in the tick that just ended. It is only
// meaningful inside the step callback.
func (s *Simulator) Pickups() []Pickup { return s.pickups }

// Stats reports table sizes for metrics.
type Stats struct {
	Agents      int
	Semaphores  int
	ActiveCount int
	ActedCount  int
	Patches     int
}

func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Agents:      len(s.agents),
		Semaphores:  len(s.semaphores),
		ActiveCount: s.active,
		ActedCount:  s.acted,
		Patches:     s.world.Store().Len(),
	}
}

func (s *Simulator) nextID() uint64 {
	id := s.idCounter
	s.idCounter++
	return id
}

// maybeStep advances the tick once every active participant has acted.
// The caller holds s.mu.
func (s *Simulator) maybeStep() {
	if s.acted == s.active {
		s.step()
	}
}

// AddAgent spawns an agent at the origin facing up.
func (s *Simulator) AddAgent() (uint64, AgentState, protocol.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var origin geom.Position
	nb := s.world.GetFixedNeighborhood(origin, int(s.cfg.MCMCIterations)*10)
	patch := nb.Patches[nb.Index]
	if s.cfg.CollisionPolicy != NoCollisions {
		for _, id := range patch.Agents {
			if other, ok := s.agents[id]; ok && other.state.Position == origin {
				return 0, AgentState{}, protocol.AgentAlreadyExists
			}
		}
	}

	a := newAgent(s.nextID(), &s.cfg)
	s.agents[a.ID] = a
	patch.AddAgent(a.ID)
	s.active++

	a.mu.Lock()
	s.perceive(a)
	st := a.state.Clone()
	a.mu.Unlock()
	s.perceiveNeighbors(origin, a.ID)
	return a.ID, st, protocol.OK
}

// RemoveAgent withdraws any pending request of the agent and may complete
// the tick if it was the last one outstanding.
func (s *Simulator) RemoveAgent(id uint64) protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return protocol.InvalidAgentID
	}
	a.mu.Lock()
	pos := a.state.Position
	if a.state.Acted {
		s.moves.remove(a.state.RequestedPosition, a)
		if a.state.Active {
			s.acted--
		}
	}
	if a.state.Active {
		s.active--
	}
	a.mu.Unlock()

	if patch := s.world.Patch(pos); patch != nil {
		patch.RemoveAgent(id)
	}
	delete(s.agents, id)
	s.perceiveNeighbors(pos, id)
	s.maybeStep()
	return protocol.OK
}

// SetAgentActive toggles whether the tick waits for the agent. A pending
// request keeps counting toward the barrier only while the agent is active.
func (s *Simulator) SetAgentActive(id uint64, active bool) protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return protocol.InvalidAgentID
	}
	a.mu.Lock()
	if a.state.Active == active {
		a.mu.Unlock()
		return protocol.OK
	}
	a.state.Active = active
	acted := a.state.Acted
	a.mu.Unlock()

	delta := 1
	if !active {
		delta = -1
	}
	s.active += delta
	if acted {
		s.acted += delta
	}
	if !active || acted {
		s.maybeStep()
	}
	return protocol.OK
}

func (s *Simulator) IsAgentActive(id uint64) (bool, protocol.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return false, protocol.InvalidAgentID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Active, protocol.OK
}

// AddSemaphore registers a participant that external callers signal once per
// tick.
func (s *Simulator) AddSemaphore() (uint64, protocol.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.semaphores[id] = false
	s.active++
	return id, protocol.OK
}

func (s *Simulator) RemoveSemaphore(id uint64) protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	signaled, ok := s.semaphores[id]
	if !ok {
		return protocol.InvalidSemaphoreID
	}
	if signaled {
		s.acted--
	}
	s.active--
	delete(s.semaphores, id)
	s.maybeStep()
	return protocol.OK
}

func (s *Simulator) SignalSemaphore(id uint64) protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	signaled, ok := s.semaphores[id]
	switch {
	case !ok:
		return protocol.InvalidSemaphoreID
	case signaled:
		return protocol.SemaphoreAlreadySignaled
	}
	s.semaphores[id] = true
	s.acted++
	s.maybeStep()
	return protocol.OK
}

// Semaphores returns a copy of the semaphore table.
func (s *Simulator) Semaphores() map[uint64]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]bool, len(s.semaphores))
	for id, v := range s.semaphores {
		out[id] = v
	}
	return out
}

// Move requests a displacement of steps cells in direction dir, relative to
// the agent's heading.
func (s *Simulator) Move(id uint64, dir geom.Direction, steps uint32) protocol.Status {
	if !dir.Valid() || steps > s.cfg.MaxStepsPerMovement ||
		s.cfg.AllowedMovementDirections[dir] == Disallowed {
		return protocol.PermissionError
	}
	return s.act(id, func(st *AgentState) {
		st.RequestedDirection = st.Direction
		st.RequestedPosition = st.Position
		if s.cfg.AllowedMovementDirections[dir] != Ignored {
			d := st.Direction.ToWorld(dir.Step().Scale(int64(steps)))
			st.RequestedPosition = st.Position.Add(d)
		}
	})
}

// Turn requests a rotation of the agent's heading by dir.
func (s *Simulator) Turn(id uint64, dir geom.Direction) protocol.Status {
	if !dir.Valid() || s.cfg.AllowedRotations[dir] == Disallowed {
		return protocol.PermissionError
	}
	return s.act(id, func(st *AgentState) {
		st.RequestedPosition = st.Position
		st.RequestedDirection = st.Direction
		if s.cfg.AllowedRotations[dir] != Ignored {
			st.RequestedDirection = st.Direction.Compose(dir)
		}
	})
}

func (s *Simulator) DoNothing(id uint64) protocol.Status {
	if !s.cfg.NoOpAllowed {
		return protocol.PermissionError
	}
	return s.act(id, func(st *AgentState) {
		st.RequestedPosition = st.Position
		st.RequestedDirection = st.Direction
	})
}

func (s *Simulator) act(id uint64, request func(*AgentState)) protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return protocol.InvalidAgentID
	}
	a.mu.Lock()
	if a.state.Acted {
		a.mu.Unlock()
		return protocol.AgentAlreadyActed
	}
	request(&a.state)
	a.state.Acted = true
	s.moves.add(a.state.RequestedPosition, a, a.state.RequestedPosition == a.state.Position)
	active := a.state.Active
	a.mu.Unlock()

	if active {
		s.acted++
		s.maybeStep()
	}
	return protocol.OK
}

// GetAgentIDs returns the live agent ids in ascending order.
func (s *Simulator) GetAgentIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedIDs()
}

func (s *Simulator) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GetAgentStates snapshots the requested agents. Ids that no longer exist
// are skipped; id 0 is never valid.
func (s *Simulator) GetAgentStates(ids []uint64) ([]uint64, []AgentState, protocol.Status) {
	if slices.Contains(ids, 0) {
		return nil, nil, protocol.InvalidAgentID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := make([]uint64, 0, len(ids))
	states := make([]AgentState, 0, len(ids))
	for _, id := range ids {
		a, ok := s.agents[id]
		if !ok {
			continue
		}
		found = append(found, id)
		states = append(states, a.State())
	}
	return found, states, protocol.OK
}

// Agent looks up a live agent.
func (s *Simulator) Agent(id uint64) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	return a, ok
}
