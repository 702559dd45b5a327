package observerproto

import (
	"cmp"
	"slices"

	"gridworld.ai/internal/sim"
)

// Version is the observer protocol version (separate from the binary TCP protocol).
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional: only report these agents. Empty means every agent.
	AgentIDs []uint64 `json:"agent_ids,omitempty"`
	// Optional: include per-agent scent vectors.
	IncludeScent bool `json:"include_scent,omitempty"`
}

// HTTP response for GET /v1/observe/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	RunID           string      `json:"run_id"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
	ItemTypes       []ItemType  `json:"item_types"`
}

type WorldParams struct {
	Seed            uint64 `json:"seed"`
	PatchSize       uint32 `json:"patch_size"`
	VisionRange     uint32 `json:"vision_range"`
	ScentDimension  uint32 `json:"scent_dimension"`
	ColorDimension  uint32 `json:"color_dimension"`
	CollisionPolicy string `json:"collision_policy"`
}

type ItemType struct {
	Name           string    `json:"name"`
	Color          []float32 `json:"color"`
	BlocksMovement bool      `json:"blocks_movement,omitempty"`
}

// Server -> Client. Sent every tick. The same document is the line format of
// the step log.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id,omitempty"`
	Tick            uint64 `json:"tick"`

	Agents  []AgentState `json:"agents"`
	Pickups []Pickup     `json:"pickups,omitempty"`
}

type AgentState struct {
	ID        uint64    `json:"id"`
	X         int64     `json:"x"`
	Y         int64     `json:"y"`
	Dir       string    `json:"dir"`
	Active    bool      `json:"active"`
	Collected []uint32  `json:"collected"`
	Scent     []float32 `json:"scent,omitempty"`
}

type Pickup struct {
	AgentID  uint64 `json:"agent_id"`
	ItemType uint32 `json:"item_type"`
	X        int64  `json:"x"`
	Y        int64  `json:"y"`
}

// Bootstrap describes a simulator for observers.
func Bootstrap(runID string, seed uint64, s *sim.Simulator) BootstrapResponse {
	cfg := s.Config()
	resp := BootstrapResponse{
		ProtocolVersion: Version,
		RunID:           runID,
		Tick:            s.Time(),
		WorldParams: WorldParams{
			Seed:            seed,
			PatchSize:       cfg.PatchSize,
			VisionRange:     cfg.VisionRange,
			ScentDimension:  cfg.ScentDimension,
			ColorDimension:  cfg.ColorDimension,
			CollisionPolicy: cfg.CollisionPolicy.String(),
		},
	}
	for _, it := range cfg.ItemTypes {
		resp.ItemTypes = append(resp.ItemTypes, ItemType{
			Name:           it.Name,
			Color:          slices.Clone(it.Color),
			BlocksMovement: it.BlocksMovement,
		})
	}
	return resp
}

// NewTick summarizes a finished tick. It runs inside the step callback, so it
// reads agents through their own locks only.
func NewTick(runID string, tick uint64, agents map[uint64]*sim.Agent, pickups []sim.Pickup) TickMsg {
	msg := TickMsg{
		Type:            "TICK",
		ProtocolVersion: Version,
		RunID:           runID,
		Tick:            tick,
		Agents:          make([]AgentState, 0, len(agents)),
	}
	for id, a := range agents {
		st := a.State()
		msg.Agents = append(msg.Agents, AgentState{
			ID:        id,
			X:         st.Position.X,
			Y:         st.Position.Y,
			Dir:       st.Direction.String(),
			Active:    st.Active,
			Collected: st.CollectedItems,
			Scent:     st.Scent,
		})
	}
	slices.SortFunc(msg.Agents, func(a, b AgentState) int { return cmp.Compare(a.ID, b.ID) })
	for _, p := range pickups {
		msg.Pickups = append(msg.Pickups, Pickup{
			AgentID:  p.AgentID,
			ItemType: p.ItemType,
			X:        p.Position.X,
			Y:        p.Position.Y,
		})
	}
	return msg
}

// Filter returns the view of msg a subscriber asked for. msg is not
// modified.
func (m TickMsg) Filter(sub SubscribeMsg) TickMsg {
	if len(sub.AgentIDs) == 0 && sub.IncludeScent {
		return m
	}
	out := m
	out.Agents = make([]AgentState, 0, len(m.Agents))
	for _, a := range m.Agents {
		if len(sub.AgentIDs) > 0 && !slices.Contains(sub.AgentIDs, a.ID) {
			continue
		}
		if !sub.IncludeScent {
			a.Scent = nil
		}
		out.Agents = append(out.Agents, a)
	}
	if len(sub.AgentIDs) > 0 {
		out.Pickups = nil
		for _, p := range m.Pickups {
			if slices.Contains(sub.AgentIDs, p.AgentID) {
				out.Pickups = append(out.Pickups, p)
			}
		}
	}
	return out
}
