package protocol

// Permissions controls which requests a client may issue.
type Permissions struct {
	AddAgent         bool `yaml:"add_agent" json:"add_agent"`
	RemoveAgent      bool `yaml:"remove_agent" json:"remove_agent"`
	RemoveClient     bool `yaml:"remove_client" json:"remove_client"`
	SetActive        bool `yaml:"set_active" json:"set_active"`
	GetMap           bool `yaml:"get_map" json:"get_map"`
	GetAgentIDs      bool `yaml:"get_agent_ids" json:"get_agent_ids"`
	GetAgentStates   bool `yaml:"get_agent_states" json:"get_agent_states"`
	ManageSemaphores bool `yaml:"manage_semaphores" json:"manage_semaphores"`
	GetSemaphores    bool `yaml:"get_semaphores" json:"get_semaphores"`
}

func GrantAll() Permissions {
	return Permissions{
		AddAgent:         true,
		RemoveAgent:      true,
		RemoveClient:     true,
		SetActive:        true,
		GetMap:           true,
		GetAgentIDs:      true,
		GetAgentStates:   true,
		ManageSemaphores: true,
		GetSemaphores:    true,
	}
}

func DenyAll() Permissions { return Permissions{} }

// Bits returns the flags in wire order.
func (p Permissions) Bits() [9]bool {
	return [9]bool{p.AddAgent, p.RemoveAgent, p.RemoveClient, p.SetActive, p.GetMap,
		p.GetAgentIDs, p.GetAgentStates, p.ManageSemaphores, p.GetSemaphores}
}

// PermissionsFromBits is the inverse of Bits.
func PermissionsFromBits(b [9]bool) Permissions {
	return Permissions{
		AddAgent:         b[0],
		RemoveAgent:      b[1],
		RemoveClient:     b[2],
		SetActive:        b[3],
		GetMap:           b[4],
		GetAgentIDs:      b[5],
		GetAgentStates:   b[6],
		ManageSemaphores: b[7],
		GetSemaphores:    b[8],
	}
}
