// Package protocol defines the status codes, message tags and client
// permissions shared by the simulator and its TCP transport.
package protocol

import "fmt"

// NewClientRequest is the client id a connecting client sends to ask for a
// fresh id.
const NewClientRequest uint64 = 0

// MessageType is the u64 tag that starts every framed message.
type MessageType uint64

const (
	AddAgent MessageType = iota
	AddAgentResponse
	RemoveAgent
	RemoveAgentResponse
	RemoveClient
	AddSemaphore
	AddSemaphoreResponse
	RemoveSemaphore
	RemoveSemaphoreResponse
	SignalSemaphore
	SignalSemaphoreResponse
	GetSemaphores
	GetSemaphoresResponse
	Move
	MoveResponse
	Turn
	TurnResponse
	DoNothing
	DoNothingResponse
	GetMap
	GetMapResponse
	GetAgentIDs
	GetAgentIDsResponse
	GetAgentStates
	GetAgentStatesResponse
	SetActive
	SetActiveResponse
	IsActive
	IsActiveResponse
	StepResponse
)

var messageNames = [...]string{
	"ADD_AGENT", "ADD_AGENT_RESPONSE", "REMOVE_AGENT", "REMOVE_AGENT_RESPONSE",
	"REMOVE_CLIENT", "ADD_SEMAPHORE", "ADD_SEMAPHORE_RESPONSE", "REMOVE_SEMAPHORE",
	"REMOVE_SEMAPHORE_RESPONSE", "SIGNAL_SEMAPHORE", "SIGNAL_SEMAPHORE_RESPONSE",
	"GET_SEMAPHORES", "GET_SEMAPHORES_RESPONSE", "MOVE", "MOVE_RESPONSE", "TURN",
	"TURN_RESPONSE", "DO_NOTHING", "DO_NOTHING_RESPONSE", "GET_MAP", "GET_MAP_RESPONSE",
	"GET_AGENT_IDS", "GET_AGENT_IDS_RESPONSE", "GET_AGENT_STATES",
	"GET_AGENT_STATES_RESPONSE", "SET_ACTIVE", "SET_ACTIVE_RESPONSE", "IS_ACTIVE",
	"IS_ACTIVE_RESPONSE", "STEP_RESPONSE",
}

func (m MessageType) String() string {
	if int(m) < len(messageNames) {
		return messageNames[m]
	}
	return fmt.Sprintf("MessageType(%d)", uint64(m))
}

// IsRequest reports whether m is sent by clients.
func (m MessageType) IsRequest() bool {
	switch m {
	case AddAgent, RemoveAgent, RemoveClient, AddSemaphore, RemoveSemaphore,
		SignalSemaphore, GetSemaphores, Move, Turn, DoNothing, GetMap,
		GetAgentIDs, GetAgentStates, SetActive, IsActive:
		return true
	}
	return false
}

// IsResponse reports whether m is sent by the server.
func (m MessageType) IsResponse() bool {
	return m <= StepResponse && !m.IsRequest()
}
