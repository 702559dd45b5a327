package protocol

import "fmt"

// Status is the u8 result code of every simulator operation.
type Status uint8

const (
	OK Status = iota
	OutOfMemory
	InvalidAgentID
	PermissionError
	AgentAlreadyActed
	AgentAlreadyExists
	ServerParseMessageError
	ClientParseMessageError
	ServerOutOfMemory
	ClientOutOfMemory
	InvalidSemaphoreID
	SemaphoreAlreadySignaled
)

var statusNames = [...]string{
	"OK", "OUT_OF_MEMORY", "INVALID_AGENT_ID", "PERMISSION_ERROR",
	"AGENT_ALREADY_ACTED", "AGENT_ALREADY_EXISTS", "SERVER_PARSE_MESSAGE_ERROR",
	"CLIENT_PARSE_MESSAGE_ERROR", "SERVER_OUT_OF_MEMORY", "CLIENT_OUT_OF_MEMORY",
	"INVALID_SEMAPHORE_ID", "SEMAPHORE_ALREADY_SIGNALED",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

func (s Status) IsKnown() bool { return int(s) < len(statusNames) }

// Error lets a non-OK status travel as an error.
func (s Status) Error() string { return s.String() }

// Err returns nil for OK and s otherwise.
func (s Status) Err() error {
	if s == OK {
		return nil
	}
	return s
}

// OverWire maps a local allocation failure to the code the peer should see.
func (s Status) OverWire() Status {
	if s == OutOfMemory {
		return ServerOutOfMemory
	}
	return s
}
