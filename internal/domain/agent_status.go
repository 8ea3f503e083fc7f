package domain

import (
	"fmt"
	"time"
)

// AgentState is the presence of a live agent on a conversation.
type AgentState string

const (
	// AgentNone means the bot is in control.
	AgentNone AgentState = "none"
	// AgentWaiting means the customer asked for a human and is queued.
	AgentWaiting AgentState = "waiting"
	// AgentConnected means a human agent has taken over.
	AgentConnected AgentState = "connected"
)

// ParseAgentState converts a wire value into an AgentState.
// The empty string is treated as AgentNone.
func ParseAgentState(s string) (AgentState, error) {
	switch AgentState(s) {
	case "", AgentNone:
		return AgentNone, nil
	case AgentWaiting:
		return AgentWaiting, nil
	case AgentConnected:
		return AgentConnected, nil
	default:
		return AgentNone, fmt.Errorf("unknown agent state %q", s)
	}
}

// AgentStatus is a snapshot of the agent-status channel for one conversation.
type AgentStatus struct {
	State     AgentState `json:"state"`
	AgentName string     `json:"agent_name,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Active reports whether a human is waiting or connected.
func (s AgentStatus) Active() bool {
	return s.State == AgentWaiting || s.State == AgentConnected
}
