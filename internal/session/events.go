package session

import (
	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/handoff"
	"github.com/ashureev/parcel-chat/internal/rules"
)

// EventType names a conversation event pushed to listeners.
type EventType string

// Event types.
const (
	EventSnapshot        EventType = "snapshot"
	EventOptions         EventType = "options"
	EventEscalationOffer EventType = "escalation_offer"
	EventAgentStatus     EventType = "agent_status"
	EventTyping          EventType = "typing"
	EventReset           EventType = "reset"
)

// Event is a UI-facing notification from a conversation.
type Event struct {
	Type     EventType           `json:"type"`
	Messages []domain.Message    `json:"messages,omitempty"`
	Options  *OptionsView        `json:"options,omitempty"`
	Offer    string              `json:"offer,omitempty"`
	Agent    *handoff.Indicators `json:"agent,omitempty"`
}

// OptionView is one selectable option as presented to the customer.
type OptionView struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Icon  string `json:"icon,omitempty"`
	Back  bool   `json:"back,omitempty"`
}

// OptionsView is the option set currently offered. A nil view means no
// options are shown.
type OptionsView struct {
	Key     string       `json:"key"`
	Options []OptionView `json:"options"`
}

// NewOptionsView renders an option set for clients. A nil set gives nil.
func NewOptionsView(set *rules.OptionSet) *OptionsView {
	if set == nil {
		return nil
	}
	v := &OptionsView{Key: set.Key, Options: make([]OptionView, 0, len(set.Nodes))}
	for _, n := range set.Nodes {
		v.Options = append(v.Options, OptionView{ID: n.ID, Label: n.Label, Icon: n.Icon, Back: n.Back})
	}
	return v
}

// View is a point-in-time summary of a conversation.
type View struct {
	ConversationID    string             `json:"conversation_id"`
	Options           *OptionsView       `json:"options"`
	HistoryDepth      int                `json:"history_depth"`
	Greeted           bool               `json:"greeted"`
	EscalationOffered bool               `json:"escalation_offered"`
	Agent             handoff.Indicators `json:"agent"`
}
