package domain

import (
	"time"
)

// Well-known sender identities for messages not written by a customer.
const (
	BotSenderID      = "bot"
	SystemSenderID   = "system"
	SystemSenderName = "Support"
	AgentSenderID    = "agent"
)

// MessageKind tells who produced a message.
type MessageKind string

const (
	// KindUser is a message typed or tapped by the customer.
	KindUser MessageKind = "user"
	// KindBot is an automatic reply from the rule-based responder.
	KindBot MessageKind = "bot"
	// KindAgent is a message written by a live agent.
	KindAgent MessageKind = "agent"
	// KindSystem is an announcement such as a handoff notice.
	KindSystem MessageKind = "system"
)

// Message is one immutable entry in a conversation log.
// Messages are ordered by Timestamp, ties broken by Seq (insertion order).
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Text           string      `json:"text"`
	Timestamp      time.Time   `json:"timestamp"`
	Seq            int64       `json:"seq"`
	SenderID       string      `json:"sender_id"`
	SenderName     string      `json:"sender_name"`
	Kind           MessageKind `json:"kind"`
}

// NewMessage is the payload for appending to a conversation log.
// The log assigns ID, Timestamp and Seq.
type NewMessage struct {
	Text       string      `json:"text"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	Kind       MessageKind `json:"kind"`
}

// Before reports whether m sorts before other in log order.
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.Seq < other.Seq
}

// LatestFrom returns the latest message in msgs sent by senderID.
func LatestFrom(msgs []Message, senderID string) (Message, bool) {
	var (
		latest Message
		found  bool
	)
	for _, m := range msgs {
		if m.SenderID != senderID {
			continue
		}
		if !found || latest.Before(m) {
			latest = m
			found = true
		}
	}
	return latest, found
}
