// Package handoff mirrors the live-agent status channel of a conversation
// and gates the bot on it.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
)

// StatusWriter writes the agent-status channel.
type StatusWriter interface {
	SetStatus(ctx context.Context, conversationID string, status domain.AgentStatus) error
}

// MessageAppender appends to the conversation log.
type MessageAppender interface {
	Append(ctx context.Context, conversationID string, msg domain.NewMessage) (domain.Message, error)
}

// Indicators is what the customer sees of the handoff state.
type Indicators struct {
	Waiting   bool   `json:"waiting"`
	Connected bool   `json:"connected"`
	AgentName string `json:"agent_name,omitempty"`
	// SuppressBot stops automatic replies.
	SuppressBot bool `json:"suppress_bot"`
	// SuppressEscalationOffer hides the "talk to a human" affordance.
	SuppressEscalationOffer bool `json:"suppress_escalation_offer"`
}

// Coordinator tracks one conversation's agent status. It is not safe for
// concurrent use; the owning conversation serializes access.
type Coordinator struct {
	conversationID string
	status         StatusWriter
	log            MessageAppender
	announcement   string
	logger         *slog.Logger
	now            func() time.Time

	current domain.AgentStatus
}

// NewCoordinator creates a coordinator in the AgentNone state.
func NewCoordinator(conversationID string, status StatusWriter, log MessageAppender, announcement string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		conversationID: conversationID,
		status:         status,
		log:            log,
		announcement:   announcement,
		logger:         logger,
		now:            time.Now,
		current:        domain.AgentStatus{State: domain.AgentNone},
	}
}

// Status returns the last observed status.
func (c *Coordinator) Status() domain.AgentStatus { return c.current }

// Indicators derives the customer-facing indicators from the current status.
func (c *Coordinator) Indicators() Indicators {
	return indicatorsFor(c.current)
}

func indicatorsFor(s domain.AgentStatus) Indicators {
	ind := Indicators{
		Waiting:   s.State == domain.AgentWaiting,
		Connected: s.State == domain.AgentConnected,
	}
	if ind.Connected {
		ind.AgentName = s.AgentName
		ind.SuppressBot = true
	}
	// Offering a handoff that is already queued or active is pointless.
	ind.SuppressEscalationOffer = ind.Waiting || ind.Connected
	return ind
}

// Observe applies a status delivered by the channel. It reports whether the
// visible indicators changed.
func (c *Coordinator) Observe(s domain.AgentStatus) (Indicators, bool) {
	if s.State == "" {
		s.State = domain.AgentNone
	}
	if s.State != domain.AgentConnected {
		s.AgentName = ""
	}
	before := c.Indicators()
	if c.current.State != s.State {
		c.logger.Info("Agent status changed",
			"conversation_id", c.conversationID,
			"from", c.current.State,
			"to", s.State,
			"agent_name", s.AgentName,
		)
	}
	c.current = s
	after := c.Indicators()
	return after, after != before
}

// ObserveError handles a failed status subscription by falling back to
// AgentNone so the customer keeps automated help.
func (c *Coordinator) ObserveError(err error) (Indicators, bool) {
	c.logger.Warn("Agent status unavailable, falling back to bot",
		"conversation_id", c.conversationID,
		"error", err,
	)
	return c.Observe(domain.AgentStatus{State: domain.AgentNone, UpdatedAt: c.now()})
}

// RequestEscalation queues the conversation for a live agent and announces
// it. It is a no-op while an agent is already waiting or connected and
// reports whether a request was made.
func (c *Coordinator) RequestEscalation(ctx context.Context) (bool, error) {
	if c.current.Active() {
		return false, nil
	}

	waiting := domain.AgentStatus{State: domain.AgentWaiting, UpdatedAt: c.now()}
	if err := c.status.SetStatus(ctx, c.conversationID, waiting); err != nil {
		return false, fmt.Errorf("set waiting status: %w", err)
	}
	c.Observe(waiting)

	if _, err := c.log.Append(ctx, c.conversationID, domain.NewMessage{
		Text:       c.announcement,
		SenderID:   domain.SystemSenderID,
		SenderName: domain.SystemSenderName,
		Kind:       domain.KindSystem,
	}); err != nil {
		return true, fmt.Errorf("append handoff announcement: %w", err)
	}
	return true, nil
}

// End closes any handoff and returns the conversation to the bot.
func (c *Coordinator) End(ctx context.Context) error {
	none := domain.AgentStatus{State: domain.AgentNone, UpdatedAt: c.now()}
	if err := c.status.SetStatus(ctx, c.conversationID, none); err != nil {
		return fmt.Errorf("clear agent status: %w", err)
	}
	c.Observe(none)
	return nil
}
