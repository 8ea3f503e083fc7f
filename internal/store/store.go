// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
)

// ErrNotFound is returned by lookups that match no row where a nil result
// would be ambiguous.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting conversations, agent
// status, trainer records, orders and users.
type Repository interface {
	// AppendMessage writes a message to a conversation log. The store assigns
	// the id, the timestamp and a per-conversation sequence number.
	AppendMessage(ctx context.Context, conversationID string, msg domain.NewMessage) (domain.Message, error)

	// RecentMessages returns up to limit most recent messages in log order
	// (oldest first). limit <= 0 returns the whole log.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	// GetAgentStatus returns the agent status for a conversation. A missing
	// entry is reported as AgentNone.
	GetAgentStatus(ctx context.Context, conversationID string) (domain.AgentStatus, error)

	// SetAgentStatus writes the agent status for a conversation.
	SetAgentStatus(ctx context.Context, conversationID string, status domain.AgentStatus) error

	// AppendTrainerRecord stores a (user message, bot response) pair under
	// the rule key that produced it.
	AppendTrainerRecord(ctx context.Context, conversationID, ruleKey string, rec domain.TrainerRecord) error

	// CleanupTrainerLog removes trainer records older than ttl.
	CleanupTrainerLog(ctx context.Context, ttl time.Duration) (int64, error)

	// FindOrdersByUser returns a user's orders, newest first.
	FindOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)

	// FindOrder returns one order owned by userID, or nil if none matches.
	FindOrder(ctx context.Context, userID, orderID string) (*domain.Order, error)

	// UpsertOrder creates or replaces an order.
	UpsertOrder(ctx context.Context, order *domain.Order) error

	// GetUser retrieves a user by their user ID, or nil if unknown.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
