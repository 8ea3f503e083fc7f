// Package api provides HTTP handlers for the parcel-chat API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/rules"
	"github.com/ashureev/parcel-chat/internal/session"
)

const (
	// MaxMessageLength caps customer and agent message text, in bytes.
	MaxMessageLength = 2000
	maxBodyBytes     = 16 << 10
	lastSeenTimeout  = 5 * time.Second
)

// Repository is the subset of the store the handlers need directly.
type Repository interface {
	Ping(ctx context.Context) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Channels is the message log and agent-status channel surface.
type Channels interface {
	History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	Append(ctx context.Context, conversationID string, msg domain.NewMessage) (domain.Message, error)
	SetStatus(ctx context.Context, conversationID string, status domain.AgentStatus) error
	GetStatus(ctx context.Context, conversationID string) (domain.AgentStatus, error)
	HistoryLimit() int
}

// Sessions hands out running conversations.
type Sessions interface {
	Get(ctx context.Context, userID string) (*session.Conversation, error)
	Len() int
}

// Handler provides common handler utilities.
type Handler struct {
	repo     Repository
	channels Channels
	sessions Sessions
	table    *rules.Table
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo Repository, channels Channels, sessions Sessions, table *rules.Table, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		channels: channels,
		sessions: sessions,
		table:    table,
		logger:   logger,
		now:      time.Now,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// sessionError maps conversation failures to HTTP statuses.
func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrManagerClosed), errors.Is(err, session.ErrStopped):
		Error(w, http.StatusServiceUnavailable, "conversation unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusGatewayTimeout, "request cancelled")
	default:
		Error(w, http.StatusInternalServerError, "conversation failed")
	}
}

// touchUser updates last seen asynchronously with a timeout.
func (h *Handler) touchUser(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
		defer cancel()
		if err := h.repo.UpdateLastSeen(ctx, userID, h.now()); err != nil {
			h.logger.Warn("Failed to update last seen", "user_id", userID, "error", err)
		}
	}()
}
