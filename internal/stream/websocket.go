package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/identity"
	"github.com/ashureev/parcel-chat/internal/session"
	"github.com/coder/websocket"
)

const (
	writeTimeout     = 5 * time.Second
	maxMessageLength = 2000
	readLimit        = 16 << 10
)

// Sessions hands out running conversations.
type Sessions interface {
	Get(ctx context.Context, userID string) (*session.Conversation, error)
}

// History reads recent messages for the initial frame.
type History interface {
	History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	HistoryLimit() int
}

// Limiter throttles customer messages per user.
type Limiter interface {
	Allow(key string) bool
}

// WebSocketHandler streams conversation events and accepts chat commands.
type WebSocketHandler struct {
	sessions       Sessions
	history        History
	registry       *Registry
	limiter        Limiter
	logger         *slog.Logger
	allowedOrigins []string
	isDev          bool
}

// NewWebSocketHandler creates a new WebSocket handler. Message frames share
// the limiter with the HTTP message route; nil disables throttling.
func NewWebSocketHandler(sessions Sessions, history History, registry *Registry, limiter Limiter, allowedOrigins []string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		sessions:       sessions,
		history:        history,
		registry:       registry,
		limiter:        limiter,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// inbound is a frame sent by the client.
type inbound struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	OptionID string `json:"option_id,omitempty"`
}

// outbound is a frame sent to the client that is not a conversation event.
type outbound struct {
	Type      string           `json:"type"`
	View      *session.View    `json:"view,omitempty"`
	Messages  []domain.Message `json:"messages,omitempty"`
	Requested *bool            `json:"requested,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	h.logger.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conv, err := h.sessions.Get(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to start conversation", "user_id", userID, "error", err)
		http.Error(w, `{"error":"conversation unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was checked above.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.registry.Register(userID, sessionID, ws)
	defer h.registry.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, stopListening := conv.Listen()
	defer stopListening()

	if err := h.sendHello(ctx, ws, conv); err != nil {
		h.logger.Debug("Failed to send initial frame", "error", err, "user_id", userID)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: WebSocket -> conversation.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, conv, identity.DisplayNameFromContext(r.Context()))
	}()

	// Output loop: conversation events -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, events, userID)
	}()

	wg.Wait()
	h.logger.Info("Chat stream ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *WebSocketHandler) sendHello(ctx context.Context, ws *websocket.Conn, conv *session.Conversation) error {
	msgs, err := h.history.History(ctx, conv.ID(), h.history.HistoryLimit())
	if err != nil {
		h.logger.Warn("Failed to read history for stream", "conversation_id", conv.ID(), "error", err)
		msgs = nil
	}
	view := conv.View()
	return h.writeJSON(ctx, ws, outbound{Type: "hello", View: &view, Messages: msgs})
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, conv *session.Conversation, displayName string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "user_id", conv.ID())
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", conv.ID())
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, ws, outbound{Type: "error", Error: "invalid frame"})
			continue
		}

		if err := h.handleFrame(ctx, ws, conv, displayName, msg); err != nil {
			if errors.Is(err, session.ErrStopped) {
				return
			}
			h.reply(ctx, ws, outbound{Type: "error", Error: err.Error()})
		}
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, ws *websocket.Conn, conv *session.Conversation, displayName string, msg inbound) error {
	switch msg.Type {
	case "message":
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return errors.New("text is required")
		}
		if len(text) > maxMessageLength {
			return errors.New("message too long")
		}
		if h.limiter != nil && !h.limiter.Allow(conv.ID()) {
			return errors.New("rate limit exceeded")
		}
		if _, err := conv.SendMessage(ctx, text, displayName); err != nil {
			if errors.Is(err, session.ErrStopped) {
				return err
			}
			h.logger.Error("Failed to append message", "conversation_id", conv.ID(), "error", err)
			return errors.New("failed to send message")
		}
	case "select":
		if !offered(conv.View().Options, msg.OptionID) {
			return errors.New("option not offered")
		}
		return conv.Select(ctx, msg.OptionID)
	case "back":
		return conv.Back(ctx)
	case "reset":
		return conv.Reset(ctx)
	case "end":
		return conv.End(ctx)
	case "escalate":
		requested, err := conv.Escalate(ctx)
		if err != nil {
			return errors.New("escalation unavailable")
		}
		h.reply(ctx, ws, outbound{Type: "escalation", Requested: &requested})
	case "ping":
		if err := conv.Ping(ctx); err != nil {
			return err
		}
		h.reply(ctx, ws, outbound{Type: "pong"})
	default:
		return errors.New("unknown frame type")
	}
	return nil
}

func offered(v *session.OptionsView, optionID string) bool {
	if v == nil {
		return false
	}
	for _, o := range v.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, events <-chan session.Event, userID string) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				h.logger.Debug("Conversation stopped, closing stream", "user_id", userID)
				return
			}
			if err := h.writeJSON(ctx, ws, ev); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err, "user_id", userID)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) reply(ctx context.Context, ws *websocket.Conn, v outbound) {
	if err := h.writeJSON(ctx, ws, v); err != nil {
		h.logger.Debug("Failed to send reply", "type", v.Type, "error", err)
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
