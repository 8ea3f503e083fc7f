package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/parcel-chat/internal/identity"
	"github.com/ashureev/parcel-chat/internal/session"
	"github.com/go-chi/chi/v5"
)

// ChatHandler serves the customer side of a conversation. The conversation
// id is the caller's user id.
type ChatHandler struct {
	*Handler
	limiter *RateLimiter
}

// NewChatHandler creates the customer chat handler. A nil limiter disables
// throttling.
func NewChatHandler(base *Handler, limiter *RateLimiter) *ChatHandler {
	return &ChatHandler{Handler: base, limiter: limiter}
}

// RegisterRoutes registers the chat routes. Identity middleware must run
// before them.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/messages", h.Messages)
		if h.limiter != nil {
			r.With(h.limiter.Middleware).Post("/messages", h.PostMessage)
		} else {
			r.Post("/messages", h.PostMessage)
		}
		r.Post("/options/{optionID}", h.SelectOption)
		r.Post("/back", h.Back)
		r.Post("/reset", h.Reset)
		r.Post("/escalate", h.Escalate)
		r.Post("/end", h.End)
		r.Get("/state", h.State)
	})
}

type postMessageRequest struct {
	Text string `json:"text"`
}

// conversation resolves the caller's running conversation, writing an error
// response when it cannot.
func (h *ChatHandler) conversation(w http.ResponseWriter, r *http.Request) (*session.Conversation, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	conv, err := h.sessions.Get(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to start conversation", "user_id", userID, "error", err)
		sessionError(w, err)
		return nil, false
	}
	return conv, true
}

// Messages returns the most recent messages, oldest first.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := h.channels.HistoryLimit()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}

	msgs, err := h.channels.History(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to read history", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": userID,
		"messages":        msgs,
	})
}

// PostMessage appends a customer message. The bot answers asynchronously
// through the message stream.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}
	if len(text) > MaxMessageLength {
		Error(w, http.StatusRequestEntityTooLarge, "message too long")
		return
	}

	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	name := identity.DisplayNameFromContext(r.Context())
	msg, err := conv.SendMessage(r.Context(), text, name)
	if errors.Is(err, session.ErrStopped) {
		// Retired by the idle reaper between Get and send; start a fresh one.
		if conv, ok = h.conversation(w, r); !ok {
			return
		}
		msg, err = conv.SendMessage(r.Context(), text, name)
	}
	if err != nil {
		h.logger.Error("Failed to append message", "conversation_id", conv.ID(), "error", err)
		if errors.Is(err, session.ErrStopped) {
			sessionError(w, err)
			return
		}
		Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	h.touchUser(conv.ID())
	JSON(w, http.StatusCreated, msg)
}

// SelectOption taps an option of the currently offered set.
func (h *ChatHandler) SelectOption(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if !offered(conv.View().Options, optionID) {
		Error(w, http.StatusNotFound, "option not offered")
		return
	}
	if err := conv.Select(r.Context(), optionID); err != nil {
		sessionError(w, err)
		return
	}
	h.touchUser(conv.ID())
	JSON(w, http.StatusOK, conv.View())
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

// Back returns to the previous option set.
func (h *ChatHandler) Back(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if err := conv.Back(r.Context()); err != nil {
		sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, conv.View())
}

// Reset starts the conversation over.
func (h *ChatHandler) Reset(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if err := conv.Reset(r.Context()); err != nil {
		sessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, conv.View())
}

// Escalate asks for a live agent.
func (h *ChatHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	requested, err := conv.Escalate(r.Context())
	if err != nil {
		h.logger.Warn("Escalation failed", "conversation_id", conv.ID(), "error", err)
		Error(w, http.StatusServiceUnavailable, "escalation unavailable")
		return
	}
	view := conv.View()
	JSON(w, http.StatusOK, map[string]interface{}{
		"requested": requested,
		"agent":     view.Agent,
	})
}

// End closes the handoff and resets the conversation.
func (h *ChatHandler) End(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if err := conv.End(r.Context()); err != nil {
		h.logger.Warn("End chat failed", "conversation_id", conv.ID(), "error", err)
		Error(w, http.StatusServiceUnavailable, "failed to end chat")
		return
	}
	JSON(w, http.StatusOK, conv.View())
}

// State returns the conversation summary.
func (h *ChatHandler) State(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, conv.View())
}
