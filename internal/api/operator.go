package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/parcel-chat/internal/domain"
	"github.com/ashureev/parcel-chat/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// OperatorHandler serves the agent console: it drives the agent-status
// channel and posts agent messages into a customer's conversation.
type OperatorHandler struct {
	*Handler
	token string
}

// NewOperatorHandler creates the operator handler. Requests must carry
// token as a bearer credential; an empty token leaves the routes open and
// is only accepted in development.
func NewOperatorHandler(base *Handler, token string) *OperatorHandler {
	return &OperatorHandler{Handler: base, token: token}
}

// RegisterRoutes registers the operator routes behind the bearer check.
func (h *OperatorHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/operator/conversations/{conversationID}", func(r chi.Router) {
		r.Use(middleware.BearerToken(h.token))
		r.Get("/status", h.GetStatus)
		r.Put("/status", h.SetStatus)
		r.Post("/messages", h.PostMessage)
	})
}

type setStatusRequest struct {
	State     string `json:"state"`
	AgentName string `json:"agent_name"`
}

type agentMessageRequest struct {
	Text      string `json:"text"`
	AgentName string `json:"agent_name"`
}

// GetStatus returns the conversation's agent status.
func (h *OperatorHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	status, err := h.channels.GetStatus(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to read agent status", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	JSON(w, http.StatusOK, status)
}

// SetStatus writes the agent status. The customer's conversation reacts
// through its status subscription.
func (h *OperatorHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	state, err := domain.ParseAgentState(strings.TrimSpace(req.State))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	status := domain.AgentStatus{
		State:     state,
		AgentName: strings.TrimSpace(req.AgentName),
		UpdatedAt: h.now().UTC(),
	}
	if state == domain.AgentNone {
		status.AgentName = ""
	}
	if err := h.channels.SetStatus(r.Context(), id, status); err != nil {
		h.logger.Error("Failed to set agent status", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to set status")
		return
	}
	h.logger.Info("Agent status updated", "conversation_id", id, "status", state, "agent_name", status.AgentName)
	JSON(w, http.StatusOK, status)
}

// PostMessage appends a live agent's message.
func (h *OperatorHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	var req agentMessageRequest
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
	name := strings.TrimSpace(req.AgentName)
	if name == "" {
		name = "Agent"
	}

	msg, err := h.channels.Append(r.Context(), id, domain.NewMessage{
		Text:       text,
		SenderID:   domain.AgentSenderID,
		SenderName: name,
		Kind:       domain.KindAgent,
	})
	if err != nil {
		h.logger.Error("Failed to append agent message", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	JSON(w, http.StatusCreated, msg)
}
