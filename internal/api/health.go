package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/parcel-chat/internal/session"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check and rule table endpoints.
type HealthHandler struct {
	*Handler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(base *Handler) *HealthHandler {
	return &HealthHandler{Handler: base}
}

// RegisterHealth registers the health and rules routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Get("/api/rules", h.Rules)
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":        "healthy",
		"checks":        checks,
		"conversations": h.sessions.Len(),
		"rules": map[string]interface{}{
			"bot_name":    h.table.BotName(),
			"option_sets": len(h.table.Sets()),
			"nodes":       h.table.NodeCount(),
			"dangling":    len(h.table.Dangling()),
		},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

type danglingView struct {
	Set     string `json:"set"`
	Node    string `json:"node"`
	Missing string `json:"missing"`
}

// Rules describes the loaded rule table for clients and operators.
func (h *HealthHandler) Rules(w http.ResponseWriter, _ *http.Request) {
	sets := make([]*session.OptionsView, 0, len(h.table.Sets()))
	for _, s := range h.table.Sets() {
		sets = append(sets, session.NewOptionsView(s))
	}
	dangling := make([]danglingView, 0, len(h.table.Dangling()))
	for _, d := range h.table.Dangling() {
		dangling = append(dangling, danglingView{Set: d.SetKey, Node: d.NodeID, Missing: d.Missing})
	}

	initial := ""
	if s := h.table.Initial(); s != nil {
		initial = s.Key
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"bot_name":          h.table.BotName(),
		"greeting":          h.table.Greeting(),
		"initial":           initial,
		"response_delay_ms": h.table.ResponseDelay().Milliseconds(),
		"option_sets":       sets,
		"dangling":          dangling,
	})
}
