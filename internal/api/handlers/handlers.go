// Package handlers implements the triage HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agentoven/triage/internal/capabilities"
	"github.com/agentoven/triage/internal/executor"
	"github.com/agentoven/triage/internal/feedback"
	"github.com/agentoven/triage/internal/rbac"
	"github.com/agentoven/triage/internal/router"
	"github.com/agentoven/triage/internal/sessions"
	"github.com/agentoven/triage/pkg/middleware"
	"github.com/agentoven/triage/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds the components the API exposes.
type Handlers struct {
	Executor  *executor.Executor
	Router    *router.Engine
	Sessions  *sessions.Memory
	Feedback  *feedback.Loop
	Gate      *rbac.Gate
	Knowledge *capabilities.KnowledgeBase
}

// ══════════════════════════════════════════════════════════════
// ── Chat ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type chatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// Chat handles POST /api/v1/chat
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.Executor.RunTurn(r.Context(), models.Query{
		Text:      req.Query,
		Role:      middleware.RoleFrom(r.Context()),
		SessionID: strings.TrimSpace(req.SessionID),
	})
	switch {
	case errors.Is(err, executor.ErrEmptyQuery):
		respondError(w, http.StatusBadRequest, "query is required")
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "turn could not start before the request ended")
		return
	case err != nil:
		log.Error().Err(err).Msg("Turn failed to start")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════
// ── Sessions ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GetSession handles GET /api/v1/sessions/{sessionId}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.Sessions.Snapshot(chi.URLParam(r, "sessionId"))
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/v1/sessions/{sessionId}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	err := h.Sessions.Delete(chi.URLParam(r, "sessionId"))
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, sessions.ErrSessionBusy):
		respondError(w, http.StatusConflict, "session has a turn in progress")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ══════════════════════════════════════════════════════════════
// ── Routing ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type routeRequest struct {
	Query string `json:"query"`
}

// Route handles POST /api/v1/route. It returns the routing decision
// without running a turn.
func (h *Handlers) Route(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	respondJSON(w, http.StatusOK, h.Router.Decide(r.Context(), req.Query, middleware.RoleFrom(r.Context())))
}

// RoutingStats handles GET /api/v1/routing/stats
func (h *Handlers) RoutingStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"router":   h.Router.Stats(),
		"turns":    h.Executor.Stats(),
		"sessions": h.Sessions.Stats(),
	})
}

// ListRules handles GET /api/v1/routing/rules
func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Router.Rules().Specs())
}

// ReplaceRules handles PUT /api/v1/routing/rules
func (h *Handlers) ReplaceRules(w http.ResponseWriter, r *http.Request) {
	var specs []models.OverrideRule
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Router.SaveRules(r.Context(), specs); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, router.ErrInvalidRule) {
			status = http.StatusBadRequest
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, h.Router.Rules().Specs())
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
