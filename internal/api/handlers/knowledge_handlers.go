package handlers

import (
	"net/http"
	"strings"

	"github.com/agentoven/triage/pkg/middleware"
	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog/log"
)

// SearchKnowledge handles GET /api/v1/knowledge/search?q=...&top_k=N.
// The caller's role must be allowed document retrieval.
func (h *Handlers) SearchKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.Knowledge == nil {
		respondError(w, http.StatusServiceUnavailable, "knowledge base not configured")
		return
	}
	pd := h.Gate.Authorize(middleware.RoleFrom(r.Context()), models.CapabilityRetrieval)
	if !pd.Allowed {
		respondError(w, http.StatusForbidden, pd.Reason)
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	topK, ok := intParam(w, r, "top_k")
	if !ok {
		return
	}
	if topK == 0 {
		topK = 5
	}

	hits, err := h.Knowledge.Search(r.Context(), q, min(topK, 20))
	if err != nil {
		log.Error().Err(err).Msg("Knowledge search failed")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"results": hits,
	})
}

// ReloadKnowledge handles POST /api/v1/knowledge/reload
func (h *Handlers) ReloadKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.Knowledge == nil {
		respondError(w, http.StatusServiceUnavailable, "knowledge base not configured")
		return
	}
	if err := h.Knowledge.Load(r.Context()); err != nil {
		log.Error().Err(err).Msg("Knowledge base reload failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"chunks": h.Knowledge.Len()})
}
