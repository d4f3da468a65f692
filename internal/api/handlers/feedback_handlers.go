package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/agentoven/triage/internal/feedback"
	"github.com/agentoven/triage/pkg/middleware"
	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog/log"
)

// SubmitFeedback handles POST /api/v1/feedback. The response only
// acknowledges receipt.
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var rec models.FeedbackRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rec.UserID == "" {
		if id := middleware.GetIdentity(r.Context()); id != nil {
			rec.UserID = id.Subject
		}
	}

	id, err := h.Feedback.RecordFeedback(r.Context(), rec)
	if err != nil {
		if errors.Is(err, feedback.ErrInvalidFeedback) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to record feedback")
		respondError(w, http.StatusInternalServerError, "failed to record feedback")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":      "received",
		"feedback_id": id,
	})
}

// FeedbackStats handles GET /api/v1/feedback/stats?days=N
func (h *Handlers) FeedbackStats(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(w, r, "days")
	if !ok {
		return
	}
	st, err := h.Feedback.Stats(r.Context(), days)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// RunLearningCycle handles POST /api/v1/learning/run. The corpus is not
// changed; the report lists approved and pending examples.
func (h *Handlers) RunLearningCycle(w http.ResponseWriter, r *http.Request) {
	var opts feedback.CycleOptions
	if !decodeOptional(w, r, &opts) {
		return
	}
	report, err := h.Feedback.RunCycle(r.Context(), opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type ingestRequest struct {
	Options  feedback.CycleOptions     `json:"options"`
	Examples []models.GeneratedExample `json:"examples,omitempty"`
}

// IngestLearned handles POST /api/v1/learning/ingest. Without explicit
// examples it runs a cycle first and ingests what that cycle approved.
func (h *Handlers) IngestLearned(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	resp := map[string]any{}
	generated := req.Examples
	if len(generated) == 0 {
		report, err := h.Feedback.RunCycle(r.Context(), req.Options)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		generated = report.Generated
		resp["cycle"] = report
	}

	res, err := h.Feedback.Ingest(r.Context(), generated, h.Router)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp["ingest"] = res
	respondJSON(w, http.StatusOK, resp)
}

// decodeOptional decodes a JSON body into v, treating an empty body as {}.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// intParam parses a non-negative integer query parameter; absent means 0.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
