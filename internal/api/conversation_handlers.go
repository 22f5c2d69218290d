package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// createConversationResult is returned by POST /conversations.
type createConversationResult struct {
	ConversationID string       `json:"conversation_id"`
	Stage          models.Stage `json:"stage"`
}

// createConversationHandler handles POST /conversations
func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.createConversationHandler: invalid body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createConversationHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	tier, _ := models.ParsePrivacyTier(req.PrivacyTier)

	sum, err := s.conversations.StartConversation(r.Context(), req.UserID, tier)
	if err != nil {
		writeError(w, "createConversationHandler", err)
		return
	}
	slog.Info("Server.createConversationHandler: conversation created", "conversationID", sum.ConversationID, "tier", tier)
	writeJSONResponse(w, http.StatusCreated, models.Success(createConversationResult{
		ConversationID: sum.ConversationID,
		Stage:          sum.Stage,
	}))
}

// getConversationHandler handles GET /conversations/{id}
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sum, err := s.conversations.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, "getConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sum))
}

// turnHandler handles POST /conversations/{id}/turns
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.turnHandler: invalid body", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, "turnHandler", err)
		return
	}

	res, err := s.conversations.HandleTurn(r.Context(), id, req.Text)
	if err != nil {
		writeError(w, "turnHandler", err)
		return
	}

	switch {
	case res.TimedOut:
		writeJSONResponse(w, http.StatusOK, models.Degraded("turn timed out", res))
	case res.Degraded:
		writeJSONResponse(w, http.StatusOK, models.Degraded("upstream capability degraded", res))
	default:
		writeJSONResponse(w, http.StatusOK, models.Success(res))
	}
}

// closeConversationHandler handles DELETE /conversations/{id}
func (s *Server) closeConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.conversations.CloseConversation(r.Context(), id); err != nil {
		writeError(w, "closeConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.NewAPIResponseBuilder().
		WithStatus(models.APIStatusOK).
		WithMessage("conversation closed").
		Build())
}
