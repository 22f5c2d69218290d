package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// listHabitsHandler handles GET /users/{userID}/habits
func (s *Server) listHabitsHandler(w http.ResponseWriter, r *http.Request) {
	if s.habits == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("habit support is not configured"))
		return
	}
	userID := chi.URLParam(r, "userID")
	habits, err := s.habits.ListHabits(r.Context(), userID)
	if err != nil {
		writeError(w, "listHabitsHandler", err)
		return
	}
	if habits == nil {
		habits = []models.HabitRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(habits))
}

// checkinHandler handles POST /habits/{id}/checkin
func (s *Server) checkinHandler(w http.ResponseWriter, r *http.Request) {
	if s.habits == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("habit support is not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	var req models.CheckinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.checkinHandler: invalid body", "habitID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	rec, err := s.habits.Checkin(r.Context(), id, req.Confirmed)
	if err != nil {
		writeError(w, "checkinHandler", err)
		return
	}
	slog.Debug("Server.checkinHandler: check-in recorded", "habitID", id, "confirmed", req.Confirmed, "streak", rec.Streak)
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":               "healthy",
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":       int64(time.Since(s.started).Seconds()),
		"active_conversations": s.conversations.ActiveConversations(),
	})
}
