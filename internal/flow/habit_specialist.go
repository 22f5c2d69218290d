package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/habit"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// habitContextTurns is how many recent user turns inform a proposal.
const habitContextTurns = 4

var (
	missedCues = []string{"missed", "didnt", "did not", "havent", "have not", "forgot", "skipped", "couldnt", "could not"}
	doneCues   = []string{"did it", "done", "completed", "finished", "managed"}
	acceptCues = []string{"yes", "sure", "ok", "okay", "sounds good", "lets do it", "ill try", "ill do it", "adopt"}
)

// HabitSpecialist proposes micro-habits, adopts accepted ones and records
// check-ins reported in conversation.
type HabitSpecialist struct {
	engine *habit.Engine
}

// NewHabitSpecialist creates the habit specialist.
func NewHabitSpecialist(engine *habit.Engine) *HabitSpecialist {
	return &HabitSpecialist{engine: engine}
}

// Kind implements Specialist.
func (s *HabitSpecialist) Kind() models.SpecialistKind { return models.SpecialistHabit }

// Respond implements Specialist.
func (s *HabitSpecialist) Respond(ctx context.Context, req Request) (Response, error) {
	if hasCue(req.UserText, closureCues...) {
		return Response{Text: "Thank you for working on this with me. Let's wrap up for today.", Next: models.StageClosure}, nil
	}

	habits, err := s.engine.ListHabits(ctx, req.UserID)
	if err != nil {
		return Response{}, err
	}
	if len(habits) > 0 {
		latest := habits[len(habits)-1]
		switch {
		case hasCue(req.UserText, missedCues...):
			return s.checkin(ctx, req, latest, false)
		case hasCue(req.UserText, doneCues...):
			return s.checkin(ctx, req, latest, true)
		}
	}

	// Only the suggestion the user was actually shown can be adopted. Without
	// one a fresh proposal is shown and the user is asked again.
	if req.Offered != nil && hasCue(req.UserText, acceptCues...) && lastReplyBy(req.History, models.RoleSpecialistHabit) {
		rec, err := s.engine.Adopt(ctx, req.UserID, *req.Offered)
		if err != nil {
			return Response{}, err
		}
		slog.Debug("HabitSpecialist.Respond: habit adopted", "conversationID", req.ConversationID, "habitID", rec.ID)
		return Response{
			Text: fmt.Sprintf("Great, I've noted your new habit: %s. Tell me when you've done it and I'll keep track of your streak.", rec.Description),
		}, nil
	}

	userContext := recentUserText(req.History, habitContextTurns)
	suggestion, err := s.engine.Propose(ctx, req.UserID, userContext)
	if err != nil {
		return Response{}, err
	}

	text := "Here's a small step you could try: " + suggestion.Description
	if suggestion.Rationale != "" {
		text += "\n" + suggestion.Rationale
	}
	text += "\nWould you like to make this one of your habits?"
	return Response{Text: text, Habit: &suggestion}, nil
}

func (s *HabitSpecialist) checkin(ctx context.Context, req Request, h models.HabitRecord, confirmed bool) (Response, error) {
	rec, err := s.engine.Checkin(ctx, h.ID, confirmed)
	if err != nil {
		return Response{}, err
	}
	slog.Debug("HabitSpecialist.checkin: recorded", "conversationID", req.ConversationID, "habitID", rec.ID, "confirmed", confirmed, "streak", rec.Streak)
	if !confirmed {
		return Response{Text: fmt.Sprintf("That's okay, missing a day happens. Your streak for \"%s\" starts fresh, and the next check-in counts.", rec.Description)}, nil
	}
	return Response{Text: fmt.Sprintf("Well done! Your streak for \"%s\" is now %d.", rec.Description, rec.Streak)}, nil
}

// lastReplyBy reports whether the most recent non-user turn was written by role.
func lastReplyBy(history []models.Turn, role models.Role) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != models.RoleUser {
			return history[i].Role == role
		}
	}
	return false
}
