package flow

import (
	"context"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/crisis"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Request is everything a specialist sees for one turn. History includes the
// current user turn as its last entry. Offered is the habit suggestion last
// shown in this conversation, if any.
type Request struct {
	ConversationID string
	UserID         string
	Stage          models.Stage
	UserText       string
	History        []models.Turn
	Tier           models.PrivacyTier
	Risk           models.RiskAssessment
	Offered        *models.HabitSuggestion
}

// Response is a specialist's reply plus the stage it asks to move to. An
// empty Next means stay.
type Response struct {
	Text      string
	Next      models.Stage
	Resources []models.ResourceCandidate
	Habit     *models.HabitSuggestion
	Degraded  bool
}

// Specialist is one behaviour variant selected per turn.
type Specialist interface {
	Kind() models.SpecialistKind
	Respond(ctx context.Context, req Request) (Response, error)
}

// SpecialistFor selects the specialist for a resting stage. Crisis routing is
// decided by the coordinator before this is consulted.
func SpecialistFor(stage models.Stage) models.SpecialistKind {
	switch stage {
	case models.StageMatching:
		return models.SpecialistResource
	case models.StageHabitSupport:
		return models.SpecialistHabit
	case models.StageCrisis:
		return models.SpecialistCrisis
	default:
		return models.SpecialistIntake
	}
}

// chatPrompt converts the turn history into a generation prompt. Turns by
// specialists become assistant messages; system turns are dropped.
func chatPrompt(system string, history []models.Turn, limit int) genai.Prompt {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	p := genai.Prompt{System: system}
	for _, t := range history {
		switch {
		case t.Role == models.RoleUser:
			p.Messages = append(p.Messages, genai.Message{Role: "user", Content: t.Text})
		case strings.HasPrefix(string(t.Role), "specialist:"):
			p.Messages = append(p.Messages, genai.Message{Role: "assistant", Content: t.Text})
		}
	}
	return p
}

// recentUserText joins the last n user turns, oldest first.
func recentUserText(history []models.Turn, n int) string {
	var parts []string
	for i := len(history) - 1; i >= 0 && len(parts) < n; i-- {
		if history[i].Role == models.RoleUser {
			parts = append(parts, history[i].Text)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n")
}

// hasCue reports whether text contains any of the phrases as whole words.
func hasCue(text string, phrases ...string) bool {
	norm := " " + crisis.Normalize(text) + " "
	for _, p := range phrases {
		if strings.Contains(norm, " "+p+" ") {
			return true
		}
	}
	return false
}

var (
	closureCues  = []string{"bye", "goodbye", "thats all", "thats it", "im done", "end the chat", "see you"}
	resourceCues = []string{"resource", "resources", "therapist", "counselor", "counsellor", "article", "hotline", "professional", "talk to someone", "find help"}
	habitCues    = []string{"habit", "habits", "routine", "practice", "exercise", "small step", "something to try"}
)
