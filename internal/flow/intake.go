package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Intake defaults.
const (
	DefaultContextTurns  = 3
	DefaultIntakeHistory = 12
)

// IntakeSpecialist greets the user, gathers context, runs the assessment
// conversation and closes the session.
type IntakeSpecialist struct {
	gen           genai.Generator
	prompt        string
	closurePrompt string
	contextTurns  int
}

// NewIntakeSpecialist creates the intake specialist. Empty prompts select the
// built-in defaults.
func NewIntakeSpecialist(gen genai.Generator, prompts Prompts) *IntakeSpecialist {
	s := &IntakeSpecialist{
		gen:           gen,
		prompt:        defaultIntakePrompt,
		closurePrompt: defaultClosurePrompt,
		contextTurns:  DefaultContextTurns,
	}
	if prompts.Intake != "" {
		s.prompt = prompts.Intake
	}
	if prompts.Closure != "" {
		s.closurePrompt = prompts.Closure
	}
	return s
}

// Kind implements Specialist.
func (s *IntakeSpecialist) Kind() models.SpecialistKind { return models.SpecialistIntake }

type intakeReply struct {
	Reply string `json:"reply"`
	Next  string `json:"next"`
}

// Respond implements Specialist.
func (s *IntakeSpecialist) Respond(ctx context.Context, req Request) (Response, error) {
	if s.gen == nil {
		return Response{}, fmt.Errorf("intake: %w", models.ErrUpstreamUnavailable)
	}
	system := s.prompt
	if req.Stage == models.StageClosure {
		system = s.closurePrompt
	}
	system += "\n\nCurrent stage: " + string(req.Stage)

	raw, err := s.gen.Generate(ctx, chatPrompt(system, req.History, DefaultIntakeHistory))
	if err != nil {
		return Response{}, fmt.Errorf("intake reply: %w", err)
	}
	reply := parseIntakeReply(raw)
	if reply.Reply == "" {
		return Response{}, fmt.Errorf("intake reply: empty generation")
	}

	// The model's proposal is only taken when the tracker would accept it.
	next := s.fallbackNext(req)
	if proposed := models.Stage(strings.TrimSpace(reply.Next)); proposed != "" {
		if proposed != models.StageCrisis && Allowed(req.Stage, proposed, req.Risk.Level) {
			next = proposed
		} else {
			slog.Debug("IntakeSpecialist.Respond: ignoring proposed stage", "conversationID", req.ConversationID, "stage", req.Stage, "proposed", proposed)
		}
	}
	slog.Debug("IntakeSpecialist.Respond: replied", "conversationID", req.ConversationID, "stage", req.Stage, "next", next)
	return Response{Text: reply.Reply, Next: next}, nil
}

// fallbackNext is the deterministic progression used when the model does not
// name a stage.
func (s *IntakeSpecialist) fallbackNext(req Request) models.Stage {
	switch req.Stage {
	case models.StageGreeting:
		return models.StageContextGathering
	case models.StageContextGathering:
		if userTurns(req.History) >= s.contextTurns {
			return models.StageAssessment
		}
	case models.StageAssessment:
		switch {
		case hasCue(req.UserText, closureCues...):
			return models.StageClosure
		case hasCue(req.UserText, resourceCues...):
			return models.StageMatching
		case hasCue(req.UserText, habitCues...):
			return models.StageHabitSupport
		}
	}
	return ""
}

// parseIntakeReply reads the JSON reply, falling back to the raw text.
func parseIntakeReply(raw string) intakeReply {
	text := strings.TrimSpace(raw)
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var r intakeReply
		if err := json.Unmarshal([]byte(text[start:end+1]), &r); err == nil && strings.TrimSpace(r.Reply) != "" {
			r.Reply = strings.TrimSpace(r.Reply)
			return r
		}
	}
	return intakeReply{Reply: text}
}

func userTurns(history []models.Turn) int {
	n := 0
	for _, t := range history {
		if t.Role == models.RoleUser {
			n++
		}
	}
	return n
}
