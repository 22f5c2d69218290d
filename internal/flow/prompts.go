package flow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Prompt file names inside the prompts directory.
const (
	IntakePromptFile  = "intake.txt"
	ClosurePromptFile = "closure.txt"
	CrisisPromptFile  = "crisis_evaluator.txt"
	HabitPromptFile   = "habit.txt"
)

// Prompts holds the system prompts used by the generative specialists. Empty
// fields mean the built-in default.
type Prompts struct {
	Intake  string
	Closure string
	Crisis  string
	Habit   string
}

// LoadPrompts reads prompt overrides from dir. Missing files keep the
// built-in defaults; an unreadable file is an error.
func LoadPrompts(dir string) (Prompts, error) {
	var p Prompts
	if dir == "" {
		return p, nil
	}
	targets := map[string]*string{
		IntakePromptFile:  &p.Intake,
		ClosurePromptFile: &p.Closure,
		CrisisPromptFile:  &p.Crisis,
		HabitPromptFile:   &p.Habit,
	}
	for name, dst := range targets {
		path := filepath.Join(dir, name)
		content, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			slog.Debug("LoadPrompts: prompt file not present, using default", "file", path)
			continue
		}
		if err != nil {
			slog.Error("LoadPrompts: failed to read prompt file", "file", path, "error", err)
			return Prompts{}, fmt.Errorf("failed to read prompt file %s: %w", path, err)
		}
		*dst = strings.TrimSpace(string(content))
		slog.Info("LoadPrompts: prompt loaded", "file", path, "length", len(*dst))
	}
	return p, nil
}

const defaultIntakePrompt = `You are the intake guide of a mental-health support companion. You are warm, brief and never clinical.
You are not a therapist and you never diagnose.

The conversation moves through stages: greeting, context_gathering, assessment, then matching (support resources),
habit_support (one small daily practice) or closure.
The current stage is given in the first line of the latest user message context.

Reply to the user in at most three sentences, then decide whether the conversation should move on.
Answer with a single JSON object and nothing else:
{"reply": "<your message to the user>", "next": "<stage name or empty to stay>"}`

const defaultClosurePrompt = `You are closing a supportive conversation. Thank the user, summarise in one sentence what they shared
or decided, and remind them they can come back at any time. Keep it under three sentences.
Answer with a single JSON object and nothing else:
{"reply": "<your message to the user>", "next": ""}`
