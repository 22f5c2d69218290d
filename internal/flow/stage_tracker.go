package flow

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// edges is the allowed forward edge set. Risk-gated returns to assessment
// are handled in Allowed.
var edges = map[models.Stage][]models.Stage{
	models.StageGreeting:         {models.StageContextGathering},
	models.StageContextGathering: {models.StageAssessment},
	models.StageAssessment:       {models.StageMatching, models.StageHabitSupport, models.StageClosure},
	models.StageMatching:         {models.StageHabitSupport, models.StageClosure},
	models.StageHabitSupport:     {models.StageClosure},
}

// TransitionRequest is a proposed stage change. Risk is the level of the
// turn that produced the request.
type TransitionRequest struct {
	To   models.Stage
	Risk models.RiskLevel
}

// Allowed reports whether from -> to is a valid edge for a request carrying risk.
func Allowed(from, to models.Stage, risk models.RiskLevel) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}
	if to == models.StageCrisis {
		return true
	}
	if from == models.StageCrisis {
		return false
	}
	if to == models.StageAssessment && (from == models.StageMatching || from == models.StageHabitSupport) {
		return risk.AtLeast(models.RiskElevated)
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StageTracker is the finite state machine over conversation stages. It is
// not safe for concurrent use; the coordinator serializes access per conversation.
type StageTracker struct {
	current models.Stage
	prior   models.Stage
}

// NewStageTracker creates a tracker at initial, or greeting when initial is invalid.
func NewStageTracker(initial models.Stage) *StageTracker {
	if !initial.IsValid() || initial == models.StageCrisis {
		initial = models.StageGreeting
	}
	return &StageTracker{current: initial}
}

// Current returns the current stage.
func (t *StageTracker) Current() models.Stage {
	return t.current
}

// InCrisis reports whether the tracker is in the crisis pseudo-state.
func (t *StageTracker) InCrisis() bool {
	return t.current == models.StageCrisis
}

// Resumable returns the stage the conversation is in outside of crisis handling.
func (t *StageTracker) Resumable() models.Stage {
	if t.InCrisis() {
		return t.prior
	}
	return t.current
}

// Transition validates req against the edge set and applies it. A rejected
// request leaves the state unchanged and returns ErrInvalidStageTransition.
func (t *StageTracker) Transition(req TransitionRequest) error {
	from := t.current
	switch {
	case req.To == from:
		return nil
	case req.To == models.StageCrisis:
		t.EnterCrisis()
		return nil
	case from == models.StageCrisis && req.To == t.prior:
		t.ExitCrisis()
		return nil
	}
	if !Allowed(from, req.To, req.Risk) {
		metrics.StageTransitions.WithLabelValues(string(from), string(req.To), "rejected").Inc()
		slog.Warn("StageTracker.Transition: rejected", "from", from, "to", req.To, "risk", req.Risk)
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidStageTransition, from, req.To)
	}
	t.current = req.To
	metrics.StageTransitions.WithLabelValues(string(from), string(req.To), "applied").Inc()
	slog.Debug("StageTracker.Transition: applied", "from", from, "to", req.To)
	return nil
}

// EnterCrisis moves into the crisis pseudo-state, remembering the prior stage.
func (t *StageTracker) EnterCrisis() {
	if t.InCrisis() {
		return
	}
	t.prior = t.current
	t.current = models.StageCrisis
	metrics.StageTransitions.WithLabelValues(string(t.prior), string(models.StageCrisis), "applied").Inc()
}

// ExitCrisis returns to the stage held before crisis handling.
func (t *StageTracker) ExitCrisis() models.Stage {
	if !t.InCrisis() {
		return t.current
	}
	t.current = t.prior
	t.prior = ""
	metrics.StageTransitions.WithLabelValues(string(models.StageCrisis), string(t.current), "applied").Inc()
	return t.current
}
