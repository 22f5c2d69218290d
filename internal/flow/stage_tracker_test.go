package flow

import (
	"errors"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/models"
)

var allStages = []models.Stage{
	models.StageGreeting, models.StageContextGathering, models.StageAssessment,
	models.StageMatching, models.StageHabitSupport, models.StageClosure,
}

func TestAllowed_EdgeTable(t *testing.T) {
	valid := map[[2]models.Stage]bool{
		{models.StageGreeting, models.StageContextGathering}: true,
		{models.StageContextGathering, models.StageAssessment}: true,
		{models.StageAssessment, models.StageMatching}:        true,
		{models.StageAssessment, models.StageHabitSupport}:    true,
		{models.StageAssessment, models.StageClosure}:         true,
		{models.StageMatching, models.StageHabitSupport}:      true,
		{models.StageMatching, models.StageClosure}:           true,
		{models.StageHabitSupport, models.StageClosure}:       true,
	}
	for _, from := range allStages {
		for _, to := range allStages {
			want := from == to || valid[[2]models.Stage{from, to}]
			if got := Allowed(from, to, models.RiskNone); got != want {
				t.Errorf("Allowed(%s, %s, none) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestAllowed_RiskGatedReturn(t *testing.T) {
	for _, from := range []models.Stage{models.StageMatching, models.StageHabitSupport} {
		if Allowed(from, models.StageAssessment, models.RiskLow) {
			t.Errorf("%s -> assessment allowed at low risk", from)
		}
		if !Allowed(from, models.StageAssessment, models.RiskElevated) {
			t.Errorf("%s -> assessment rejected at elevated risk", from)
		}
		if !Allowed(from, models.StageAssessment, models.RiskCritical) {
			t.Errorf("%s -> assessment rejected at critical risk", from)
		}
	}
	if Allowed(models.StageClosure, models.StageAssessment, models.RiskCritical) {
		t.Error("closure should be terminal")
	}
}

func TestStageTracker_RejectLeavesStateUnchanged(t *testing.T) {
	tr := NewStageTracker(models.StageGreeting)
	err := tr.Transition(TransitionRequest{To: models.StageMatching})
	if !errors.Is(err, models.ErrInvalidStageTransition) {
		t.Fatalf("expected ErrInvalidStageTransition, got %v", err)
	}
	if tr.Current() != models.StageGreeting {
		t.Errorf("stage changed to %s", tr.Current())
	}
}

func TestStageTracker_WalksValidPath(t *testing.T) {
	tr := NewStageTracker("")
	path := []models.Stage{
		models.StageContextGathering, models.StageAssessment, models.StageMatching,
		models.StageHabitSupport, models.StageClosure,
	}
	for _, to := range path {
		if err := tr.Transition(TransitionRequest{To: to}); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if tr.Current() != models.StageClosure {
		t.Errorf("expected closure, got %s", tr.Current())
	}
}

func TestStageTracker_StayIsNoop(t *testing.T) {
	tr := NewStageTracker(models.StageAssessment)
	if err := tr.Transition(TransitionRequest{To: models.StageAssessment}); err != nil {
		t.Errorf("stay request rejected: %v", err)
	}
}

func TestStageTracker_CrisisReturnsToPrior(t *testing.T) {
	for _, from := range allStages {
		tr := NewStageTracker(from)
		tr.EnterCrisis()
		if !tr.InCrisis() || tr.Resumable() != from {
			t.Errorf("%s: unexpected crisis state current=%s resumable=%s", from, tr.Current(), tr.Resumable())
		}
		if err := tr.Transition(TransitionRequest{To: models.StageMatching}); from != models.StageMatching && err == nil {
			t.Errorf("%s: transition out of crisis to a non-prior stage accepted", from)
		}
		if got := tr.ExitCrisis(); got != from {
			t.Errorf("ExitCrisis() = %s, want %s", got, from)
		}
	}
}

func TestStageTracker_TransitionIntoCrisis(t *testing.T) {
	tr := NewStageTracker(models.StageMatching)
	if err := tr.Transition(TransitionRequest{To: models.StageCrisis}); err != nil {
		t.Fatalf("crisis transition rejected: %v", err)
	}
	if err := tr.Transition(TransitionRequest{To: models.StageMatching}); err != nil {
		t.Fatalf("return to prior rejected: %v", err)
	}
	if tr.Current() != models.StageMatching {
		t.Errorf("expected matching, got %s", tr.Current())
	}
}

func TestNewStageTracker_InvalidInitial(t *testing.T) {
	if got := NewStageTracker("bogus").Current(); got != models.StageGreeting {
		t.Errorf("expected greeting, got %s", got)
	}
	if got := NewStageTracker(models.StageCrisis).Current(); got != models.StageGreeting {
		t.Errorf("expected greeting, got %s", got)
	}
}
