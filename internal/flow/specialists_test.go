package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/retrieval"
	"github.com/BTreeMap/CarePipe/internal/testutil"
	"github.com/BTreeMap/CarePipe/internal/websearch"
)

func history(texts ...string) []models.Turn {
	var out []models.Turn
	for i, text := range texts {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleSpecialistIntake
		}
		out = append(out, models.Turn{Role: role, Text: text, Timestamp: time.Unix(int64(i), 0)})
	}
	return out
}

func TestSpecialistFor(t *testing.T) {
	tests := map[models.Stage]models.SpecialistKind{
		models.StageGreeting:         models.SpecialistIntake,
		models.StageContextGathering: models.SpecialistIntake,
		models.StageAssessment:       models.SpecialistIntake,
		models.StageMatching:         models.SpecialistResource,
		models.StageHabitSupport:     models.SpecialistHabit,
		models.StageClosure:          models.SpecialistIntake,
		models.StageCrisis:           models.SpecialistCrisis,
	}
	for stage, want := range tests {
		if got := SpecialistFor(stage); got != want {
			t.Errorf("SpecialistFor(%s) = %s, want %s", stage, got, want)
		}
	}
}

func TestHasCue(t *testing.T) {
	tests := []struct {
		text string
		cues []string
		want bool
	}{
		{"Okay, I'm done for today", closureCues, true},
		{"I'm DONE!", closureCues, true},
		{"abandoned", closureCues, false},
		{"Can you find a therapist near me?", resourceCues, true},
		{"therapists", []string{"therapist"}, false},
		{"I want a small step", habitCues, true},
		{"That’s all", closureCues, true},
	}
	for _, tt := range tests {
		if got := hasCue(tt.text, tt.cues...); got != tt.want {
			t.Errorf("hasCue(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestChatPrompt(t *testing.T) {
	h := append(history("one", "reply", "two"), models.Turn{Role: models.RoleSystem, Text: "internal"})
	p := chatPrompt("sys", h, 0)
	if p.System != "sys" || len(p.Messages) != 3 {
		t.Fatalf("unexpected prompt %+v", p)
	}
	if p.Messages[1].Role != "assistant" || p.Messages[2].Content != "two" {
		t.Errorf("unexpected messages %+v", p.Messages)
	}
	if p := chatPrompt("sys", h, 2); len(p.Messages) != 1 || p.Messages[0].Content != "two" {
		t.Errorf("limit not applied: %+v", p.Messages)
	}
}

func TestRecentUserText(t *testing.T) {
	h := history("a", "x", "b", "y", "c", "z", "d")
	if got := recentUserText(h, 3); got != "b\nc\nd" {
		t.Errorf("recentUserText = %q", got)
	}
	if got := recentUserText(nil, 3); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestParseIntakeReply(t *testing.T) {
	tests := []struct {
		raw       string
		wantReply string
		wantNext  string
	}{
		{`{"reply":"Hello","next":"context_gathering"}`, "Hello", "context_gathering"},
		{"```json\n{\"reply\":\" Hi \",\"next\":\"\"}\n```", "Hi", ""},
		{"Just plain text", "Just plain text", ""},
		{`{"reply":"","next":"assessment"}`, `{"reply":"","next":"assessment"}`, ""},
	}
	for _, tt := range tests {
		got := parseIntakeReply(tt.raw)
		if got.Reply != tt.wantReply || got.Next != tt.wantNext {
			t.Errorf("parseIntakeReply(%q) = %+v", tt.raw, got)
		}
	}
}

func TestIntakeSpecialist_Next(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		stage models.Stage
		hist  []models.Turn
		text  string
		want  models.Stage
	}{
		{"greeting advances", `{"reply":"hi"}`, models.StageGreeting, history("hi"), "hi", models.StageContextGathering},
		{"context needs three turns", `{"reply":"go on"}`, models.StageContextGathering, history("a", "r", "b"), "b", ""},
		{"context complete", `{"reply":"thanks"}`, models.StageContextGathering, history("a", "r", "b", "r", "c"), "c", models.StageAssessment},
		{"resource cue", `{"reply":"ok"}`, models.StageAssessment, history("find me a therapist"), "find me a therapist", models.StageMatching},
		{"habit cue", `{"reply":"ok"}`, models.StageAssessment, history("maybe a new habit"), "maybe a new habit", models.StageHabitSupport},
		{"closure cue", `{"reply":"ok"}`, models.StageAssessment, history("thats all, bye"), "thats all, bye", models.StageClosure},
		{"model proposal wins", `{"reply":"ok","next":"matching"}`, models.StageAssessment, history("hmm"), "hmm", models.StageMatching},
		{"crisis proposal ignored", `{"reply":"ok","next":"crisis"}`, models.StageGreeting, history("hi"), "hi", models.StageContextGathering},
		{"invalid proposal ignored", `{"reply":"ok","next":"somewhere"}`, models.StageAssessment, history("hmm"), "hmm", ""},
		{"skipping ahead falls back", `{"reply":"ok","next":"assessment"}`, models.StageGreeting, history("hi"), "hi", models.StageContextGathering},
		{"unreachable stage falls back", `{"reply":"ok","next":"habit_support"}`, models.StageContextGathering, history("a"), "a", ""},
		{"staying is allowed", `{"reply":"ok","next":"context_gathering"}`, models.StageContextGathering, history("a", "r", "b", "r", "c"), "c", models.StageContextGathering},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewIntakeSpecialist(testutil.NewStaticGenerator(tt.reply), Prompts{})
			resp, err := s.Respond(context.Background(), Request{Stage: tt.stage, History: tt.hist, UserText: tt.text})
			if err != nil {
				t.Fatalf("Respond: %v", err)
			}
			if resp.Next != tt.want {
				t.Errorf("next = %q, want %q", resp.Next, tt.want)
			}
		})
	}
}

func TestIntakeSpecialist_Prompts(t *testing.T) {
	gen := testutil.NewStaticGenerator(`{"reply":"bye"}`)
	s := NewIntakeSpecialist(gen, Prompts{Closure: "custom closure"})
	if _, err := s.Respond(context.Background(), Request{Stage: models.StageClosure, History: history("bye")}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	sys := gen.Prompts()[0].System
	if !strings.HasPrefix(sys, "custom closure") || !strings.Contains(sys, "Current stage: closure") {
		t.Errorf("unexpected system prompt %q", sys)
	}
}

func TestIntakeSpecialist_Failures(t *testing.T) {
	if _, err := NewIntakeSpecialist(nil, Prompts{}).Respond(context.Background(), Request{}); !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
	failing := NewIntakeSpecialist(testutil.NewFailingGenerator(&genai.DegradedError{Op: "generate", Attempts: 3, Kind: models.ErrUpstreamTimeout, Err: context.DeadlineExceeded}), Prompts{})
	if _, err := failing.Respond(context.Background(), Request{History: history("hi")}); !models.IsUpstreamFailure(err) {
		t.Errorf("expected upstream failure, got %v", err)
	}
	empty := NewIntakeSpecialist(testutil.NewStaticGenerator("   "), Prompts{})
	if _, err := empty.Respond(context.Background(), Request{History: history("hi")}); err == nil {
		t.Error("expected error for empty generation")
	}
}

func TestCrisisSpecialist_FallbackHotline(t *testing.T) {
	resp, err := NewCrisisSpecialist(nil).Respond(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(resp.Resources) != 1 || resp.Resources[0].ID != fallbackHotline.ID {
		t.Errorf("unexpected resources %+v", resp.Resources)
	}
	if !strings.HasPrefix(resp.Text, DefaultCrisisMessage) || !strings.Contains(resp.Text, "988") {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if resp.Next != "" {
		t.Errorf("crisis specialist must not request transitions, got %q", resp.Next)
	}
}

func TestResourceSpecialist_EmbedFailureIsDegraded(t *testing.T) {
	emb := testutil.NewKeywordEmbedder(testVocab...)
	emb.Err = models.ErrUpstreamUnavailable
	search := &fakeSearcher{results: []websearch.Result{{Title: "Sleep tips", URL: "https://example.org/sleep"}}}
	s := NewResourceSpecialist(retrieval.NewMatcher(retrieval.NewIndex(testCatalog()), emb, retrieval.MatcherConfig{}), search)

	resp, err := s.Respond(context.Background(), Request{UserText: "sleep", History: history("sleep")})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !resp.Degraded || len(resp.Resources) != 1 || !resp.Resources[0].LowerTrust {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestResourceSpecialist_NoFallback(t *testing.T) {
	s := NewResourceSpecialist(retrieval.NewMatcher(retrieval.NewIndex(nil), testutil.NewKeywordEmbedder(testVocab...), retrieval.MatcherConfig{}), nil)
	resp, err := s.Respond(context.Background(), Request{UserText: "work stress", History: history("work stress")})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(resp.Resources) != 0 || resp.Degraded {
		t.Errorf("unexpected response %+v", resp)
	}

	search := &fakeSearcher{err: errors.New("search down")}
	s = NewResourceSpecialist(retrieval.NewMatcher(retrieval.NewIndex(nil), testutil.NewKeywordEmbedder(testVocab...), retrieval.MatcherConfig{}), search)
	resp, err = s.Respond(context.Background(), Request{UserText: "work stress", History: history("work stress")})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !resp.Degraded || len(resp.Resources) != 0 {
		t.Errorf("search failure not reported as degraded: %+v", resp)
	}
}

func TestResourceSpecialist_Next(t *testing.T) {
	s := NewResourceSpecialist(retrieval.NewMatcher(retrieval.NewIndex(testCatalog()), testutil.NewKeywordEmbedder(testVocab...), retrieval.MatcherConfig{}), nil)
	resp, err := s.Respond(context.Background(), Request{UserText: "ok bye", History: history("ok bye")})
	if err != nil || resp.Next != models.StageClosure {
		t.Errorf("closure cue: %+v %v", resp, err)
	}
	resp, err = s.Respond(context.Background(), Request{UserText: "sleep, and maybe a routine", History: history("sleep, and maybe a routine")})
	if err != nil || resp.Next != models.StageHabitSupport || len(resp.Resources) == 0 {
		t.Errorf("habit cue: %+v %v", resp, err)
	}
}

func TestLoadPrompts(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IntakePromptFile), []byte("  custom intake \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPrompts(dir)
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	if p.Intake != "custom intake" || p.Closure != "" || p.Crisis != "" || p.Habit != "" {
		t.Errorf("unexpected prompts %+v", p)
	}
	if p, err := LoadPrompts(""); err != nil || p != (Prompts{}) {
		t.Errorf("empty dir: %+v %v", p, err)
	}
}
