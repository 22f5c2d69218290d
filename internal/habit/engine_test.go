package habit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/testutil"
)

type fakeRepo struct {
	mu     sync.Mutex
	habits map[string]models.HabitRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{habits: make(map[string]models.HabitRecord)}
}

func (r *fakeRepo) SaveHabit(h models.HabitRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.habits[h.ID] = h
	return nil
}

func (r *fakeRepo) GetHabit(id string) (*models.HabitRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.habits[id]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (r *fakeRepo) ListHabits(userID string) ([]models.HabitRecord, error) {
	all, _ := r.ListAllHabits()
	var out []models.HabitRecord
	for _, h := range all {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListAllHabits() ([]models.HabitRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.HabitRecord, 0, len(r.habits))
	for _, h := range r.habits {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

const proposalJSONReply = `{"description":"Take three slow breaths before opening email","cadence":"daily","rationale":"work stress"}`

func TestPropose_ParsesAndReusesPerUser(t *testing.T) {
	clk := &clock{now: epoch}
	gen := testutil.NewStaticGenerator(proposalJSONReply)
	e := NewEngine(gen, newFakeRepo(), nil, Config{}, WithClock(clk.Now))

	s, err := e.Propose(context.Background(), "u1", "stressed at work")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if s.Cadence != 24*time.Hour || s.Rationale != "work stress" || !s.GeneratedAt.Equal(epoch) {
		t.Errorf("unexpected suggestion %+v", s)
	}

	clk.Advance(5 * time.Minute)
	if _, err := e.Propose(context.Background(), "u1", "again"); err != nil {
		t.Fatal(err)
	}
	if gen.Calls() != 1 {
		t.Errorf("expected reuse within window, got %d calls", gen.Calls())
	}

	if _, err := e.Propose(context.Background(), "u2", "other user"); err != nil {
		t.Fatal(err)
	}
	if gen.Calls() != 2 {
		t.Errorf("proposal shared across users, calls %d", gen.Calls())
	}

	clk.Advance(DefaultReuseWindow)
	if _, err := e.Propose(context.Background(), "u1", "later"); err != nil {
		t.Fatal(err)
	}
	if gen.Calls() != 3 {
		t.Errorf("expected fresh proposal after window, calls %d", gen.Calls())
	}
}

func TestPropose_ConcurrentSameUserSharesGeneration(t *testing.T) {
	release := make(chan struct{})
	gen := &testutil.FakeGenerator{Respond: func(ctx context.Context, p genai.Prompt) (string, error) {
		<-release
		return proposalJSONReply, nil
	}}
	e := NewEngine(gen, newFakeRepo(), nil, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Propose(context.Background(), "u1", "ctx"); err != nil {
				t.Errorf("Propose: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if gen.Calls() > 5 || gen.Calls() < 1 {
		t.Errorf("unexpected call count %d", gen.Calls())
	}
}

func TestPropose_GeneratorFailure(t *testing.T) {
	e := NewEngine(testutil.NewFailingGenerator(models.ErrDegraded), newFakeRepo(), nil, Config{})
	if _, err := e.Propose(context.Background(), "u1", "x"); !errors.Is(err, models.ErrDegraded) {
		t.Errorf("expected degraded error, got %v", err)
	}
	if _, err := NewEngine(nil, newFakeRepo(), nil, Config{}).Propose(context.Background(), "u1", "x"); !models.IsUpstreamFailure(err) {
		t.Errorf("expected upstream failure without generator, got %v", err)
	}
}

func TestParseProposal(t *testing.T) {
	s, err := parseProposal("Try a short walk after lunch.", time.Hour)
	if err != nil || s.Description != "Try a short walk after lunch." || s.Cadence != time.Hour {
		t.Errorf("plain text: %+v %v", s, err)
	}
	s, err = parseProposal(`{"description":"Stretch","cadence":"12h"}`, time.Hour)
	if err != nil || s.Cadence != 12*time.Hour {
		t.Errorf("duration cadence: %+v %v", s, err)
	}
	if _, err := parseProposal("   ", time.Hour); err == nil {
		t.Error("expected error for empty output")
	}
	if got := parseCadence("weekly", time.Hour); got != 7*24*time.Hour {
		t.Errorf("weekly cadence = %v", got)
	}
	if got := parseCadence("whenever", time.Hour); got != time.Hour {
		t.Errorf("unknown cadence = %v", got)
	}
}

func adopt(t *testing.T, e *Engine) models.HabitRecord {
	t.Helper()
	h, err := e.Adopt(context.Background(), "u1", models.HabitSuggestion{Description: "breathe", Cadence: 24 * time.Hour})
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	return h
}

func TestCheckin_ConsecutiveWindows(t *testing.T) {
	clk := &clock{now: epoch}
	e := NewEngine(nil, newFakeRepo(), nil, Config{}, WithClock(clk.Now))
	h := adopt(t, e)

	for n := 1; n <= 5; n++ {
		clk.Advance(time.Hour)
		got, err := e.Checkin(context.Background(), h.ID, true)
		if err != nil {
			t.Fatalf("Checkin: %v", err)
		}
		if got.Streak != n {
			t.Fatalf("after %d windows streak = %d", n, got.Streak)
		}
		clk.Advance(23 * time.Hour)
	}
}

func TestCheckin_SameWindowUnchanged(t *testing.T) {
	clk := &clock{now: epoch}
	e := NewEngine(nil, newFakeRepo(), nil, Config{}, WithClock(clk.Now))
	h := adopt(t, e)

	clk.Advance(time.Hour)
	if got, _ := e.Checkin(context.Background(), h.ID, true); got.Streak != 1 {
		t.Fatalf("first streak = %d", got.Streak)
	}
	clk.Advance(time.Hour)
	if got, _ := e.Checkin(context.Background(), h.ID, true); got.Streak != 1 {
		t.Errorf("same window streak = %d, want 1", got.Streak)
	}
}

func TestCheckin_MissedWindowResets(t *testing.T) {
	clk := &clock{now: epoch}
	e := NewEngine(nil, newFakeRepo(), nil, Config{}, WithClock(clk.Now))
	h := adopt(t, e)

	clk.Advance(time.Hour)
	_, _ = e.Checkin(context.Background(), h.ID, true)
	clk.Advance(24 * time.Hour)
	if got, _ := e.Checkin(context.Background(), h.ID, true); got.Streak != 2 {
		t.Fatalf("streak = %d, want 2", got.Streak)
	}
	// Skip a full window.
	clk.Advance(48 * time.Hour)
	if got, _ := e.Checkin(context.Background(), h.ID, true); got.Streak != 1 {
		t.Errorf("after missed window streak = %d, want 1", got.Streak)
	}
}

func TestCheckin_UnconfirmedResets(t *testing.T) {
	clk := &clock{now: epoch}
	e := NewEngine(nil, newFakeRepo(), nil, Config{}, WithClock(clk.Now))
	h := adopt(t, e)

	clk.Advance(time.Hour)
	_, _ = e.Checkin(context.Background(), h.ID, true)
	got, err := e.Checkin(context.Background(), h.ID, false)
	if err != nil || got.Streak != 0 {
		t.Fatalf("unconfirmed: streak %d err %v", got.Streak, err)
	}
	if got.LastConfirmedAt == nil {
		t.Error("unconfirmed check-in cleared last confirmation")
	}
	if got, _ := e.Checkin(context.Background(), h.ID, true); got.Streak != 1 {
		t.Errorf("confirmation after reset streak = %d, want 1", got.Streak)
	}
}

func TestCheckin_NotFound(t *testing.T) {
	e := NewEngine(nil, newFakeRepo(), nil, Config{})
	if _, err := e.Checkin(context.Background(), "missing", true); !errors.Is(err, models.ErrHabitNotFound) {
		t.Errorf("expected ErrHabitNotFound, got %v", err)
	}
}

func TestSweep_ResetsMissedStreaks(t *testing.T) {
	clk := &clock{now: epoch}
	repo := newFakeRepo()
	e := NewEngine(nil, repo, nil, Config{}, WithClock(clk.Now))
	h := adopt(t, e)
	clk.Advance(time.Hour)
	_, _ = e.Checkin(context.Background(), h.ID, true)

	// Next window still open: nothing to reset.
	if n, err := e.Sweep(context.Background(), epoch.Add(30*time.Hour)); err != nil || n != 0 {
		t.Fatalf("early sweep reset %d (%v)", n, err)
	}
	if n, err := e.Sweep(context.Background(), epoch.Add(49*time.Hour)); err != nil || n != 1 {
		t.Fatalf("sweep reset %d (%v)", n, err)
	}
	got, _ := repo.GetHabit(h.ID)
	if got.Streak != 0 {
		t.Errorf("streak after sweep = %d", got.Streak)
	}
	habits, err := e.ListHabits(context.Background(), "u1")
	if err != nil || len(habits) != 1 {
		t.Errorf("ListHabits = %v %v", habits, err)
	}
}

func TestAdopt_Validation(t *testing.T) {
	e := NewEngine(nil, newFakeRepo(), nil, Config{})
	if _, err := e.Adopt(context.Background(), "", models.HabitSuggestion{Description: "x"}); err == nil {
		t.Error("expected error without user")
	}
	h, err := e.Adopt(context.Background(), "u1", models.HabitSuggestion{Description: "x"})
	if err != nil || h.Cadence != DefaultCadence {
		t.Errorf("default cadence not applied: %+v %v", h, err)
	}
}

func TestMemoryProposalCache_Expiry(t *testing.T) {
	clk := &clock{now: epoch}
	c := NewMemoryProposalCache()
	c.now = clk.Now
	ctx := context.Background()
	_ = c.Put(ctx, "u1", models.HabitSuggestion{Description: "x"}, time.Minute)
	if _, ok, _ := c.Get(ctx, "u1"); !ok {
		t.Fatal("expected hit")
	}
	if _, ok, _ := c.Get(ctx, "u2"); ok {
		t.Error("entry visible to another user")
	}
	clk.Advance(time.Minute)
	if _, ok, _ := c.Get(ctx, "u1"); ok {
		t.Error("expected expiry")
	}
}
