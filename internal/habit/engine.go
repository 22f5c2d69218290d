// Package habit proposes micro-habits and tracks check-in streaks.
package habit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Engine defaults.
const (
	DefaultReuseWindow = 10 * time.Minute
	DefaultCadence     = 24 * time.Hour
)

// Repo persists habit records. Records are never deleted.
type Repo interface {
	SaveHabit(h models.HabitRecord) error
	GetHabit(id string) (*models.HabitRecord, error)
	ListHabits(userID string) ([]models.HabitRecord, error)
	ListAllHabits() ([]models.HabitRecord, error)
}

// Config tunes the engine.
type Config struct {
	ReuseWindow    time.Duration
	DefaultCadence time.Duration
}

// Engine proposes habits through a generator and maintains streaks.
type Engine struct {
	gen    genai.Generator
	repo   Repo
	cache  ProposalCache
	cfg    Config
	prompt string
	now    func() time.Time

	group singleflight.Group
	mu    sync.Mutex // serializes check-ins and sweeps
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSystemPrompt overrides the proposal instruction.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(prompt) != "" {
			e.prompt = prompt
		}
	}
}

// NewEngine creates an engine. A nil cache uses an in-memory cache.
func NewEngine(gen genai.Generator, repo Repo, cache ProposalCache, cfg Config, opts ...Option) *Engine {
	if cfg.ReuseWindow <= 0 {
		cfg.ReuseWindow = DefaultReuseWindow
	}
	if cfg.DefaultCadence <= 0 {
		cfg.DefaultCadence = DefaultCadence
	}
	if cache == nil {
		cache = NewMemoryProposalCache()
	}
	e := &Engine{gen: gen, repo: repo, cache: cache, cfg: cfg, prompt: defaultProposalPrompt, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Propose returns a habit suggestion for the user. A proposal generated for
// the same user within the reuse window is returned instead of generating a
// new one; concurrent proposals for one user share a single generation.
func (e *Engine) Propose(ctx context.Context, userID, userContext string) (models.HabitSuggestion, error) {
	if s, ok, err := e.cache.Get(ctx, userID); err != nil {
		slog.Warn("Engine.Propose: proposal cache read failed", "userID", userID, "error", err)
	} else if ok && e.now().Sub(s.GeneratedAt) < e.cfg.ReuseWindow {
		slog.Debug("Engine.Propose: reusing recent proposal", "userID", userID)
		return s, nil
	}

	v, err, shared := e.group.Do(userID, func() (interface{}, error) {
		s, err := e.generate(ctx, userContext)
		if err != nil {
			return nil, err
		}
		if err := e.cache.Put(ctx, userID, s, e.cfg.ReuseWindow); err != nil {
			slog.Warn("Engine.Propose: proposal cache write failed", "userID", userID, "error", err)
		}
		return s, nil
	})
	if err != nil {
		return models.HabitSuggestion{}, err
	}
	s := v.(models.HabitSuggestion)
	slog.Debug("Engine.Propose: proposal generated", "userID", userID, "cadence", s.Cadence, "shared", shared)
	return s, nil
}

func (e *Engine) generate(ctx context.Context, userContext string) (models.HabitSuggestion, error) {
	if e.gen == nil {
		return models.HabitSuggestion{}, fmt.Errorf("habit proposal: %w", models.ErrUpstreamUnavailable)
	}
	raw, err := e.gen.Generate(ctx, genai.UserPrompt(e.prompt, userContext))
	if err != nil {
		return models.HabitSuggestion{}, fmt.Errorf("habit proposal: %w", err)
	}
	s, err := parseProposal(raw, e.cfg.DefaultCadence)
	if err != nil {
		return models.HabitSuggestion{}, err
	}
	s.GeneratedAt = e.now()
	return s, nil
}

type proposalJSON struct {
	Description string `json:"description"`
	Cadence     string `json:"cadence"`
	Rationale   string `json:"rationale"`
}

// parseProposal reads a JSON proposal, falling back to the raw text as the
// description when the output is not JSON.
func parseProposal(raw string, defaultCadence time.Duration) (models.HabitSuggestion, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return models.HabitSuggestion{}, errors.New("habit proposal: empty generation")
	}
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var p proposalJSON
		if err := json.Unmarshal([]byte(text[start:end+1]), &p); err == nil && strings.TrimSpace(p.Description) != "" {
			return models.HabitSuggestion{
				Description: strings.TrimSpace(p.Description),
				Cadence:     parseCadence(p.Cadence, defaultCadence),
				Rationale:   strings.TrimSpace(p.Rationale),
			}, nil
		}
	}
	return models.HabitSuggestion{Description: text, Cadence: defaultCadence}, nil
}

func parseCadence(raw string, def time.Duration) time.Duration {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def
	case "daily", "day":
		return 24 * time.Hour
	case "twice daily", "twice a day":
		return 12 * time.Hour
	case "weekly", "week":
		return 7 * 24 * time.Hour
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return def
}

// Adopt creates a habit record for the user from a suggestion.
func (e *Engine) Adopt(ctx context.Context, userID string, s models.HabitSuggestion) (models.HabitRecord, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(s.Description) == "" {
		return models.HabitRecord{}, errors.New("habit adoption requires a user and a description")
	}
	cadence := s.Cadence
	if cadence <= 0 {
		cadence = e.cfg.DefaultCadence
	}
	now := e.now()
	h := models.HabitRecord{
		ID:          util.GenerateHabitID(),
		UserID:      userID,
		Description: s.Description,
		Cadence:     cadence,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.repo.SaveHabit(h); err != nil {
		return models.HabitRecord{}, fmt.Errorf("failed to save habit: %w", err)
	}
	slog.Info("Engine.Adopt: habit adopted", "userID", userID, "habitID", h.ID, "cadence", cadence)
	return h, nil
}

// Checkin records a check-in for the habit and returns the updated record.
func (e *Engine) Checkin(ctx context.Context, habitID string, confirmed bool) (models.HabitRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := e.repo.GetHabit(habitID)
	if err != nil {
		return models.HabitRecord{}, fmt.Errorf("failed to load habit %s: %w", habitID, err)
	}
	if h == nil {
		return models.HabitRecord{}, models.ErrHabitNotFound
	}
	before := h.Streak
	updated := applyCheckin(*h, confirmed, e.now())
	if err := e.repo.SaveHabit(updated); err != nil {
		return models.HabitRecord{}, fmt.Errorf("failed to save habit %s: %w", habitID, err)
	}
	slog.Debug("Engine.Checkin: recorded", "habitID", habitID, "confirmed", confirmed, "streakBefore", before, "streak", updated.Streak)
	return updated, nil
}

// applyCheckin applies the streak rules. Window k spans
// [CreatedAt + k*cadence, CreatedAt + (k+1)*cadence).
func applyCheckin(h models.HabitRecord, confirmed bool, now time.Time) models.HabitRecord {
	h.UpdatedAt = now
	if !confirmed {
		h.Streak = 0
		return h
	}
	w := h.WindowAt(now)
	switch {
	case h.LastConfirmedAt == nil:
		h.Streak = 1
	default:
		last := h.WindowAt(*h.LastConfirmedAt)
		switch {
		case w == last:
			// Same window: unchanged, but a reset streak still counts this check-in.
			if h.Streak == 0 {
				h.Streak = 1
			}
		case w == last+1:
			h.Streak++
		case w > last+1:
			h.Streak = 1
		}
	}
	if h.LastConfirmedAt == nil || now.After(*h.LastConfirmedAt) {
		t := now
		h.LastConfirmedAt = &t
	}
	return h
}

// Sweep resets streaks of habits whose previous window passed without a
// confirmed check-in. It returns the number of records reset.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	habits, err := e.repo.ListAllHabits()
	if err != nil {
		return 0, fmt.Errorf("failed to list habits: %w", err)
	}
	reset := 0
	for _, h := range habits {
		if ctx.Err() != nil {
			return reset, ctx.Err()
		}
		if h.Streak == 0 || h.LastConfirmedAt == nil {
			continue
		}
		if h.WindowAt(now) <= h.WindowAt(*h.LastConfirmedAt)+1 {
			continue
		}
		h.Streak = 0
		h.UpdatedAt = now
		if err := e.repo.SaveHabit(h); err != nil {
			return reset, fmt.Errorf("failed to save habit %s: %w", h.ID, err)
		}
		reset++
	}
	if reset > 0 {
		slog.Info("Engine.Sweep: streaks reset", "count", reset)
	}
	return reset, nil
}

// ListHabits returns the user's habit records.
func (e *Engine) ListHabits(ctx context.Context, userID string) ([]models.HabitRecord, error) {
	habits, err := e.repo.ListHabits(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list habits for %s: %w", userID, err)
	}
	return habits, nil
}
