package models

import "time"

// HabitSuggestion is a proposed micro-habit.
type HabitSuggestion struct {
	Description string        `json:"description"`
	Cadence     time.Duration `json:"cadence"`
	Rationale   string        `json:"rationale,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// HabitRecord tracks an adopted habit and its streak. Windows are anchored at
// CreatedAt and are Cadence long.
type HabitRecord struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	Description     string        `json:"description"`
	Cadence         time.Duration `json:"cadence"`
	Streak          int           `json:"streak"`
	LastConfirmedAt *time.Time    `json:"last_confirmed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// WindowAt returns the zero-based cadence window index containing t.
func (h HabitRecord) WindowAt(t time.Time) int64 {
	if h.Cadence <= 0 || t.Before(h.CreatedAt) {
		return 0
	}
	return int64(t.Sub(h.CreatedAt) / h.Cadence)
}

// CheckinRequest is the payload for confirming or missing a habit.
type CheckinRequest struct {
	Confirmed bool `json:"confirmed"`
}
