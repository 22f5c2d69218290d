// Package models defines the core data types shared across CarePipe components.
package models

import (
	"fmt"
	"time"
)

// Stage represents the progress of a conversation through the support protocol.
type Stage string

// Stage constants. StageCrisis is a pseudo-state entered for the duration of a
// crisis response and is never the resting stage of a conversation.
const (
	StageGreeting         Stage = "greeting"
	StageContextGathering Stage = "context_gathering"
	StageAssessment       Stage = "assessment"
	StageMatching         Stage = "matching"
	StageHabitSupport     Stage = "habit_support"
	StageClosure          Stage = "closure"
	StageCrisis           Stage = "crisis"
)

// stageOrder gives the forward position of each resting stage.
var stageOrder = map[Stage]int{
	StageGreeting:         0,
	StageContextGathering: 1,
	StageAssessment:       2,
	StageMatching:         3,
	StageHabitSupport:     4,
	StageClosure:          5,
}

// IsValid reports whether s is a known resting stage or the crisis pseudo-state.
func (s Stage) IsValid() bool {
	if s == StageCrisis {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// Order returns the forward position of the stage, or -1 for the crisis pseudo-state
// and unknown values.
func (s Stage) Order() int {
	if o, ok := stageOrder[s]; ok {
		return o
	}
	return -1
}

// ParseStage converts a raw string into a Stage.
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}

// PrivacyTier is the user-chosen consent level controlling persistence.
type PrivacyTier string

const (
	// PrivacyTierNone persists nothing beyond the in-memory turn.
	PrivacyTierNone PrivacyTier = "none"
	// PrivacyTierMinimal persists stage and risk level only.
	PrivacyTierMinimal PrivacyTier = "minimal"
	// PrivacyTierFull persists the entire turn history.
	PrivacyTierFull PrivacyTier = "full"
)

// IsValid reports whether the tier is recognised.
func (p PrivacyTier) IsValid() bool {
	switch p {
	case PrivacyTierNone, PrivacyTierMinimal, PrivacyTierFull:
		return true
	default:
		return false
	}
}

// ParsePrivacyTier converts a raw string into a PrivacyTier. An empty string
// selects the most restrictive tier.
func ParsePrivacyTier(raw string) (PrivacyTier, error) {
	if raw == "" {
		return PrivacyTierNone, nil
	}
	p := PrivacyTier(raw)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown privacy tier %q", raw)
	}
	return p, nil
}

// Role identifies the author of a turn.
type Role string

const (
	RoleUser               Role = "user"
	RoleSpecialistIntake   Role = "specialist:intake"
	RoleSpecialistCrisis   Role = "specialist:crisis"
	RoleSpecialistResource Role = "specialist:resource"
	RoleSpecialistHabit    Role = "specialist:habit"
	RoleSystem             Role = "system"
)

// SpecialistKind is one of the fixed behaviour variants selected per turn.
type SpecialistKind string

const (
	SpecialistIntake   SpecialistKind = "intake"
	SpecialistCrisis   SpecialistKind = "crisis"
	SpecialistResource SpecialistKind = "resource"
	SpecialistHabit    SpecialistKind = "habit"
)

// Role returns the turn role used for responses written by this specialist.
func (k SpecialistKind) Role() Role {
	return Role("specialist:" + string(k))
}

// Turn is a single message in a conversation. Turns are immutable once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState holds everything the coordinator knows about one conversation.
type ConversationState struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Stage       Stage         `json:"stage"`
	Turns       []Turn        `json:"turns,omitempty"`
	RiskLevel   RiskLevel     `json:"risk_level"`
	PrivacyTier PrivacyTier   `json:"privacy_tier"`
	Habits      []HabitRecord `json:"habits,omitempty"`
	Closed      bool          `json:"closed"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	// OfferedHabit is the suggestion shown by the last habit reply. It is not
	// part of the snapshot.
	OfferedHabit *HabitSuggestion `json:"offered_habit,omitempty"`
}

// AppendTurn adds a turn to the end of the history.
func (c *ConversationState) AppendTurn(role Role, text string, at time.Time) {
	c.Turns = append(c.Turns, Turn{Role: role, Text: text, Timestamp: at})
	c.UpdatedAt = at
}

// History returns a copy of the turn history so callers cannot mutate it.
func (c *ConversationState) History() []Turn {
	out := make([]Turn, len(c.Turns))
	copy(out, c.Turns)
	return out
}

// UserTurnCount returns the number of user-authored turns.
func (c *ConversationState) UserTurnCount() int {
	n := 0
	for _, t := range c.Turns {
		if t.Role == RoleUser {
			n++
		}
	}
	return n
}

// ConversationSnapshot is the persistence-facing view of a conversation. Every
// snapshot carries the privacy tier in effect when it was taken.
type ConversationSnapshot struct {
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id,omitempty"`
	Tier           PrivacyTier `json:"tier"`
	Stage          Stage       `json:"stage"`
	RiskLevel      RiskLevel   `json:"risk_level"`
	Turns          []Turn      `json:"turns,omitempty"`
	Closed         bool        `json:"closed"`
	TakenAt        time.Time   `json:"taken_at"`
}

// Snapshot captures the current state for persistence.
func (c *ConversationState) Snapshot(at time.Time) ConversationSnapshot {
	return ConversationSnapshot{
		ConversationID: c.ID,
		UserID:         c.UserID,
		Tier:           c.PrivacyTier,
		Stage:          c.Stage,
		RiskLevel:      c.RiskLevel,
		Turns:          c.History(),
		Closed:         c.Closed,
		TakenAt:        at,
	}
}
