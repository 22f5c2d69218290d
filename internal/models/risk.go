package models

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel classifies the safety risk expressed in a turn.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskElevated RiskLevel = "elevated"
	RiskCritical RiskLevel = "critical"
)

// Severity returns an ordinal for comparisons; unknown levels rank as none.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskLow:
		return 1
	case RiskElevated:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r is as severe as other or more.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Severity() >= other.Severity()
}

// Lower returns the next less severe level, bottoming out at none.
func (r RiskLevel) Lower() RiskLevel {
	switch r {
	case RiskCritical:
		return RiskElevated
	case RiskElevated:
		return RiskLow
	default:
		return RiskNone
	}
}

// MoreSevere returns whichever of a and b is more severe. Ties return a.
func MoreSevere(a, b RiskLevel) RiskLevel {
	if b.Severity() > a.Severity() {
		return b
	}
	if a == "" {
		return RiskNone
	}
	return a
}

// ParseRiskLevel converts free-form model output into a RiskLevel.
func ParseRiskLevel(raw string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "minimal", "":
		return RiskNone, nil
	case "low", "mild":
		return RiskLow, nil
	case "elevated", "moderate", "medium", "high":
		return RiskElevated, nil
	case "critical", "severe", "imminent":
		return RiskCritical, nil
	default:
		return "", fmt.Errorf("unknown risk level %q", raw)
	}
}

// RiskAssessment is the crisis evaluator's verdict for one user turn.
type RiskAssessment struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	TurnIndex      int       `json:"turn_index"`
	Level          RiskLevel `json:"level"`
	Signals        []string  `json:"signals,omitempty"`
	Escalate       bool      `json:"escalate"`
	Iterations     int       `json:"iterations"`
	Degraded       bool      `json:"degraded"`
	Confidence     float64   `json:"confidence"`
	Rationale      string    `json:"rationale,omitempty"`
	AssessedAt     time.Time `json:"assessed_at"`
}

// RiskRecord is the persistence-facing view of an assessment, tagged with the
// privacy tier in effect at write time.
type RiskRecord struct {
	Tier       PrivacyTier    `json:"tier"`
	Assessment RiskAssessment `json:"assessment"`
}
