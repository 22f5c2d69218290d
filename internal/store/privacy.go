package store

import (
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// PrivacyFilter wraps a Store and enforces per-tier retention on conversation
// snapshots and risk records:
//
//   - none: nothing is written
//   - minimal: stage and risk level only; turns, user id, signals and rationale are dropped
//   - full: written unchanged
//
// Unknown tiers are treated as none. Habits and the alert outbox pass through
// unchanged; they result from explicit user adoption or from safety obligations,
// and alert payloads never carry user text.
type PrivacyFilter struct {
	Store
}

// NewPrivacyFilter wraps inner.
func NewPrivacyFilter(inner Store) *PrivacyFilter {
	return &PrivacyFilter{Store: inner}
}

// SaveConversationSnapshot applies the snapshot's own tier before writing.
func (p *PrivacyFilter) SaveConversationSnapshot(s models.ConversationSnapshot) error {
	switch s.Tier {
	case models.PrivacyTierFull:
	case models.PrivacyTierMinimal:
		s.Turns = nil
		s.UserID = ""
	default:
		slog.Debug("PrivacyFilter.SaveConversationSnapshot: tier forbids persistence", "tier", s.Tier)
		metrics.PersistenceWrites.WithLabelValues("snapshot", string(models.PrivacyTierNone), "skipped").Inc()
		return nil
	}
	if err := p.Store.SaveConversationSnapshot(s); err != nil {
		metrics.PersistenceWrites.WithLabelValues("snapshot", string(s.Tier), "error").Inc()
		return err
	}
	metrics.PersistenceWrites.WithLabelValues("snapshot", string(s.Tier), "ok").Inc()
	return nil
}

// SaveRiskRecord applies the record's tier before writing.
func (p *PrivacyFilter) SaveRiskRecord(r models.RiskRecord) error {
	switch r.Tier {
	case models.PrivacyTierFull:
	case models.PrivacyTierMinimal:
		r.Assessment.Signals = nil
		r.Assessment.Rationale = ""
	default:
		slog.Debug("PrivacyFilter.SaveRiskRecord: tier forbids persistence", "tier", r.Tier)
		metrics.PersistenceWrites.WithLabelValues("risk", string(models.PrivacyTierNone), "skipped").Inc()
		return nil
	}
	if err := p.Store.SaveRiskRecord(r); err != nil {
		metrics.PersistenceWrites.WithLabelValues("risk", string(r.Tier), "error").Inc()
		return err
	}
	metrics.PersistenceWrites.WithLabelValues("risk", string(r.Tier), "ok").Inc()
	return nil
}
