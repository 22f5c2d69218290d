package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNoTime returns nil for a nil time pointer.
func nilIfNoTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func marshalTurns(turns []models.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("marshal turns: %w", err)
	}
	return string(b), nil
}

func marshalSignals(signals []string) (string, error) {
	if len(signals) == 0 {
		return "", nil
	}
	b, err := json.Marshal(signals)
	if err != nil {
		return "", fmt.Errorf("marshal signals: %w", err)
	}
	return string(b), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const snapshotColumns = `conversation_id, user_id, tier, stage, risk_level, turns_json, closed, taken_at`

func scanSnapshot(row rowScanner) (models.ConversationSnapshot, error) {
	var s models.ConversationSnapshot
	var userID, turnsJSON sql.NullString
	if err := row.Scan(&s.ConversationID, &userID, &s.Tier, &s.Stage, &s.RiskLevel, &turnsJSON, &s.Closed, &s.TakenAt); err != nil {
		return s, err
	}
	s.UserID = userID.String
	if turnsJSON.String != "" {
		if err := json.Unmarshal([]byte(turnsJSON.String), &s.Turns); err != nil {
			return s, fmt.Errorf("decode turns for %s: %w", s.ConversationID, err)
		}
	}
	return s, nil
}

const riskColumns = `conversation_id, tier, turn_index, level, escalate, degraded, iterations, confidence, signals_json, rationale, assessed_at`

func scanRiskRecord(row rowScanner) (models.RiskRecord, error) {
	var r models.RiskRecord
	a := &r.Assessment
	var signalsJSON, rationale sql.NullString
	if err := row.Scan(&a.ConversationID, &r.Tier, &a.TurnIndex, &a.Level, &a.Escalate, &a.Degraded,
		&a.Iterations, &a.Confidence, &signalsJSON, &rationale, &a.AssessedAt); err != nil {
		return r, fmt.Errorf("scan risk record failed: %w", err)
	}
	a.Rationale = rationale.String
	if signalsJSON.String != "" {
		if err := json.Unmarshal([]byte(signalsJSON.String), &a.Signals); err != nil {
			return r, fmt.Errorf("decode signals: %w", err)
		}
	}
	return r, nil
}

const habitColumns = `id, user_id, description, cadence_ns, streak, last_confirmed_at, created_at, updated_at`

func scanHabit(row rowScanner) (models.HabitRecord, error) {
	var h models.HabitRecord
	var cadence int64
	var last sql.NullTime
	if err := row.Scan(&h.ID, &h.UserID, &h.Description, &cadence, &h.Streak, &last, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return h, err
	}
	h.Cadence = time.Duration(cadence)
	if last.Valid {
		t := last.Time
		h.LastConfirmedAt = &t
	}
	return h, nil
}

func collectHabits(rows *sql.Rows) ([]models.HabitRecord, error) {
	defer rows.Close()
	var out []models.HabitRecord
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan habit failed: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate habit rows failed: %w", err)
	}
	return out, nil
}

func collectRiskRecords(rows *sql.Rows) ([]models.RiskRecord, error) {
	defer rows.Close()
	var out []models.RiskRecord
	for rows.Next() {
		r, err := scanRiskRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate risk rows failed: %w", err)
	}
	return out, nil
}

const outboxColumns = `id, conversation_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.ConversationID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

func collectOutbox(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows failed: %w", err)
	}
	return msgs, nil
}
