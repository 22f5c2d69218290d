package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/util"
)

// EnqueueOutboxMessage implements OutboxRepo.
func (s *SQLiteStore) EnqueueOutboxMessage(conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(
			`SELECT id FROM alert_outbox WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled')`, dedupeKey,
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug("SQLiteStore.EnqueueOutboxMessage: alert already pending", "dedupeKey", dedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("alert dedupe lookup failed: %w", err)
		}
	}

	id := util.GenerateAlertID()
	now := time.Now()
	if _, err := s.db.Exec(
		`INSERT INTO alert_outbox (id, conversation_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, conversationID, kind, nilIfEmpty(payloadJSON), nilIfEmpty(dedupeKey), now, now,
	); err != nil {
		return "", fmt.Errorf("enqueue alert failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutboxMessage: queued", "id", id, "conversationID", conversationID, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages implements OutboxRepo. SQLite has no SKIP LOCKED, so
// the select and the status update share one transaction.
func (s *SQLiteStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin alert claim failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(
		`SELECT `+outboxColumns+` FROM alert_outbox
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due alerts failed: %w", err)
	}
	msgs, err := collectOutbox(rows)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if _, err := tx.Exec(
			`UPDATE alert_outbox SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`, now, now, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("lock alert %s failed: %w", msgs[i].ID, err)
		}
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &now
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit alert claim failed: %w", err)
	}
	return msgs, nil
}

// MarkOutboxMessageSent implements OutboxRepo.
func (s *SQLiteStore) MarkOutboxMessageSent(id string) error {
	if _, err := s.db.Exec(`UPDATE alert_outbox SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now(), id); err != nil {
		return fmt.Errorf("mark alert %s sent failed: %w", id, err)
	}
	return nil
}

// FailOutboxMessage implements OutboxRepo.
func (s *SQLiteStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := s.db.Exec(
		`UPDATE alert_outbox SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, nextAttemptAt, time.Now(), id,
	); err != nil {
		return fmt.Errorf("record alert %s failure failed: %w", id, err)
	}
	return nil
}

// RequeueStaleSendingMessages implements OutboxRepo.
func (s *SQLiteStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE alert_outbox SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale alerts failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
