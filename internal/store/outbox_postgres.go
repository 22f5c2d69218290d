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
func (s *PostgresStore) EnqueueOutboxMessage(conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.db.QueryRow(
			`SELECT id FROM alert_outbox WHERE dedupe_key = $1 AND status NOT IN ('sent', 'canceled')`, dedupeKey,
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug("PostgresStore.EnqueueOutboxMessage: alert already pending", "dedupeKey", dedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("alert dedupe lookup failed: %w", err)
		}
	}

	id := util.GenerateAlertID()
	now := time.Now()
	if _, err := s.db.Exec(
		`INSERT INTO alert_outbox (id, conversation_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $6)`,
		id, conversationID, kind, nilIfEmpty(payloadJSON), nilIfEmpty(dedupeKey), now,
	); err != nil {
		return "", fmt.Errorf("enqueue alert failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage: queued", "id", id, "conversationID", conversationID, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages implements OutboxRepo. Concurrent senders never claim
// the same row.
func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`UPDATE alert_outbox SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM alert_outbox
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due alerts failed: %w", err)
	}
	return collectOutbox(rows)
}

// MarkOutboxMessageSent implements OutboxRepo.
func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	if _, err := s.db.Exec(`UPDATE alert_outbox SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`, time.Now(), id); err != nil {
		return fmt.Errorf("mark alert %s sent failed: %w", id, err)
	}
	return nil
}

// FailOutboxMessage implements OutboxRepo.
func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	if _, err := s.db.Exec(
		`UPDATE alert_outbox SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4`,
		errMsg, nextAttemptAt, time.Now(), id,
	); err != nil {
		return fmt.Errorf("record alert %s failure failed: %w", id, err)
	}
	return nil
}

// RequeueStaleSendingMessages implements OutboxRepo.
func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE alert_outbox SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale alerts failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
