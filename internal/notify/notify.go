// Package notify delivers crisis alerts to on-call responders.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// Alert is the payload of a crisis alert. It never carries user text.
type Alert struct {
	ID             string           `json:"id,omitempty"`
	ConversationID string           `json:"conversation_id"`
	TurnIndex      int              `json:"turn_index"`
	Level          models.RiskLevel `json:"level"`
	Degraded       bool             `json:"degraded"`
	RaisedAt       time.Time        `json:"raised_at"`
}

// Body renders the alert as a short text message.
func (a Alert) Body() string {
	body := fmt.Sprintf("CarePipe crisis alert: conversation %s reached %s risk at turn %d (%s).",
		a.ConversationID, a.Level, a.TurnIndex, a.RaisedAt.UTC().Format(time.RFC3339))
	if a.Degraded {
		body += " Assessment ran degraded; review promptly."
	}
	return body
}

// DedupeKey identifies one escalation. Alerts without an id fall back to the
// turn index, which is not unique across queued turns or restarts.
func (a Alert) DedupeKey() string {
	if a.ID == "" {
		return fmt.Sprintf("%s:%d", a.ConversationID, a.TurnIndex)
	}
	return a.ConversationID + ":" + a.ID
}

// Encode serializes the alert for the outbox.
func (a Alert) Encode() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode alert: %w", err)
	}
	return string(b), nil
}

// DecodeAlert parses an outbox payload.
func DecodeAlert(payload string) (Alert, error) {
	var a Alert
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return a, fmt.Errorf("decode alert: %w", err)
	}
	return a, nil
}

// Notifier delivers an alert.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the structured log. It is used when no
// messaging provider is configured.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, a Alert) error {
	slog.Warn("LogNotifier.Notify: crisis alert", "conversationID", a.ConversationID, "turn", a.TurnIndex, "level", a.Level, "degraded", a.Degraded)
	return nil
}

// SendFunc adapts a Notifier to the outbox sender.
func SendFunc(n Notifier) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != store.OutboxKindCrisisAlert {
			slog.Warn("notify.SendFunc: ignoring unknown outbox kind", "id", msg.ID, "kind", msg.Kind)
			return nil
		}
		a, err := DecodeAlert(msg.PayloadJSON)
		if err != nil {
			// A malformed payload never becomes deliverable; drop it.
			slog.Error("notify.SendFunc: dropping undecodable alert", "id", msg.ID, "error", err)
			metrics.AlertsSent.WithLabelValues("dropped").Inc()
			return nil
		}
		if err := n.Notify(ctx, a); err != nil {
			metrics.AlertsSent.WithLabelValues("error").Inc()
			return err
		}
		metrics.AlertsSent.WithLabelValues("sent").Inc()
		return nil
	}
}
