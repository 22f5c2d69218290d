// Package store provides storage backends for CarePipe.
//
// Every conversation snapshot and risk record carries the privacy tier in
// effect when it was written. Retention by tier is enforced by PrivacyFilter.
package store

import (
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Store is the persistence boundary of the orchestration core.
type Store interface {
	// SaveConversationSnapshot inserts or replaces the snapshot for its conversation.
	SaveConversationSnapshot(s models.ConversationSnapshot) error
	// LoadConversationSnapshot returns nil, nil when no snapshot exists.
	LoadConversationSnapshot(conversationID string) (*models.ConversationSnapshot, error)
	SaveRiskRecord(r models.RiskRecord) error
	ListRiskRecords(conversationID string) ([]models.RiskRecord, error)

	SaveHabit(h models.HabitRecord) error
	// GetHabit returns nil, nil when the habit does not exist.
	GetHabit(id string) (*models.HabitRecord, error)
	ListHabits(userID string) ([]models.HabitRecord, error)
	ListAllHabits() ([]models.HabitRecord, error)

	OutboxRepo

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// PostgreSQL URLs or keyword/value strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend selected by dsn. An empty dsn yields an in-memory store.
func Open(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
