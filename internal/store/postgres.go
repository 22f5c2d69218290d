package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveConversationSnapshot implements Store.
func (s *PostgresStore) SaveConversationSnapshot(snap models.ConversationSnapshot) error {
	turnsJSON, err := marshalTurns(snap.Turns)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (`+snapshotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (conversation_id) DO UPDATE SET
		   user_id = EXCLUDED.user_id, tier = EXCLUDED.tier, stage = EXCLUDED.stage,
		   risk_level = EXCLUDED.risk_level, turns_json = EXCLUDED.turns_json,
		   closed = EXCLUDED.closed, taken_at = EXCLUDED.taken_at`,
		snap.ConversationID, nilIfEmpty(snap.UserID), snap.Tier, snap.Stage, snap.RiskLevel,
		nilIfEmpty(turnsJSON), snap.Closed, snap.TakenAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveConversationSnapshot failed", "error", err, "conversationID", snap.ConversationID)
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.ConversationID, err)
	}
	return nil
}

// LoadConversationSnapshot implements Store.
func (s *PostgresStore) LoadConversationSnapshot(conversationID string) (*models.ConversationSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(`SELECT `+snapshotColumns+` FROM conversations WHERE conversation_id = $1`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", conversationID, err)
	}
	return &snap, nil
}

// SaveRiskRecord implements Store.
func (s *PostgresStore) SaveRiskRecord(r models.RiskRecord) error {
	a := r.Assessment
	signalsJSON, err := marshalSignals(a.Signals)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO risk_records (`+riskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ConversationID, r.Tier, a.TurnIndex, a.Level, a.Escalate, a.Degraded, a.Iterations,
		a.Confidence, nilIfEmpty(signalsJSON), nilIfEmpty(a.Rationale), a.AssessedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveRiskRecord failed", "error", err, "conversationID", a.ConversationID)
		return fmt.Errorf("failed to save risk record for %s: %w", a.ConversationID, err)
	}
	return nil
}

// ListRiskRecords implements Store.
func (s *PostgresStore) ListRiskRecords(conversationID string) ([]models.RiskRecord, error) {
	rows, err := s.db.Query(`SELECT `+riskColumns+` FROM risk_records WHERE conversation_id = $1 ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk records: %w", err)
	}
	return collectRiskRecords(rows)
}

// SaveHabit implements Store.
func (s *PostgresStore) SaveHabit(h models.HabitRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO habits (`+habitColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   description = EXCLUDED.description, cadence_ns = EXCLUDED.cadence_ns, streak = EXCLUDED.streak,
		   last_confirmed_at = EXCLUDED.last_confirmed_at, updated_at = EXCLUDED.updated_at`,
		h.ID, h.UserID, h.Description, int64(h.Cadence), h.Streak, nilIfNoTime(h.LastConfirmedAt), h.CreatedAt, h.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveHabit failed", "error", err, "habitID", h.ID)
		return fmt.Errorf("failed to save habit %s: %w", h.ID, err)
	}
	return nil
}

// GetHabit implements Store.
func (s *PostgresStore) GetHabit(id string) (*models.HabitRecord, error) {
	h, err := scanHabit(s.db.QueryRow(`SELECT `+habitColumns+` FROM habits WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load habit %s: %w", id, err)
	}
	return &h, nil
}

// ListHabits implements Store.
func (s *PostgresStore) ListHabits(userID string) ([]models.HabitRecord, error) {
	rows, err := s.db.Query(`SELECT `+habitColumns+` FROM habits WHERE user_id = $1 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	return collectHabits(rows)
}

// ListAllHabits implements Store.
func (s *PostgresStore) ListAllHabits() ([]models.HabitRecord, error) {
	rows, err := s.db.Query(`SELECT ` + habitColumns + ` FROM habits ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	return collectHabits(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
