package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		_ = db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

// SaveConversationSnapshot implements Store.
func (s *SQLiteStore) SaveConversationSnapshot(snap models.ConversationSnapshot) error {
	turnsJSON, err := marshalTurns(snap.Turns)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO conversations (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ConversationID, nilIfEmpty(snap.UserID), snap.Tier, snap.Stage, snap.RiskLevel,
		nilIfEmpty(turnsJSON), snap.Closed, snap.TakenAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationSnapshot failed", "error", err, "conversationID", snap.ConversationID)
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.ConversationID, err)
	}
	slog.Debug("SQLiteStore SaveConversationSnapshot succeeded", "conversationID", snap.ConversationID, "tier", snap.Tier, "stage", snap.Stage)
	return nil
}

// LoadConversationSnapshot implements Store.
func (s *SQLiteStore) LoadConversationSnapshot(conversationID string) (*models.ConversationSnapshot, error) {
	row := s.db.QueryRow(`SELECT `+snapshotColumns+` FROM conversations WHERE conversation_id = ?`, conversationID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadConversationSnapshot failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", conversationID, err)
	}
	return &snap, nil
}

// SaveRiskRecord implements Store.
func (s *SQLiteStore) SaveRiskRecord(r models.RiskRecord) error {
	a := r.Assessment
	signalsJSON, err := marshalSignals(a.Signals)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO risk_records (`+riskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ConversationID, r.Tier, a.TurnIndex, a.Level, a.Escalate, a.Degraded, a.Iterations,
		a.Confidence, nilIfEmpty(signalsJSON), nilIfEmpty(a.Rationale), a.AssessedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveRiskRecord failed", "error", err, "conversationID", a.ConversationID)
		return fmt.Errorf("failed to save risk record for %s: %w", a.ConversationID, err)
	}
	slog.Debug("SQLiteStore SaveRiskRecord succeeded", "conversationID", a.ConversationID, "tier", r.Tier, "level", a.Level)
	return nil
}

// ListRiskRecords implements Store.
func (s *SQLiteStore) ListRiskRecords(conversationID string) ([]models.RiskRecord, error) {
	rows, err := s.db.Query(`SELECT `+riskColumns+` FROM risk_records WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk records: %w", err)
	}
	return collectRiskRecords(rows)
}

// SaveHabit implements Store.
func (s *SQLiteStore) SaveHabit(h models.HabitRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO habits (`+habitColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.UserID, h.Description, int64(h.Cadence), h.Streak, nilIfNoTime(h.LastConfirmedAt), h.CreatedAt, h.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveHabit failed", "error", err, "habitID", h.ID)
		return fmt.Errorf("failed to save habit %s: %w", h.ID, err)
	}
	return nil
}

// GetHabit implements Store.
func (s *SQLiteStore) GetHabit(id string) (*models.HabitRecord, error) {
	h, err := scanHabit(s.db.QueryRow(`SELECT `+habitColumns+` FROM habits WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load habit %s: %w", id, err)
	}
	return &h, nil
}

// ListHabits implements Store.
func (s *SQLiteStore) ListHabits(userID string) ([]models.HabitRecord, error) {
	rows, err := s.db.Query(`SELECT `+habitColumns+` FROM habits WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	return collectHabits(rows)
}

// ListAllHabits implements Store.
func (s *SQLiteStore) ListAllHabits() ([]models.HabitRecord, error) {
	rows, err := s.db.Query(`SELECT ` + habitColumns + ` FROM habits ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	return collectHabits(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
