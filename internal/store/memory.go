package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// InMemoryStore is a process-local Store. Everything is lost on restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]models.ConversationSnapshot
	risks     map[string][]models.RiskRecord
	habits    map[string]models.HabitRecord
	outbox    map[string]*OutboxMessage
	now       func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		snapshots: make(map[string]models.ConversationSnapshot),
		risks:     make(map[string][]models.RiskRecord),
		habits:    make(map[string]models.HabitRecord),
		outbox:    make(map[string]*OutboxMessage),
		now:       time.Now,
	}
}

func (s *InMemoryStore) SaveConversationSnapshot(snap models.ConversationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Turns = append([]models.Turn(nil), snap.Turns...)
	s.snapshots[snap.ConversationID] = snap
	return nil
}

func (s *InMemoryStore) LoadConversationSnapshot(conversationID string) (*models.ConversationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[conversationID]
	if !ok {
		return nil, nil
	}
	snap.Turns = append([]models.Turn(nil), snap.Turns...)
	return &snap, nil
}

func (s *InMemoryStore) SaveRiskRecord(r models.RiskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Assessment.Signals = append([]string(nil), r.Assessment.Signals...)
	id := r.Assessment.ConversationID
	s.risks[id] = append(s.risks[id], r)
	return nil
}

func (s *InMemoryStore) ListRiskRecords(conversationID string) ([]models.RiskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.RiskRecord(nil), s.risks[conversationID]...), nil
}

func (s *InMemoryStore) SaveHabit(h models.HabitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.habits[h.ID] = h
	return nil
}

func (s *InMemoryStore) GetHabit(id string) (*models.HabitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.habits[id]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (s *InMemoryStore) ListHabits(userID string) ([]models.HabitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.HabitRecord
	for _, h := range s.habits {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) ListAllHabits() ([]models.HabitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.HabitRecord, 0, len(s.habits))
	for _, h := range s.habits {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := s.now()
	m := &OutboxMessage{
		ID:             util.GenerateAlertID(),
		ConversationID: conversationID,
		Kind:           kind,
		PayloadJSON:    payloadJSON,
		Status:         OutboxStatusQueued,
		DedupeKey:      dedupeKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
		m.UpdatedAt = s.now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
		m.UpdatedAt = s.now()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
