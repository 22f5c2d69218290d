package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// session is the in-memory owner of one conversation. Turns hold the turns
// semaphore in arrival order; a waiter whose context ends gives up its place.
type session struct {
	state   *models.ConversationState
	tracker *StageTracker
	turns   *semaphore.Weighted

	ctx    context.Context // canceled on close or shutdown
	cancel context.CancelFunc

	lastActive atomic.Int64
	closed     atomic.Bool
}

func newSession(parent context.Context, state *models.ConversationState, now time.Time) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{
		state:   state,
		tracker: NewStageTracker(state.Stage),
		turns:   semaphore.NewWeighted(1),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.touch(now)
	return s
}

func (s *session) touch(t time.Time) {
	s.lastActive.Store(t.UnixNano())
}

func (s *session) idleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// sync copies the tracker's resting stage into the state.
func (s *session) sync() {
	s.state.Stage = s.tracker.Resumable()
}

// sessionRegistry maps conversation ids to live sessions. Concurrent loads of
// the same conversation share one rehydration.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	loads    singleflight.Group
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*session)}
}

func (r *sessionRegistry) lookup(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *sessionRegistry) add(id string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = s
	metrics.ActiveConversations.Set(float64(len(r.sessions)))
}

func (r *sessionRegistry) remove(id string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
	metrics.ActiveConversations.Set(float64(len(r.sessions)))
}

// get returns the live session for id, calling load when it is not in memory.
func (r *sessionRegistry) get(id string, load func(string) (*session, error)) (*session, error) {
	if s, ok := r.lookup(id); ok {
		return s, nil
	}
	v, err, _ := r.loads.Do(id, func() (interface{}, error) {
		if s, ok := r.lookup(id); ok {
			return s, nil
		}
		s, err := load(id)
		if err != nil {
			return nil, err
		}
		r.add(id, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (r *sessionRegistry) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
