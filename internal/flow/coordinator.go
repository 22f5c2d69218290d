// Package flow orchestrates conversation turns: crisis evaluation, stage
// tracking and dispatch to the specialist that answers each turn.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/notify"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// DefaultTurnTimeout is the aggregate deadline for one turn.
const DefaultTurnTimeout = 15 * time.Second

// Replies used when a turn cannot be answered normally.
const (
	TimeoutMessage  = "I'm sorry, I'm taking longer than usual to respond. Your message is important to me; could you send it again in a moment?"
	DegradedMessage = "Some of my services are running slowly right now, so I can't give you a full answer. I'm still here; please try again shortly. If you need urgent help, contact your local emergency number."
	TroubleMessage  = "I'm having trouble responding right now. Could you try saying that again?"
)

// ErrShuttingDown is returned for requests that arrive after Shutdown.
var ErrShuttingDown = errors.New("coordinator shutting down")

// RiskEvaluator assesses the risk of a user turn. It must always return a
// verdict, falling back to a degraded one when upstream judgment fails.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, history []models.Turn, userText string) models.RiskAssessment
}

// Config tunes the coordinator.
type Config struct {
	TurnTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns every live conversation. It is the only writer of
// conversation state and serializes turns per conversation.
type Coordinator struct {
	evaluator   RiskEvaluator
	specialists map[models.SpecialistKind]Specialist
	store       store.Store
	sessions    *sessionRegistry
	cfg         Config
	now         func() time.Time

	base     context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup
	stopped  atomic.Bool
}

// NewCoordinator creates a coordinator. st is wrapped in a PrivacyFilter so
// every write honours the conversation's tier. A crisis specialist is always
// present; the built-in one is used when none is supplied.
func NewCoordinator(evaluator RiskEvaluator, specialists []Specialist, st store.Store, cfg Config, opts ...Option) *Coordinator {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if _, ok := st.(*store.PrivacyFilter); !ok {
		st = store.NewPrivacyFilter(st)
	}
	base, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		evaluator:   evaluator,
		specialists: make(map[models.SpecialistKind]Specialist),
		store:       st,
		sessions:    newSessionRegistry(),
		cfg:         cfg,
		now:         time.Now,
		base:        base,
		stop:        stop,
	}
	for _, s := range specialists {
		c.specialists[s.Kind()] = s
	}
	if _, ok := c.specialists[models.SpecialistCrisis]; !ok {
		c.specialists[models.SpecialistCrisis] = NewCrisisSpecialist(nil)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartConversation creates a conversation in the greeting stage.
func (c *Coordinator) StartConversation(ctx context.Context, userID string, tier models.PrivacyTier) (models.ConversationSummary, error) {
	if c.stopped.Load() {
		return models.ConversationSummary{}, ErrShuttingDown
	}
	if strings.TrimSpace(userID) == "" {
		return models.ConversationSummary{}, fmt.Errorf("user id is required")
	}
	if !tier.IsValid() {
		return models.ConversationSummary{}, fmt.Errorf("unknown privacy tier %q", tier)
	}
	now := c.now()
	state := &models.ConversationState{
		ID:          uuid.NewString(),
		UserID:      userID,
		Stage:       models.StageGreeting,
		RiskLevel:   models.RiskNone,
		PrivacyTier: tier,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sess := newSession(c.base, state, now)
	c.sessions.add(state.ID, sess)
	c.persist(sess)

	slog.Info("Coordinator.StartConversation: started", "conversationID", state.ID, "tier", tier)
	return summarize(state), nil
}

// HandleTurn processes one user turn. The returned result always carries a
// reply; errors are returned only when the turn could not be accepted.
func (c *Coordinator) HandleTurn(ctx context.Context, conversationID, text string) (models.TurnResult, error) {
	if c.stopped.Load() {
		return models.TurnResult{}, ErrShuttingDown
	}
	if strings.TrimSpace(text) == "" {
		return models.TurnResult{}, models.ErrEmptyMessage
	}
	sess, err := c.sessions.get(conversationID, c.rehydrate)
	if err != nil {
		return models.TurnResult{}, err
	}

	start := time.Now()
	turnCtx, cancel := context.WithTimeout(ctx, c.cfg.TurnTimeout)
	defer cancel()
	release := context.AfterFunc(sess.ctx, cancel)
	defer release()

	if err := sess.turns.Acquire(turnCtx, 1); err != nil {
		return c.abandoned(ctx, sess, text)
	}
	defer sess.turns.Release(1)
	if sess.closed.Load() {
		return models.TurnResult{}, models.ErrConversationClosed
	}

	result, err := c.handle(ctx, turnCtx, sess, text)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case result.TimedOut:
		outcome = "timeout"
	case result.Degraded:
		outcome = "degraded"
	}
	metrics.TurnsTotal.WithLabelValues(string(result.Specialist), outcome).Inc()
	metrics.TurnDuration.WithLabelValues(string(result.Specialist)).Observe(time.Since(start).Seconds())
	return result, err
}

// handle runs one turn while holding the session's turn slot.
func (c *Coordinator) handle(callerCtx, turnCtx context.Context, sess *session, text string) (models.TurnResult, error) {
	st := sess.state
	now := c.now()
	prior := st.History()
	st.AppendTurn(models.RoleUser, text, now)
	sess.touch(now)

	logArgs := []any{"conversationID", st.ID, "stage", sess.tracker.Current()}
	if st.PrivacyTier == models.PrivacyTierFull {
		logArgs = append(logArgs, "text", text)
	}
	slog.Debug("Coordinator.handle: turn received", logArgs...)

	// Risk is assessed before any other specialist runs, and recorded even if
	// the turn is canceled afterwards.
	assessment := c.evaluator.Evaluate(turnCtx, prior, text)
	assessment.ConversationID = st.ID
	assessment.TurnIndex = st.UserTurnCount() - 1
	if assessment.AssessedAt.IsZero() {
		assessment.AssessedAt = now
	}
	st.RiskLevel = assessment.Level
	c.recordRisk(st.PrivacyTier, assessment)

	result := models.TurnResult{
		ConversationID: st.ID,
		RiskLevel:      assessment.Level,
		CrisisDegraded: assessment.Degraded,
	}

	var kind models.SpecialistKind
	if assessment.Escalate {
		sess.tracker.EnterCrisis()
		kind = models.SpecialistCrisis
		result.Escalated = true
		metrics.Escalations.Inc()
		c.enqueueAlert(assessment)
	} else {
		if sess.tracker.InCrisis() {
			sess.tracker.ExitCrisis()
		}
		stage := sess.tracker.Current()
		if assessment.Level.AtLeast(models.RiskElevated) && (stage == models.StageMatching || stage == models.StageHabitSupport) {
			if err := sess.tracker.Transition(TransitionRequest{To: models.StageAssessment, Risk: assessment.Level}); err != nil {
				slog.Warn("Coordinator.handle: return to assessment rejected", "conversationID", st.ID, "error", err)
			}
		}
		kind = SpecialistFor(sess.tracker.Current())
	}
	result.Specialist = kind

	req := Request{
		ConversationID: st.ID,
		UserID:         st.UserID,
		Stage:          sess.tracker.Resumable(),
		UserText:       text,
		History:        st.History(),
		Tier:           st.PrivacyTier,
		Risk:           assessment,
		Offered:        st.OfferedHabit,
	}
	resp, err := c.invoke(turnCtx, kind, req)

	if sess.ctx.Err() != nil {
		slog.Info("Coordinator.handle: conversation closed during turn", "conversationID", st.ID)
		sess.sync()
		if c.stopped.Load() && !sess.closed.Load() {
			return models.TurnResult{}, ErrShuttingDown
		}
		return models.TurnResult{}, models.ErrConversationClosed
	}

	if err != nil {
		resp = c.failureResponse(callerCtx, turnCtx, st.ID, kind, err, &result)
	} else if resp.Next != "" && !assessment.Escalate {
		if terr := sess.tracker.Transition(TransitionRequest{To: resp.Next, Risk: assessment.Level}); terr != nil {
			slog.Warn("Coordinator.handle: specialist transition rejected", "conversationID", st.ID, "specialist", kind, "error", terr)
		}
	}
	if resp.Degraded {
		result.Degraded = true
	}

	st.AppendTurn(kind.Role(), resp.Text, c.now())
	sess.sync()
	if kind == models.SpecialistHabit {
		if err == nil {
			st.OfferedHabit = resp.Habit
		}
		c.refreshHabits(st)
	}
	c.persist(sess)

	result.Response = resp.Text
	result.Stage = st.Stage
	result.Resources = resp.Resources
	result.Habit = resp.Habit
	slog.Debug("Coordinator.handle: turn complete", "conversationID", st.ID, "specialist", kind,
		"stage", result.Stage, "risk", result.RiskLevel, "escalated", result.Escalated, "degraded", result.Degraded)

	if err != nil && callerCtx.Err() != nil {
		return result, callerCtx.Err()
	}
	return result, nil
}

// invoke runs the specialist under the turn deadline. The crisis specialist
// is called inline since it never blocks.
func (c *Coordinator) invoke(ctx context.Context, kind models.SpecialistKind, req Request) (Response, error) {
	sp, ok := c.specialists[kind]
	if !ok {
		return Response{}, fmt.Errorf("no %s specialist configured", kind)
	}
	if kind == models.SpecialistCrisis {
		return sp.Respond(ctx, req)
	}

	type outcome struct {
		resp Response
		err  error
	}
	done := make(chan outcome, 1)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		resp, err := sp.Respond(ctx, req)
		done <- outcome{resp, err}
	}()
	select {
	case o := <-done:
		return o.resp, o.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// failureResponse turns a specialist failure into a reply. The stage is left
// unchanged.
func (c *Coordinator) failureResponse(callerCtx, turnCtx context.Context, conversationID string, kind models.SpecialistKind, err error, result *models.TurnResult) Response {
	switch {
	case callerCtx.Err() == nil && errors.Is(turnCtx.Err(), context.DeadlineExceeded):
		slog.Warn("Coordinator.handle: turn deadline exceeded", "conversationID", conversationID, "specialist", kind, "timeout", c.cfg.TurnTimeout)
		result.TimedOut = true
		return Response{Text: TimeoutMessage}
	case models.IsUpstreamFailure(err):
		slog.Warn("Coordinator.handle: specialist degraded", "conversationID", conversationID, "specialist", kind, "error", err)
		return Response{Text: DegradedMessage, Degraded: true}
	default:
		slog.Error("Coordinator.handle: specialist failed", "conversationID", conversationID, "specialist", kind, "error", err)
		return Response{Text: TroubleMessage}
	}
}

// abandoned answers a turn that gave up waiting for its slot. The message is
// still screened lexically so a crisis is never dropped.
func (c *Coordinator) abandoned(callerCtx context.Context, sess *session, text string) (models.TurnResult, error) {
	if sess.closed.Load() || sess.ctx.Err() != nil {
		return models.TurnResult{}, models.ErrConversationClosed
	}
	if err := callerCtx.Err(); err != nil {
		return models.TurnResult{}, err
	}

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	assessment := c.evaluator.Evaluate(expired, nil, text)
	assessment.ConversationID = sess.state.ID
	assessment.TurnIndex = -1
	c.recordRisk(sess.state.PrivacyTier, assessment)

	result := models.TurnResult{
		ConversationID: sess.state.ID,
		RiskLevel:      assessment.Level,
		CrisisDegraded: assessment.Degraded,
		TimedOut:       true,
		Specialist:     models.SpecialistIntake,
		Response:       TimeoutMessage,
	}
	if assessment.Escalate {
		metrics.Escalations.Inc()
		c.enqueueAlert(assessment)
		resp, _ := c.specialists[models.SpecialistCrisis].Respond(expired, Request{ConversationID: sess.state.ID, UserText: text, Tier: sess.state.PrivacyTier, Risk: assessment})
		result.Specialist = models.SpecialistCrisis
		result.Escalated = true
		result.Response = resp.Text
		result.Resources = resp.Resources
	}
	slog.Warn("Coordinator.HandleTurn: turn timed out waiting for its slot", "conversationID", sess.state.ID, "escalated", result.Escalated)
	metrics.TurnsTotal.WithLabelValues(string(result.Specialist), "timeout").Inc()
	return result, nil
}

// CloseConversation cancels in-flight work, waits for it to wind down and
// persists the final snapshot. If ctx ends first the close is completed in
// the background once the in-flight turn lets go; the session keeps refusing
// turns meanwhile.
func (c *Coordinator) CloseConversation(ctx context.Context, conversationID string) error {
	sess, err := c.sessions.get(conversationID, c.rehydrate)
	if err != nil {
		return err
	}
	if !sess.closed.CompareAndSwap(false, true) {
		return models.ErrConversationClosed
	}
	sess.cancel()
	if err := sess.turns.Acquire(ctx, 1); err != nil {
		slog.Warn("Coordinator.CloseConversation: in-flight turn still running, finishing close in background", "conversationID", conversationID, "error", err)
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			_ = sess.turns.Acquire(context.Background(), 1)
			c.finishClose(sess)
		}()
		return fmt.Errorf("waiting for in-flight turn: %w", err)
	}
	c.finishClose(sess)
	return nil
}

// finishClose persists the closed snapshot and drops the session. The caller
// holds the turn slot; it is released here.
func (c *Coordinator) finishClose(sess *session) {
	sess.state.Closed = true
	sess.state.UpdatedAt = c.now()
	sess.sync()
	c.persist(sess)
	sess.turns.Release(1)

	c.sessions.remove(sess.state.ID, sess)
	slog.Info("Coordinator.CloseConversation: closed", "conversationID", sess.state.ID)
}

// Snapshot returns the current summary of a conversation.
func (c *Coordinator) Snapshot(ctx context.Context, conversationID string) (models.ConversationSummary, error) {
	sess, err := c.sessions.get(conversationID, c.rehydrate)
	if err != nil {
		return models.ConversationSummary{}, err
	}
	if err := sess.turns.Acquire(ctx, 1); err != nil {
		return models.ConversationSummary{}, err
	}
	defer sess.turns.Release(1)
	return summarize(sess.state), nil
}

// ReapIdle closes sessions idle for longer than maxIdle and returns how many
// were closed.
func (c *Coordinator) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := c.now().Add(-maxIdle)
	reaped := 0
	for _, sess := range c.sessions.all() {
		if sess.idleSince().After(cutoff) {
			continue
		}
		if err := c.CloseConversation(ctx, sess.state.ID); err != nil {
			if !errors.Is(err, models.ErrConversationClosed) {
				slog.Warn("Coordinator.ReapIdle: close failed", "conversationID", sess.state.ID, "error", err)
			}
			continue
		}
		reaped++
	}
	if reaped > 0 {
		slog.Info("Coordinator.ReapIdle: reaped idle conversations", "count", reaped, "maxIdle", maxIdle)
	}
	return reaped
}

// ActiveConversations returns the number of sessions held in memory.
func (c *Coordinator) ActiveConversations() int {
	return c.sessions.count()
}

// Shutdown cancels in-flight turns, persists every live session so it can be
// resumed after restart and waits for specialist calls to return.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	c.stop()
	for _, sess := range c.sessions.all() {
		if err := sess.turns.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if !sess.closed.Load() {
			sess.sync()
			c.persist(sess)
		}
		sess.turns.Release(1)
		c.sessions.remove(sess.state.ID, sess)
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Coordinator.Shutdown: complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// rehydrate rebuilds a session from its persisted snapshot.
func (c *Coordinator) rehydrate(conversationID string) (*session, error) {
	if c.stopped.Load() {
		return nil, ErrShuttingDown
	}
	snap, err := c.store.LoadConversationSnapshot(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	if snap == nil {
		return nil, models.ErrConversationNotFound
	}
	if snap.Closed {
		return nil, models.ErrConversationClosed
	}
	userID := snap.UserID
	if userID == "" {
		// Minimal-tier snapshots do not retain the user id.
		userID = snap.ConversationID
	}
	state := &models.ConversationState{
		ID:          snap.ConversationID,
		UserID:      userID,
		Stage:       snap.Stage,
		Turns:       snap.Turns,
		RiskLevel:   snap.RiskLevel,
		PrivacyTier: snap.Tier,
		CreatedAt:   snap.TakenAt,
		UpdatedAt:   snap.TakenAt,
	}
	c.refreshHabits(state)
	sess := newSession(c.base, state, c.now())
	slog.Info("Coordinator.rehydrate: conversation restored", "conversationID", conversationID, "stage", state.Stage, "tier", state.PrivacyTier)
	return sess, nil
}

func (c *Coordinator) persist(sess *session) {
	if err := c.store.SaveConversationSnapshot(sess.state.Snapshot(c.now())); err != nil {
		slog.Error("Coordinator.persist: failed to save snapshot", "conversationID", sess.state.ID, "error", err)
	}
}

func (c *Coordinator) recordRisk(tier models.PrivacyTier, a models.RiskAssessment) {
	if err := c.store.SaveRiskRecord(models.RiskRecord{Tier: tier, Assessment: a}); err != nil {
		slog.Error("Coordinator.recordRisk: failed to save risk record", "conversationID", a.ConversationID, "level", a.Level, "error", err)
	}
}

func (c *Coordinator) enqueueAlert(a models.RiskAssessment) {
	alert := notify.Alert{
		ID:             uuid.NewString(),
		ConversationID: a.ConversationID,
		TurnIndex:      a.TurnIndex,
		Level:          a.Level,
		Degraded:       a.Degraded,
		RaisedAt:       a.AssessedAt,
	}
	payload, err := alert.Encode()
	if err != nil {
		slog.Error("Coordinator.enqueueAlert: encode failed", "conversationID", a.ConversationID, "error", err)
		return
	}
	id, err := c.store.EnqueueOutboxMessage(a.ConversationID, store.OutboxKindCrisisAlert, payload, alert.DedupeKey())
	if err != nil {
		slog.Error("Coordinator.enqueueAlert: enqueue failed", "conversationID", a.ConversationID, "error", err)
		return
	}
	slog.Warn("Coordinator.enqueueAlert: crisis alert queued", "conversationID", a.ConversationID, "alertID", id, "level", a.Level)
}

func (c *Coordinator) refreshHabits(st *models.ConversationState) {
	habits, err := c.store.ListHabits(st.UserID)
	if err != nil {
		slog.Warn("Coordinator.refreshHabits: failed to list habits", "conversationID", st.ID, "error", err)
		return
	}
	st.Habits = habits
}

func summarize(st *models.ConversationState) models.ConversationSummary {
	return models.ConversationSummary{
		ConversationID: st.ID,
		UserID:         st.UserID,
		Stage:          st.Stage,
		RiskLevel:      st.RiskLevel,
		PrivacyTier:    st.PrivacyTier,
		TurnCount:      len(st.Turns),
		Closed:         st.Closed,
	}
}
