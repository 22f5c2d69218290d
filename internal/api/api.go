// Package api exposes the CarePipe conversation core over HTTP.
//
// It serves conversation lifecycle and turn endpoints, habit check-ins, a
// liveness probe and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	maxBodyBytes           = 64 << 10
)

// Conversations is the conversation core the API drives.
type Conversations interface {
	StartConversation(ctx context.Context, userID string, tier models.PrivacyTier) (models.ConversationSummary, error)
	HandleTurn(ctx context.Context, conversationID, text string) (models.TurnResult, error)
	Snapshot(ctx context.Context, conversationID string) (models.ConversationSummary, error)
	CloseConversation(ctx context.Context, conversationID string) error
	ActiveConversations() int
}

// Habits is the habit engine surface the API exposes.
type Habits interface {
	ListHabits(ctx context.Context, userID string) ([]models.HabitRecord, error)
	Checkin(ctx context.Context, habitID string, confirmed bool) (models.HabitRecord, error)
}

// Opts holds configuration for the HTTP server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	// WriteTimeout must exceed the coordinator's turn deadline.
	WriteTimeout time.Duration
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithWriteTimeout sets the response write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Opts) { o.WriteTimeout = d }
}

// Server serves the HTTP API.
type Server struct {
	conversations Conversations
	habits        Habits
	opts          Opts
	started       time.Time
}

// NewServer creates a server. habits may be nil, in which case the habit
// routes answer 503.
func NewServer(conversations Conversations, habits Habits, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout, WriteTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{conversations: conversations, habits: habits, opts: o, started: time.Now()}
}

// Handler returns the router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", s.createConversationHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getConversationHandler)
			r.Delete("/", s.closeConversationHandler)
			r.Post("/turns", s.turnHandler)
		})
	})
	r.Get("/users/{userID}/habits", s.listHabitsHandler)
	r.Post("/habits/{id}/checkin", s.checkinHandler)
	return r
}

// Run listens on the configured address until ctx is done, then shuts the
// server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down", "timeout", s.opts.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request: handled", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}
