package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/metrics"
)

// Gateway defaults.
const (
	DefaultMaxRetries      = 2
	DefaultInitialBackoff  = 200 * time.Millisecond
	DefaultGenerateTimeout = 8 * time.Second
	DefaultEmbedTimeout    = 3 * time.Second
)

// GatewayConfig controls retry and timeout behaviour of the gateway.
type GatewayConfig struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	GenerateTimeout time.Duration
	EmbedTimeout    time.Duration
}

// DefaultGatewayConfig returns the default retry and timeout policy.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		GenerateTimeout: DefaultGenerateTimeout,
		EmbedTimeout:    DefaultEmbedTimeout,
	}
}

// Gateway wraps a generation and an embedding backend with per-call timeouts,
// bounded exponential-backoff retries and failure classification. Callers
// never block longer than the per-call timeout times the attempt count plus backoff.
type Gateway struct {
	gen   Generator
	emb   Embedder
	cfg   GatewayConfig
	sleep func(ctx context.Context, d time.Duration) error
}

var (
	_ Generator = (*Gateway)(nil)
	_ Embedder  = (*Gateway)(nil)
)

// NewGateway creates a gateway over the given backends. Either backend may be
// nil, in which case the corresponding operation reports UpstreamUnavailable.
func NewGateway(gen Generator, emb Embedder, cfg GatewayConfig) *Gateway {
	def := DefaultGatewayConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = def.GenerateTimeout
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = def.EmbedTimeout
	}
	slog.Debug("genai.NewGateway: creating gateway", "hasGenerator", gen != nil, "hasEmbedder", emb != nil,
		"maxRetries", cfg.MaxRetries, "generateTimeout", cfg.GenerateTimeout, "embedTimeout", cfg.EmbedTimeout)
	return &Gateway{gen: gen, emb: emb, cfg: cfg, sleep: sleepCtx}
}

// Generate calls the generation backend with retries.
func (g *Gateway) Generate(ctx context.Context, prompt Prompt) (string, error) {
	var out string
	err := g.do(ctx, "generate", g.cfg.GenerateTimeout, func(callCtx context.Context) error {
		if g.gen == nil {
			return fmt.Errorf("generation backend not configured: %w", errNotConfigured)
		}
		text, err := g.gen.Generate(callCtx, prompt)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}

// Embed calls the embedding backend with retries.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := g.do(ctx, "embed", g.cfg.EmbedTimeout, func(callCtx context.Context) error {
		if g.emb == nil {
			return fmt.Errorf("embedding backend not configured: %w", errNotConfigured)
		}
		vec, err := g.emb.Embed(callCtx, text)
		if err != nil {
			return err
		}
		out = vec
		return nil
	})
	return out, err
}

var errNotConfigured = errors.New("not configured")

func (g *Gateway) do(ctx context.Context, op string, timeout time.Duration, call func(context.Context) error) error {
	start := time.Now()
	defer func() {
		metrics.UpstreamLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	attempts := 0
	var lastErr, lastKind error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 200ms, 400ms, ...
			backoff := g.cfg.InitialBackoff * time.Duration(1<<(attempt-1))
			slog.Debug("Gateway.do: backing off before retry", "op", op, "attempt", attempt, "backoff", backoff)
			if err := g.sleep(ctx, backoff); err != nil {
				break
			}
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			metrics.UpstreamCalls.WithLabelValues(op, "ok").Inc()
			if attempt > 0 {
				slog.Info("Gateway.do: call succeeded after retry", "op", op, "attempts", attempts)
			}
			return nil
		}

		kind, retryable := classify(err)
		if errors.Is(err, errNotConfigured) {
			retryable = false
		}
		lastErr, lastKind = err, kind
		metrics.UpstreamCalls.WithLabelValues(op, outcomeLabel(kind)).Inc()
		slog.Warn("Gateway.do: call failed", "op", op, "attempt", attempts, "kind", kind, "retryable", retryable, "error", err)

		if !retryable || ctx.Err() != nil {
			break
		}
	}

	slog.Error("Gateway.do: capability degraded", "op", op, "attempts", attempts, "kind", lastKind)
	return &DegradedError{Op: op, Attempts: attempts, Kind: lastKind, Err: lastErr}
}

func outcomeLabel(kind error) string {
	if kind == nil {
		return "error"
	}
	return strings.ReplaceAll(kind.Error(), " ", "_")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
