package genai

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// scriptedGenerator returns errors from a script and then succeeds.
type scriptedGenerator struct {
	mu    sync.Mutex
	errs  []error
	calls int
	block bool
}

func (s *scriptedGenerator) Generate(ctx context.Context, prompt Prompt) (string, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if i < len(s.errs) {
		return "", s.errs[i]
	}
	return "ok", nil
}

func (s *scriptedGenerator) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.Generate(ctx, Prompt{})
	if err != nil {
		return nil, err
	}
	return []float32{float32(len(out))}, nil
}

// statusErr reports an HTTP status through the StatusError interface.
type statusErr int

func (s statusErr) Error() string   { return http.StatusText(int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

func newTestGateway(gen *scriptedGenerator, cfg GatewayConfig) (*Gateway, *[]time.Duration) {
	g := NewGateway(gen, gen, cfg)
	var slept []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return g, &slept
}

func TestGateway_RetriesThenSucceeds(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{
		statusErr(http.StatusServiceUnavailable),
		statusErr(http.StatusTooManyRequests),
	}}
	g, slept := newTestGateway(gen, DefaultGatewayConfig())

	out, err := g.Generate(context.Background(), UserPrompt("s", "u"))
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if out != "ok" {
		t.Errorf("expected ok, got %q", out)
	}
	if gen.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", gen.calls)
	}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("unexpected backoff schedule %v", *slept)
	}
}

func TestGateway_ExhaustedRetriesDegrade(t *testing.T) {
	timeout := statusErr(http.StatusGatewayTimeout)
	gen := &scriptedGenerator{errs: []error{timeout, timeout, timeout, timeout}}
	g, _ := newTestGateway(gen, DefaultGatewayConfig())

	_, err := g.Generate(context.Background(), UserPrompt("s", "u"))
	if !errors.Is(err, models.ErrDegraded) {
		t.Fatalf("expected degraded error, got %v", err)
	}
	if !errors.Is(err, models.ErrUpstreamTimeout) {
		t.Errorf("expected timeout kind, got %v", err)
	}
	var de *DegradedError
	if !errors.As(err, &de) || de.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %+v", de)
	}
	if gen.calls != 3 {
		t.Errorf("expected 1 call + 2 retries, got %d", gen.calls)
	}
}

func TestGateway_NonRetryableStopsImmediately(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{statusErr(http.StatusBadRequest)}}
	g, slept := newTestGateway(gen, DefaultGatewayConfig())

	_, err := g.Generate(context.Background(), UserPrompt("s", "u"))
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected unavailable kind, got %v", err)
	}
	if gen.calls != 1 || len(*slept) != 0 {
		t.Errorf("expected single attempt without backoff, calls=%d slept=%v", gen.calls, *slept)
	}
}

func TestGateway_PerCallTimeout(t *testing.T) {
	gen := &scriptedGenerator{block: true}
	g, _ := newTestGateway(gen, GatewayConfig{MaxRetries: 1, EmbedTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := g.Embed(context.Background(), "text")
	if !errors.Is(err, models.ErrUpstreamTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("embed blocked for %v", elapsed)
	}
	if gen.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", gen.calls)
	}
}

func TestGateway_MissingBackend(t *testing.T) {
	g := NewGateway(nil, nil, DefaultGatewayConfig())
	_, err := g.Generate(context.Background(), UserPrompt("s", "u"))
	if !errors.Is(err, models.ErrDegraded) || !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Errorf("expected degraded unavailable error, got %v", err)
	}
}

func TestGateway_CallerCancellationStopsRetries(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{models.ErrUpstreamUnavailable, models.ErrUpstreamUnavailable, models.ErrUpstreamUnavailable}}
	g := NewGateway(gen, nil, DefaultGatewayConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Generate(ctx, UserPrompt("s", "u"))
	if !errors.Is(err, models.ErrDegraded) {
		t.Fatalf("expected degraded error, got %v", err)
	}
	if gen.calls != 1 {
		t.Errorf("cancelled caller should not be retried, calls=%d", gen.calls)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      error
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, models.ErrUpstreamTimeout, true},
		{"cancelled", context.Canceled, models.ErrUpstreamUnavailable, false},
		{"429", &openai.Error{StatusCode: 429}, models.ErrUpstreamRateLimited, true},
		{"408", &openai.Error{StatusCode: 408}, models.ErrUpstreamTimeout, true},
		{"502", &openai.Error{StatusCode: 502}, models.ErrUpstreamUnavailable, true},
		{"401", &openai.Error{StatusCode: 401}, models.ErrUpstreamUnavailable, false},
		{"sentinel", models.ErrUpstreamRateLimited, models.ErrUpstreamRateLimited, true},
		{"status 503", statusErr(503), models.ErrUpstreamUnavailable, true},
		{"opaque", errors.New("connection reset"), models.ErrUpstreamUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, retryable := classify(tc.err)
			if kind != tc.kind || retryable != tc.retryable {
				t.Errorf("classify = (%v, %v), want (%v, %v)", kind, retryable, tc.kind, tc.retryable)
			}
		})
	}
}
