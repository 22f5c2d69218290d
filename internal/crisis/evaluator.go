package crisis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Evaluator defaults.
const (
	DefaultMaxIterations       = 3
	DefaultConfidenceThreshold = 0.8
	DefaultHistoryWindow       = 6
	DefaultEscalationLevel     = models.RiskCritical
)

// ObservationRescanHistory asks the evaluator to re-scan recent user turns.
const ObservationRescanHistory = "rescan_history"

var errUnparseableVerdict = errors.New("unparseable verdict")

// Config tunes the evaluation loop.
type Config struct {
	MaxIterations       int
	ConfidenceThreshold float64
	HistoryWindow       int
	EscalationLevel     models.RiskLevel
}

// DefaultConfig returns the default loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       DefaultMaxIterations,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		HistoryWindow:       DefaultHistoryWindow,
		EscalationLevel:     DefaultEscalationLevel,
	}
}

// Evaluator assigns a risk assessment to a user turn. It combines a bounded
// reason/observe loop over a generator with a lexical fail-safe, and always
// produces a verdict.
type Evaluator struct {
	gen     genai.Generator
	lexicon *Lexicon
	cfg     Config
	prompt  string
	now     func() time.Time
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithSystemPrompt overrides the reasoning instruction.
func WithSystemPrompt(prompt string) EvaluatorOption {
	return func(e *Evaluator) {
		if strings.TrimSpace(prompt) != "" {
			e.prompt = prompt
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an evaluator. A nil generator yields lexical-only,
// degraded verdicts; a nil lexicon uses the built-in phrase list.
func NewEvaluator(gen genai.Generator, lexicon *Lexicon, cfg Config, opts ...EvaluatorOption) *Evaluator {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.EscalationLevel.Severity() == 0 {
		cfg.EscalationLevel = def.EscalationLevel
	}
	if lexicon == nil {
		lexicon = DefaultLexicon()
	}
	e := &Evaluator{gen: gen, lexicon: lexicon, cfg: cfg, prompt: defaultSystemPrompt, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Evaluator) Config() Config {
	return e.cfg
}

// verdict is the JSON object the generator is asked to return.
type verdict struct {
	RiskLevel   string   `json:"risk_level"`
	Confidence  float64  `json:"confidence"`
	Signals     []string `json:"signals"`
	Rationale   string   `json:"rationale"`
	Observation string   `json:"request_observation"`

	level models.RiskLevel
}

// evidence accumulates what the loop has observed so far.
type evidence struct {
	lexical        Match
	history        Match
	historyScanned bool
	previous       *verdict
}

// Evaluate assesses userText in the context of history. It never fails: on
// gateway failure the verdict comes from lexical matching with Degraded set.
func (e *Evaluator) Evaluate(ctx context.Context, history []models.Turn, userText string) models.RiskAssessment {
	ev := evidence{lexical: e.lexicon.Scan(userText)}
	out := models.RiskAssessment{Level: ev.lexical.Level}

	slog.Debug("Evaluator.Evaluate: lexical scan", "level", ev.lexical.Level, "signals", len(ev.lexical.Signals))

	var gen *verdict
	switch {
	case ev.lexical.Level == models.RiskCritical:
		// Decisive without consulting the generator.
		out.Iterations = 1
		out.Confidence = 1
		out.Rationale = "critical phrase matched"
	case e.gen == nil:
		out.Degraded = true
		e.scanHistory(&ev, history)
	default:
		gen, out.Iterations, out.Degraded = e.loop(ctx, &ev, history, userText)
		if out.Degraded {
			e.scanHistory(&ev, history)
		}
	}

	out.Level = models.MoreSevere(ev.lexical.Level, ev.history.Level)
	out.Signals = append(out.Signals, ev.lexical.Signals...)
	for _, s := range ev.history.Signals {
		out.Signals = append(out.Signals, "history: "+s)
	}
	if gen != nil {
		out.Level = models.MoreSevere(out.Level, gen.level)
		out.Confidence = gen.Confidence
		out.Rationale = gen.Rationale
		for _, s := range gen.Signals {
			if s = strings.TrimSpace(s); s != "" {
				out.Signals = append(out.Signals, "model: "+s)
			}
		}
	}
	out.Escalate = out.Level.AtLeast(e.cfg.EscalationLevel)
	out.AssessedAt = e.now()

	metrics.RiskAssessments.WithLabelValues(string(out.Level), strconv.FormatBool(out.Degraded)).Inc()
	metrics.CrisisIterations.Observe(float64(out.Iterations))
	if out.Degraded {
		slog.Warn("Evaluator.Evaluate: generative judgment unavailable, using lexical verdict",
			"level", out.Level, "escalate", out.Escalate, "error", models.ErrCrisisEvaluationDegraded)
	}
	slog.Debug("Evaluator.Evaluate: verdict", "level", out.Level, "escalate", out.Escalate,
		"iterations", out.Iterations, "confidence", out.Confidence, "degraded", out.Degraded)
	return out
}

// loop runs at most MaxIterations reason/observe steps. It returns the last
// parsed verdict, the number of iterations used and whether the generator
// could not be consulted.
func (e *Evaluator) loop(ctx context.Context, ev *evidence, history []models.Turn, userText string) (*verdict, int, bool) {
	iterations := 0
	for iterations < e.cfg.MaxIterations {
		if ctx.Err() != nil {
			slog.Warn("Evaluator.loop: context done before verdict", "iterations", iterations, "error", ctx.Err())
			return ev.previous, iterations, ev.previous == nil
		}
		iterations++

		raw, err := e.gen.Generate(ctx, e.buildPrompt(ev, history, userText))
		if err != nil {
			slog.Warn("Evaluator.loop: generate failed", "iteration", iterations, "error", err)
			return ev.previous, iterations, ev.previous == nil
		}
		v, err := parseVerdict(raw)
		if err != nil {
			slog.Warn("Evaluator.loop: discarding verdict", "iteration", iterations, "error", err)
			continue
		}
		ev.previous = v

		if v.Confidence >= e.cfg.ConfidenceThreshold {
			slog.Debug("Evaluator.loop: decisive verdict", "iteration", iterations, "level", v.level, "confidence", v.Confidence)
			break
		}
		switch v.Observation {
		case "":
		case ObservationRescanHistory:
			e.scanHistory(ev, history)
		default:
			slog.Debug("Evaluator.loop: unsupported observation requested", "observation", v.Observation)
		}
	}
	return ev.previous, iterations, ev.previous == nil
}

// scanHistory re-scans recent user turns. Matches count one level lower than
// their phrase level.
func (e *Evaluator) scanHistory(ev *evidence, history []models.Turn) {
	if ev.historyScanned {
		return
	}
	ev.historyScanned = true
	ev.history = Match{Level: models.RiskNone}
	seen := make(map[string]bool)
	for _, t := range recentUserTurns(history, e.cfg.HistoryWindow) {
		m := e.lexicon.Scan(t.Text)
		ev.history.Level = models.MoreSevere(ev.history.Level, m.Level.Lower())
		for _, s := range m.Signals {
			if !seen[s] {
				seen[s] = true
				ev.history.Signals = append(ev.history.Signals, s)
			}
		}
	}
}

func recentUserTurns(history []models.Turn, limit int) []models.Turn {
	var out []models.Turn
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		if history[i].Role == models.RoleUser {
			out = append(out, history[i])
		}
	}
	return out
}

func (e *Evaluator) buildPrompt(ev *evidence, history []models.Turn, userText string) genai.Prompt {
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	b.WriteString(formatHistory(history, e.cfg.HistoryWindow))
	b.WriteString("\nLatest user message:\n")
	b.WriteString(userText)
	b.WriteString("\n\nLexical indicators: ")
	b.WriteString(formatSignals(ev.lexical))
	if ev.historyScanned {
		b.WriteString("\nHistory re-scan indicators: ")
		b.WriteString(formatSignals(ev.history))
	}
	if ev.previous != nil {
		fmt.Fprintf(&b, "\nYour previous verdict: %s (confidence %.2f): %s",
			ev.previous.level, ev.previous.Confidence, ev.previous.Rationale)
	}
	return genai.UserPrompt(e.prompt, b.String())
}

func formatHistory(history []models.Turn, limit int) string {
	if len(history) == 0 {
		return "(none)\n"
	}
	start := 0
	if len(history) > limit {
		start = len(history) - limit
	}
	var b strings.Builder
	for _, t := range history[start:] {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		speaker := "assistant"
		if t.Role == models.RoleUser {
			speaker = "user"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, text)
	}
	return b.String()
}

func formatSignals(m Match) string {
	if len(m.Signals) == 0 {
		return "none"
	}
	return fmt.Sprintf("%s (%s)", strings.Join(m.Signals, ", "), m.Level)
}

// parseVerdict extracts the first JSON object from raw model output.
func parseVerdict(raw string) (*verdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object", errUnparseableVerdict)
	}
	var v verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnparseableVerdict, err)
	}
	level, err := models.ParseRiskLevel(v.RiskLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnparseableVerdict, err)
	}
	v.level = level
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	v.Observation = strings.TrimSpace(strings.ToLower(v.Observation))
	return &v, nil
}
