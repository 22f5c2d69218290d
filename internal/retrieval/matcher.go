package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Matcher defaults.
const (
	DefaultTopN     = 5
	DefaultMinScore = 0.35
)

// MatcherConfig tunes ranking.
type MatcherConfig struct {
	TopN     int
	MinScore float64
}

// Matcher ranks candidates from an Index by cosine similarity to a query.
type Matcher struct {
	index *Index
	emb   genai.Embedder
	cfg   MatcherConfig
}

// NewMatcher creates a matcher. Non-positive config values take the defaults.
func NewMatcher(index *Index, emb genai.Embedder, cfg MatcherConfig) *Matcher {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	return &Matcher{index: index, emb: emb, cfg: cfg}
}

// Index returns the index the matcher reads from.
func (m *Matcher) Index() *Index {
	return m.index
}

// Match returns up to TopN candidates scoring at least MinScore, best first.
// It returns ErrLowConfidenceRetrieval when nothing clears the threshold.
// The query text is logged only under the full privacy tier.
func (m *Matcher) Match(ctx context.Context, query string, tier models.PrivacyTier) ([]models.ResourceCandidate, error) {
	snap := m.index.Load()
	logArgs := []any{"candidates", len(snap.Candidates), "version", snap.Version}
	if tier == models.PrivacyTierFull {
		logArgs = append(logArgs, "query", query)
	}
	slog.Debug("Matcher.Match: matching", logArgs...)

	vec, err := m.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var scored []models.ResourceCandidate
	for _, c := range snap.Candidates {
		if len(c.Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(vec, c.Embedding)
		if score < m.cfg.MinScore {
			continue
		}
		c.Score = score
		c.Source = models.SourceCatalog
		scored = append(scored, c)
	}
	if len(scored) == 0 {
		slog.Debug("Matcher.Match: no candidate above threshold", "minScore", m.cfg.MinScore)
		return nil, models.ErrLowConfidenceRetrieval
	}

	sort.SliceStable(scored, func(i, j int) bool { return ranksBefore(scored[i], scored[j]) })
	if len(scored) > m.cfg.TopN {
		scored = scored[:m.cfg.TopN]
	}
	slog.Debug("Matcher.Match: matched", "results", len(scored), "topScore", scored[0].Score)
	return scored, nil
}

// ranksBefore orders by score, then availability, then recency, then id.
func ranksBefore(a, b models.ResourceCandidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if ra, rb := a.Availability.Rank(), b.Availability.Rank(); ra != rb {
		return ra > rb
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}
