package retrieval

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/testutil"
)

var vocab = []string{"sleep", "anxiety", "grief", "work"}

func candidate(id string, vec []float32, avail models.Availability, updated time.Time) models.ResourceCandidate {
	return models.ResourceCandidate{
		ID: id, Title: id, Type: models.ResourceArticle, Availability: avail,
		UpdatedAt: updated, Embedding: vec,
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors: %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: %f", got)
	}
	if got := CosineSimilarity([]float32{1}, []float32{1, 0}); got != 0 {
		t.Errorf("length mismatch: %f", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Errorf("zero vector: %f", got)
	}
}

func TestMatcher_RanksAndFilters(t *testing.T) {
	now := time.Now()
	idx := NewIndex([]models.ResourceCandidate{
		candidate("sleep-guide", []float32{1, 0, 0, 0}, models.AvailabilityNow, now),
		candidate("anxiety-101", []float32{0, 1, 0, 0}, models.AvailabilityNow, now),
		candidate("sleep-anxiety", []float32{1, 1, 0, 0}, models.AvailabilityNow, now),
		candidate("grief", []float32{0, 0, 1, 0}, models.AvailabilityNow, now),
		candidate("no-vector", nil, models.AvailabilityNow, now),
	})
	m := NewMatcher(idx, testutil.NewKeywordEmbedder(vocab...), MatcherConfig{})

	got, err := m.Match(context.Background(), "I have sleep trouble", models.PrivacyTierNone)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 2 || got[0].ID != "sleep-guide" || got[1].ID != "sleep-anxiety" {
		t.Fatalf("unexpected ranking %v", ids(got))
	}
	if got[0].Score <= got[1].Score || got[1].Score < DefaultMinScore {
		t.Errorf("unexpected scores %f %f", got[0].Score, got[1].Score)
	}
	for _, c := range got {
		if c.Source != models.SourceCatalog || c.LowerTrust {
			t.Errorf("catalog result mis-tagged: %+v", c)
		}
	}
}

func TestMatcher_TieBreak(t *testing.T) {
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := old.Add(24 * time.Hour)
	vec := []float32{1, 0, 0, 0}
	idx := NewIndex([]models.ResourceCandidate{
		candidate("d", vec, models.AvailabilityWaitlist, newer),
		candidate("c", vec, models.AvailabilityNow, old),
		candidate("b", vec, models.AvailabilityNow, newer),
		candidate("a", vec, models.AvailabilityNow, newer),
		candidate("e", vec, models.AvailabilityLimited, old),
		candidate("f", vec, models.AvailabilityUnknown, newer),
	})
	m := NewMatcher(idx, testutil.NewKeywordEmbedder(vocab...), MatcherConfig{TopN: 10})
	got, err := m.Match(context.Background(), "sleep", models.PrivacyTierFull)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	want := []string{"a", "b", "c", "e", "d", "f"}
	if !reflect.DeepEqual(ids(got), want) {
		t.Errorf("order = %v, want %v", ids(got), want)
	}
}

func TestMatcher_TopN(t *testing.T) {
	var cands []models.ResourceCandidate
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		cands = append(cands, candidate(id, []float32{1, 0, 0, 0}, models.AvailabilityNow, time.Time{}))
	}
	m := NewMatcher(NewIndex(cands), testutil.NewKeywordEmbedder(vocab...), MatcherConfig{})
	got, err := m.Match(context.Background(), "sleep", models.PrivacyTierNone)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != DefaultTopN {
		t.Errorf("expected %d results, got %d", DefaultTopN, len(got))
	}
}

func TestMatcher_Idempotent(t *testing.T) {
	idx := NewIndex([]models.ResourceCandidate{
		candidate("x", []float32{1, 1, 0, 0}, models.AvailabilityLimited, time.Time{}),
		candidate("y", []float32{1, 0, 0, 1}, models.AvailabilityNow, time.Time{}),
	})
	m := NewMatcher(idx, testutil.NewKeywordEmbedder(vocab...), MatcherConfig{})
	first, err1 := m.Match(context.Background(), "sleep at work", models.PrivacyTierNone)
	second, err2 := m.Match(context.Background(), "sleep at work", models.PrivacyTierNone)
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v %v", err1, err2)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ: %v vs %v", ids(first), ids(second))
	}
}

func TestMatcher_LowConfidence(t *testing.T) {
	idx := NewIndex([]models.ResourceCandidate{candidate("grief", []float32{0, 0, 1, 0}, models.AvailabilityNow, time.Time{})})
	m := NewMatcher(idx, testutil.NewKeywordEmbedder(vocab...), MatcherConfig{})
	if _, err := m.Match(context.Background(), "work", models.PrivacyTierNone); !errors.Is(err, models.ErrLowConfidenceRetrieval) {
		t.Errorf("expected ErrLowConfidenceRetrieval, got %v", err)
	}
	empty := NewMatcher(NewIndex(nil), testutil.NewKeywordEmbedder(vocab...), MatcherConfig{})
	if _, err := empty.Match(context.Background(), "work", models.PrivacyTierNone); !errors.Is(err, models.ErrLowConfidenceRetrieval) {
		t.Errorf("expected ErrLowConfidenceRetrieval for empty index, got %v", err)
	}
}

func TestMatcher_EmbedFailure(t *testing.T) {
	emb := testutil.NewKeywordEmbedder(vocab...)
	emb.Err = models.ErrUpstreamTimeout
	m := NewMatcher(NewIndex(nil), emb, MatcherConfig{})
	_, err := m.Match(context.Background(), "sleep", models.PrivacyTierNone)
	if !errors.Is(err, models.ErrUpstreamTimeout) {
		t.Errorf("expected wrapped upstream timeout, got %v", err)
	}
}

func TestIndex_ReplaceIsSnapshot(t *testing.T) {
	cands := []models.ResourceCandidate{candidate("a", nil, models.AvailabilityNow, time.Time{})}
	idx := NewIndex(cands)
	before := idx.Load()
	cands[0].ID = "mutated"
	if before.Candidates[0].ID != "a" {
		t.Error("snapshot shares caller slice")
	}
	idx.Replace(nil)
	if len(before.Candidates) != 1 || idx.Load().Version <= before.Version {
		t.Error("old snapshot changed or version did not advance")
	}
}

func TestSnapshot_Hotlines(t *testing.T) {
	h := models.ResourceCandidate{ID: "988", Title: "988 Lifeline", Type: models.ResourceHotline}
	idx := NewIndex([]models.ResourceCandidate{h, candidate("a", nil, models.AvailabilityNow, time.Time{})})
	if got := idx.Load().Hotlines(); len(got) != 1 || got[0].ID != "988" {
		t.Errorf("unexpected hotlines %v", got)
	}
}

const catalogYAML = `resources:
  - id: sleep-guide
    title: Sleep hygiene guide
    description: Practical steps for better sleep
    type: article
    availability: available
    updated_at: 2025-01-02T00:00:00Z
  - id: preset
    title: Anxiety workbook
    type: article
    embedding: [0, 1, 0, 0]
  - id: ""
    title: missing id
  - id: sleep-guide
    title: duplicate
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestCatalog_Reload(t *testing.T) {
	path := writeCatalog(t, catalogYAML)
	emb := testutil.NewKeywordEmbedder(vocab...)
	idx := NewIndex(nil)
	if err := NewCatalog(path, emb, idx).Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	snap := idx.Load()
	if len(snap.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %v", ids(snap.Candidates))
	}
	if emb.Calls() != 1 {
		t.Errorf("expected only the entry without a vector to be embedded, got %d calls", emb.Calls())
	}
	preset := snap.Candidates[1]
	if preset.Availability != models.AvailabilityUnknown || preset.Source != models.SourceCatalog {
		t.Errorf("defaults not applied: %+v", preset)
	}
	if snap.Candidates[0].Embedding[0] != 2 {
		t.Errorf("unexpected embedding %v", snap.Candidates[0].Embedding)
	}
}

func TestCatalog_ReloadFailureKeepsSnapshot(t *testing.T) {
	path := writeCatalog(t, catalogYAML)
	idx := NewIndex(nil)
	cat := NewCatalog(path, testutil.NewKeywordEmbedder(vocab...), idx)
	if err := cat.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	version := idx.Load().Version
	if err := os.WriteFile(path, []byte("resources: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := cat.Reload(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
	if idx.Load().Version != version || len(idx.Load().Candidates) != 2 {
		t.Error("snapshot replaced after failed reload")
	}
}

func TestCatalog_EmbedFailureKeepsEntry(t *testing.T) {
	path := writeCatalog(t, catalogYAML)
	emb := testutil.NewKeywordEmbedder(vocab...)
	emb.Err = errors.New("down")
	idx := NewIndex(nil)
	if err := NewCatalog(path, emb, idx).Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := idx.Load().Candidates; len(got) != 2 || len(got[0].Embedding) != 0 {
		t.Errorf("unexpected candidates %+v", got)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeCatalog(t, "resources: []\n")
	idx := NewIndex(nil)
	cat := NewCatalog(path, testutil.NewKeywordEmbedder(vocab...), idx)
	w, err := NewWatcher(cat)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(catalogYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(idx.Load().Candidates) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("catalog not reloaded, candidates %d", len(idx.Load().Candidates))
}

func ids(cs []models.ResourceCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
