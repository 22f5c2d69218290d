// Package retrieval ranks catalog resources against a user query.
package retrieval

import (
	"sync/atomic"
	"time"

	"github.com/BTreeMap/CarePipe/internal/metrics"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Snapshot is an immutable view of the candidate catalog.
type Snapshot struct {
	Candidates []models.ResourceCandidate
	Version    int64
	LoadedAt   time.Time
}

// Hotlines returns the hotline entries of the snapshot.
func (s *Snapshot) Hotlines() []models.ResourceCandidate {
	var out []models.ResourceCandidate
	for _, c := range s.Candidates {
		if c.Type == models.ResourceHotline {
			out = append(out, c)
		}
	}
	return out
}

// Index holds the current snapshot. Readers never block; writers replace the
// whole snapshot.
type Index struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewIndex creates an index seeded with candidates.
func NewIndex(candidates []models.ResourceCandidate) *Index {
	idx := &Index{}
	idx.Replace(candidates)
	return idx
}

// Load returns the current snapshot.
func (i *Index) Load() *Snapshot {
	if s := i.current.Load(); s != nil {
		return s
	}
	return &Snapshot{}
}

// Replace publishes a new snapshot built from a copy of candidates.
func (i *Index) Replace(candidates []models.ResourceCandidate) *Snapshot {
	cp := make([]models.ResourceCandidate, len(candidates))
	copy(cp, candidates)
	s := &Snapshot{Candidates: cp, Version: i.version.Add(1), LoadedAt: time.Now()}
	i.current.Store(s)
	metrics.CatalogSize.Set(float64(len(cp)))
	return s
}
