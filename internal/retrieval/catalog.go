package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// DefaultEmbedConcurrency bounds concurrent embedding calls during a catalog load.
const DefaultEmbedConcurrency = 4

// catalogFile is the YAML layout of the resource catalog.
type catalogFile struct {
	Resources []models.ResourceCandidate `yaml:"resources"`
}

// Catalog loads the resource catalog from a YAML file into an Index.
type Catalog struct {
	path        string
	emb         genai.Embedder
	index       *Index
	concurrency int

	mu sync.Mutex // serializes reloads
}

// NewCatalog creates a catalog loader for path publishing into index.
func NewCatalog(path string, emb genai.Embedder, index *Index) *Catalog {
	return &Catalog{path: path, emb: emb, index: index, concurrency: DefaultEmbedConcurrency}
}

// Path returns the catalog file path.
func (c *Catalog) Path() string {
	return c.path
}

// Reload reads the catalog file, embeds entries without vectors and publishes
// a new snapshot. On error the current snapshot is kept.
func (c *Catalog) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	slog.Debug("Catalog.Reload: loading catalog", "path", c.path)
	candidates, err := LoadCatalogFile(c.path)
	if err != nil {
		slog.Error("Catalog.Reload: failed to load catalog, keeping current snapshot", "path", c.path, "error", err)
		return err
	}
	if err := c.embedMissing(ctx, candidates); err != nil {
		slog.Error("Catalog.Reload: embedding aborted, keeping current snapshot", "path", c.path, "error", err)
		return err
	}
	snap := c.index.Replace(candidates)
	slog.Info("Catalog.Reload: catalog published", "path", c.path, "candidates", len(snap.Candidates), "version", snap.Version)
	return nil
}

// LoadCatalogFile parses the YAML catalog at path. Entries without an id or
// title are skipped.
func LoadCatalogFile(path string) ([]models.ResourceCandidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	out := make([]models.ResourceCandidate, 0, len(f.Resources))
	seen := make(map[string]bool, len(f.Resources))
	for _, r := range f.Resources {
		if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Title) == "" {
			slog.Warn("LoadCatalogFile: skipping entry without id or title", "path", path, "id", r.ID)
			continue
		}
		if seen[r.ID] {
			slog.Warn("LoadCatalogFile: skipping duplicate id", "path", path, "id", r.ID)
			continue
		}
		seen[r.ID] = true
		if r.Availability == "" {
			r.Availability = models.AvailabilityUnknown
		}
		r.Source = models.SourceCatalog
		r.Score = 0
		r.LowerTrust = false
		out = append(out, r)
	}
	return out, nil
}

// embedMissing fills in vectors for entries that have none. An entry whose
// embedding fails stays in the catalog without a vector and never matches.
func (c *Catalog) embedMissing(ctx context.Context, candidates []models.ResourceCandidate) error {
	if c.emb == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range candidates {
		if len(candidates[i].Embedding) > 0 {
			continue
		}
		g.Go(func() error {
			r := &candidates[i]
			vec, err := c.emb.Embed(gctx, embeddingText(*r))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slog.Warn("Catalog.embedMissing: failed to embed entry", "id", r.ID, "error", err)
				return nil
			}
			r.Embedding = vec
			return nil
		})
	}
	return g.Wait()
}

func embeddingText(r models.ResourceCandidate) string {
	if r.Description == "" {
		return r.Title
	}
	return r.Title + ". " + r.Description
}
