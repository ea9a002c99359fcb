package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/embed"
	"github.com/sells-group/catalog-enrich/internal/fingerprint"
	"github.com/sells-group/catalog-enrich/internal/model"
)

// DefaultSimilarity is the minimum cosine similarity for a semantic hit.
const DefaultSimilarity = 0.85

// VectorIndex is the persistent similarity index behind the semantic cache.
// Search returns nil, nil when nothing in the category reaches
// minSimilarity, and increments the hit count of the returned row.
type VectorIndex interface {
	Upsert(ctx context.Context, entry model.VectorEntry) error
	Search(ctx context.Context, category string, vec []float32, minSimilarity float64) (*model.SimilarMatch, error)
	Prune(ctx context.Context, minHits int64, olderThan time.Time) (int, error)
}

// SemanticCache serves validated results for near-duplicate identities.
// Backing-store failures degrade to misses.
type SemanticCache struct {
	index     VectorIndex
	embedder  embed.Embedder
	threshold float64

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewSemanticCache creates a SemanticCache; threshold <= 0 uses
// DefaultSimilarity.
func NewSemanticCache(index VectorIndex, embedder embed.Embedder, threshold float64) *SemanticCache {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarity
	}
	return &SemanticCache{index: index, embedder: embedder, threshold: threshold}
}

// Threshold returns the configured similarity threshold.
func (s *SemanticCache) Threshold() float64 { return s.threshold }

// FindSimilar returns the closest cached result in the identity's partition
// when it reaches the threshold. Entries whose key attributes differ from
// the identity's are never candidates.
func (s *SemanticCache) FindSimilar(ctx context.Context, id fingerprint.Identity) (*model.SimilarMatch, bool) {
	vec, err := s.embedder.Embed(ctx, id.Text())
	if err != nil {
		s.fail("embed", id, err)
		return nil, false
	}
	m, err := s.index.Search(ctx, id.Partition(), vec, s.threshold)
	if err != nil {
		s.fail("search", id, err)
		return nil, false
	}
	if m == nil || m.Value == nil || m.Similarity < s.threshold {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	out := *m
	out.Value = m.Value.Clone()
	return &out, true
}

// Store persists the identity vector alongside the validated result.
func (s *SemanticCache) Store(ctx context.Context, id fingerprint.Identity, result *model.EnrichmentResult) error {
	if result == nil {
		return nil
	}
	text := id.Text()
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		warn("embed failed", id, err)
		return err
	}
	err = s.index.Upsert(ctx, model.VectorEntry{
		Key:       id.Fingerprint(),
		Category:  id.Partition(),
		Text:      text,
		Vector:    vec,
		Value:     result.Clone(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		warn("upsert failed", id, err)
	}
	return err
}

// Prune evicts rows with fewer than minHits hits created before olderThan.
func (s *SemanticCache) Prune(ctx context.Context, minHits int64, olderThan time.Time) (int, error) {
	return s.index.Prune(ctx, minHits, olderThan)
}

// Stats returns hit and miss counters; failed lookups count as misses.
func (s *SemanticCache) Stats() Stats {
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load() + s.errors.Load()}
}

func (s *SemanticCache) fail(op string, id fingerprint.Identity, err error) {
	s.errors.Add(1)
	warn(op+" failed, treating as miss", id, err)
}

func warn(what string, id fingerprint.Identity, err error) {
	zap.L().Warn("cache: semantic "+what,
		zap.String("category", id.Category),
		zap.Error(err),
	)
}

// MemoryIndex is an in-process VectorIndex using a linear scan per
// category.
type MemoryIndex struct {
	mu   sync.Mutex
	rows map[string]*model.VectorEntry
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{rows: make(map[string]*model.VectorEntry)}
}

// Upsert inserts or replaces the row for entry.Key, keeping its hit count.
func (m *MemoryIndex) Upsert(_ context.Context, entry model.VectorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry
	e.Value = entry.Value.Clone()
	e.Vector = append([]float32(nil), entry.Vector...)
	if prev, ok := m.rows[entry.Key]; ok {
		e.HitCount = prev.HitCount
	}
	m.rows[entry.Key] = &e
	return nil
}

// Search scans the category for the most similar row.
func (m *MemoryIndex) Search(_ context.Context, category string, vec []float32, minSimilarity float64) (*model.SimilarMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *model.VectorEntry
	bestSim := -1.0
	keys := make([]string, 0, len(m.rows))
	for k := range m.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row := m.rows[k]
		if row.Category != category {
			continue
		}
		if sim := embed.Cosine(vec, row.Vector); sim > bestSim {
			best, bestSim = row, sim
		}
	}
	if best == nil || bestSim < minSimilarity {
		return nil, nil
	}
	best.HitCount++
	return &model.SimilarMatch{Key: best.Key, Similarity: bestSim, Value: best.Value.Clone()}, nil
}

// Prune deletes rows with HitCount < minHits created before olderThan.
func (m *MemoryIndex) Prune(_ context.Context, minHits int64, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, row := range m.rows {
		if row.HitCount < minHits && row.CreatedAt.Before(olderThan) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows.
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
