// Package vectorstore provides immutable, brute-force cosine similarity
// indexes. A Snapshot never changes after Build; callers that need to
// update an index build a new snapshot and swap the reference.
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/agentoven/triage/internal/embeddings"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxVectors caps a single snapshot.
const DefaultMaxVectors = 50_000

// DefaultBatchSize is the number of texts sent per Embed call while building.
const DefaultBatchSize = 64

// Entry is one indexed item.
type Entry[T any] struct {
	ID      string
	Item    T
	Vector  []float64
	AddedAt time.Time
}

// Match is a search hit.
type Match[T any] struct {
	Item    T
	Score   float64
	AddedAt time.Time
}

// Snapshot is a read-only index, safe for concurrent searches.
type Snapshot[T any] struct {
	entries []Entry[T]
	dims    int
	builtAt time.Time
}

// NewSnapshot indexes precomputed entries. Entries with a vector length
// different from the first entry are rejected.
func NewSnapshot[T any](entries []Entry[T]) (*Snapshot[T], error) {
	if len(entries) > DefaultMaxVectors {
		return nil, fmt.Errorf("snapshot capacity exceeded: %d > %d", len(entries), DefaultMaxVectors)
	}
	s := &Snapshot[T]{entries: append([]Entry[T](nil), entries...), builtAt: time.Now().UTC()}
	if len(entries) > 0 {
		s.dims = len(entries[0].Vector)
	}
	for _, e := range s.entries {
		if len(e.Vector) != s.dims {
			return nil, fmt.Errorf("entry %s has %d dimensions, want %d", e.ID, len(e.Vector), s.dims)
		}
	}
	return s, nil
}

// Source describes an item to embed while building a snapshot.
type Source[T any] struct {
	ID      string
	Text    string
	Item    T
	AddedAt time.Time
}

// Build embeds every source with emb, batching and fanning out up to
// four concurrent Embed calls, and returns the resulting snapshot.
func Build[T any](ctx context.Context, emb embeddings.Embedder, sources []Source[T]) (*Snapshot[T], error) {
	entries := make([]Entry[T], len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(sources); start += DefaultBatchSize {
		end := min(start+DefaultBatchSize, len(sources))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, src := range sources[start:end] {
				texts = append(texts, src.Text)
			}
			vectors, err := emb.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed batch %d-%d: %w", start, end, err)
			}
			if len(vectors) != len(texts) {
				return fmt.Errorf("embed batch %d-%d: got %d vectors", start, end, len(vectors))
			}
			for i, src := range sources[start:end] {
				entries[start+i] = Entry[T]{ID: src.ID, Item: src.Item, Vector: vectors[i], AddedAt: src.AddedAt}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewSnapshot(entries)
}

// Len returns the number of indexed entries.
func (s *Snapshot[T]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Dimensions returns the vector size, or 0 for an empty snapshot.
func (s *Snapshot[T]) Dimensions() int { return s.dims }

// BuiltAt returns when the snapshot was created.
func (s *Snapshot[T]) BuiltAt() time.Time { return s.builtAt }

// Items returns the indexed items in insertion order.
func (s *Snapshot[T]) Items() []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Item
	}
	return out
}

// Nearest returns up to k matches ordered by descending score. Equal
// scores prefer the most recently added entry, then the lower id.
func (s *Snapshot[T]) Nearest(vector []float64, k int) []Match[T] {
	if s == nil || k <= 0 || len(s.entries) == 0 || len(vector) != s.dims {
		return nil
	}

	type scored struct {
		e     *Entry[T]
		score float64
	}
	candidates := make([]scored, 0, len(s.entries))
	for i := range s.entries {
		candidates = append(candidates, scored{e: &s.entries[i], score: cosineSimilarity(vector, s.entries[i].Vector)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.e.AddedAt.Equal(b.e.AddedAt) {
			return a.e.AddedAt.After(b.e.AddedAt)
		}
		return a.e.ID < b.e.ID
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]Match[T], k)
	for i := 0; i < k; i++ {
		out[i] = Match[T]{Item: candidates[i].e.Item, Score: candidates[i].score, AddedAt: candidates[i].e.AddedAt}
	}
	return out
}

// ── Helpers ─────────────────────────────────────────────────

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
