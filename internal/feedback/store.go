package feedback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/triage/pkg/models"
)

// Store persists feedback records. Records are immutable once inserted
// except for the processed flag.
type Store interface {
	Insert(ctx context.Context, rec models.FeedbackRecord) error
	// Since returns records with a timestamp at or after since, oldest first.
	Since(ctx context.Context, since time.Time) ([]models.FeedbackRecord, error)
	// MarkProcessed flags the given records and reports how many changed.
	MarkProcessed(ctx context.Context, ids []string) (int, error)
	// ProcessedBefore returns processed records older than before, oldest first.
	ProcessedBefore(ctx context.Context, before time.Time) ([]models.FeedbackRecord, error)
	// Delete removes records by id and reports how many existed.
	Delete(ctx context.Context, ids []string) (int, error)
	Close() error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.FeedbackRecord
	index   map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

func (s *MemoryStore) Insert(_ context.Context, rec models.FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[rec.ID]; ok {
		return errDuplicateID(rec.ID)
	}
	s.index[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) Since(_ context.Context, since time.Time) ([]models.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FeedbackRecord
	for _, r := range s.records {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		i, ok := s.index[id]
		if !ok || s.records[i].Processed {
			continue
		}
		s.records[i].Processed = true
		n++
	}
	return n, nil
}

func (s *MemoryStore) ProcessedBefore(_ context.Context, before time.Time) ([]models.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FeedbackRecord
	for _, r := range s.records {
		if r.Processed && r.Timestamp.Before(before) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			drop[id] = true
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}
	kept := s.records[:0]
	s.index = make(map[string]int, len(s.records)-len(drop))
	for _, r := range s.records {
		if drop[r.ID] {
			continue
		}
		s.index[r.ID] = len(kept)
		kept = append(kept, r)
	}
	s.records = kept
	return len(drop), nil
}

func (s *MemoryStore) Close() error { return nil }
