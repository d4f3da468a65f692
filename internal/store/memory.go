package store

import (
	"context"
	"sync"

	"github.com/agentoven/triage/pkg/models"
)

// MemoryStore is a thread-safe in-memory CorpusStore for tests and
// ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	examples map[string]models.RoutingExample
	order    []string
	rules    []models.OverrideRule
	hasRules bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{examples: make(map[string]models.RoutingExample)}
}

func (m *MemoryStore) Kind() string { return "memory" }

func (m *MemoryStore) LoadExamples(_ context.Context) ([]models.RoutingExample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return nil, ErrNotFound
	}
	out := make([]models.RoutingExample, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.examples[id])
	}
	return out, nil
}

func (m *MemoryStore) UpsertExamples(_ context.Context, examples []models.RoutingExample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range examples {
		if _, ok := m.examples[ex.ID]; !ok {
			m.order = append(m.order, ex.ID)
		}
		m.examples[ex.ID] = ex
	}
	return nil
}

func (m *MemoryStore) LoadRules(_ context.Context) ([]models.OverrideRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasRules {
		return nil, ErrNotFound
	}
	return append([]models.OverrideRule(nil), m.rules...), nil
}

func (m *MemoryStore) SaveRules(_ context.Context, rules []models.OverrideRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]models.OverrideRule(nil), rules...)
	m.hasRules = true
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
