// Package sessions provides TTL-bound in-memory conversation state for
// multi-turn triage sessions.
//
// At most one turn runs per session at a time: a turn holds a Lease for the
// whole state machine, and a second turn on the same id blocks in Acquire
// until the first releases. Sessions that are leased or have waiters are
// never evicted, whether expiry is detected lazily on access or by the
// periodic sweeper.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentoven/triage/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when an operation needs a session that a
	// running turn currently holds.
	ErrSessionBusy = errors.New("session busy")
)

// DefaultTTL is the idle time after which a session may be evicted.
const DefaultTTL = 60 * time.Minute

type entry struct {
	sess    *models.Session
	turn    chan struct{} // one token: the active turn
	held    bool
	waiters int
}

func (e *entry) busy() bool { return e.held || e.waiters > 0 }

// Memory is a thread-safe in-memory session store.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	evicted  uint64
}

// Option configures a Memory.
type Option func(*Memory)

// WithClock sets the clock shared by lazy expiry and the sweeper.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// WithSweepInterval sets how often Start runs an eviction pass.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Memory) { m.interval = d }
}

// NewMemory creates a session store with the given idle TTL.
func NewMemory(ttl time.Duration, opts ...Option) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		interval: 5 * time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ── Lookup ───────────────────────────────────────────────────

func (m *Memory) expired(e *entry, now time.Time) bool {
	return !e.busy() && now.Sub(e.sess.LastTouched) > m.ttl
}

// lookup returns the live entry for id, dropping it first if it expired.
// Callers hold m.mu.
func (m *Memory) lookup(id string, now time.Time) (*entry, bool) {
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if m.expired(e, now) {
		delete(m.sessions, id)
		m.evicted++
		log.Debug().Str("session_id", id).Msg("Session expired on access")
		return nil, false
	}
	return e, true
}

// resolve returns the entry for id, creating a fresh session under a new
// id when id is empty, unknown or expired. Callers hold m.mu.
func (m *Memory) resolve(id string) (*entry, bool) {
	now := m.now()
	if id != "" {
		if e, ok := m.lookup(id, now); ok {
			return e, false
		}
	}
	sess := &models.Session{
		ID:          uuid.New().String(),
		CreatedAt:   now,
		LastTouched: now,
	}
	e := &entry{sess: sess, turn: make(chan struct{}, 1)}
	m.sessions[sess.ID] = e
	return e, true
}

// GetOrCreate returns a snapshot of the session for id, or of a fresh
// session when id is empty, unknown or expired. created reports the latter.
func (m *Memory) GetOrCreate(id string) (sess *models.Session, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, created := m.resolve(id)
	e.sess.LastTouched = m.now()
	return e.sess.Clone(), created
}

// Snapshot returns a copy of a live session.
func (m *Memory) Snapshot(id string) (*models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id, m.now())
	if !ok {
		return nil, false
	}
	return e.sess.Clone(), true
}

// ── Mutation ─────────────────────────────────────────────────

// Append adds a message to a live session and touches it.
func (m *Memory) Append(id string, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id, m.now())
	if !ok {
		return ErrSessionNotFound
	}
	e.sess.Messages = append(e.sess.Messages, msg)
	e.sess.LastTouched = m.now()
	return nil
}

// AppendStep adds a reasoning step to a live session and touches it.
func (m *Memory) AppendStep(id string, step models.ReasoningStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id, m.now())
	if !ok {
		return ErrSessionNotFound
	}
	e.sess.Steps = append(e.sess.Steps, step)
	e.sess.LastTouched = m.now()
	return nil
}

// Touch refreshes the idle clock of a live session.
func (m *Memory) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id, m.now())
	if ok {
		e.sess.LastTouched = m.now()
	}
	return ok
}

// Delete removes a session. A session held by a running turn is not removed.
func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if e.busy() {
		return ErrSessionBusy
	}
	delete(m.sessions, id)
	return nil
}

// ── Turn leases ──────────────────────────────────────────────

// Lease grants exclusive use of a session to one running turn.
type Lease struct {
	m       *Memory
	e       *entry
	created bool
	once    sync.Once
}

// Acquire resolves id like GetOrCreate and blocks until no other turn holds
// the session, or ctx ends.
func (m *Memory) Acquire(ctx context.Context, id string) (*Lease, error) {
	m.mu.Lock()
	e, created := m.resolve(id)
	e.waiters++
	m.mu.Unlock()

	select {
	case e.turn <- struct{}{}:
	case <-ctx.Done():
		m.mu.Lock()
		e.waiters--
		e.sess.LastTouched = m.now()
		m.mu.Unlock()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	e.waiters--
	e.held = true
	e.sess.LastTouched = m.now()
	m.mu.Unlock()
	return &Lease{m: m, e: e, created: created}, nil
}

// TryAcquire is Acquire without waiting. It returns ErrSessionBusy when
// another turn holds the session.
func (m *Memory) TryAcquire(id string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, created := m.resolve(id)
	select {
	case e.turn <- struct{}{}:
	default:
		return nil, ErrSessionBusy
	}
	e.held = true
	e.sess.LastTouched = m.now()
	return &Lease{m: m, e: e, created: created}, nil
}

// SessionID is the id of the leased session. It differs from the requested
// id when a fresh session was created.
func (l *Lease) SessionID() string { return l.e.sess.ID }

// Created reports whether Acquire created a fresh session.
func (l *Lease) Created() bool { return l.created }

// Session returns a copy of the leased session.
func (l *Lease) Session() *models.Session {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.e.sess.Clone()
}

// Append adds a message to the leased session.
func (l *Lease) Append(msg models.ChatMessage) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.e.sess.Messages = append(l.e.sess.Messages, msg)
	l.e.sess.LastTouched = l.m.now()
}

// AppendStep adds a reasoning step to the leased session.
func (l *Lease) AppendStep(step models.ReasoningStep) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.e.sess.Steps = append(l.e.sess.Steps, step)
	l.e.sess.LastTouched = l.m.now()
}

// Release ends the turn. The session stays in memory, touched. Safe to
// call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		l.e.held = false
		l.e.sess.TurnCount++
		l.e.sess.LastTouched = l.m.now()
		l.m.mu.Unlock()
		<-l.e.turn
	})
}

// ── Eviction ─────────────────────────────────────────────────

// EvictExpired removes every idle session past the TTL and returns how
// many were removed.
func (m *Memory) EvictExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.sessions {
		if m.expired(e, now) {
			delete(m.sessions, id)
			n++
		}
	}
	m.evicted += uint64(n)
	return n
}

// Start runs eviction passes on the sweep interval. It blocks until ctx
// is canceled.
func (m *Memory) Start(ctx context.Context) {
	log.Info().
		Dur("ttl", m.ttl).
		Dur("interval", m.interval).
		Msg("Session sweeper started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session sweeper stopped")
			return
		case <-ticker.C:
			if n := m.EvictExpired(); n > 0 {
				log.Info().Int("evicted", n).Msg("Expired sessions evicted")
			}
		}
	}
}

// Stats summarizes the store for diagnostics.
type Stats struct {
	Active        int           `json:"active_sessions"`
	Busy          int           `json:"busy_sessions"`
	TotalMessages int           `json:"total_messages"`
	Evicted       uint64        `json:"evicted_total"`
	TTL           time.Duration `json:"ttl"`
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Active: len(m.sessions), Evicted: m.evicted, TTL: m.ttl}
	for _, e := range m.sessions {
		if e.busy() {
			st.Busy++
		}
		st.TotalMessages += len(e.sess.Messages)
	}
	return st
}
