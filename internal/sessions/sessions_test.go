package sessions_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/triage/internal/sessions"
	"github.com/agentoven/triage/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory(t *testing.T, ttl time.Duration) (*sessions.Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	return sessions.NewMemory(ttl, sessions.WithClock(clock.Now)), clock
}

func TestGetOrCreateReusesLiveSession(t *testing.T) {
	m, _ := newMemory(t, time.Hour)

	s1, created := m.GetOrCreate("")
	require.True(t, created)
	require.NoError(t, m.Append(s1.ID, models.ChatMessage{Role: models.RoleUser, Content: "hi"}))

	s2, created := m.GetOrCreate(s1.ID)
	assert.False(t, created)
	assert.Equal(t, s1.ID, s2.ID)
	assert.Len(t, s2.Messages, 1)
}

func TestUnknownIDCreatesFreshSession(t *testing.T) {
	m, _ := newMemory(t, time.Hour)
	s, created := m.GetOrCreate("not-a-session")
	assert.True(t, created)
	assert.NotEqual(t, "not-a-session", s.ID)
}

func TestExpiredSessionIsReplacedAfterEviction(t *testing.T) {
	m, clock := newMemory(t, time.Hour)
	old, _ := m.GetOrCreate("")

	clock.Advance(61 * time.Minute)
	assert.Equal(t, 1, m.EvictExpired())

	fresh, created := m.GetOrCreate(old.ID)
	assert.True(t, created)
	assert.NotEqual(t, old.ID, fresh.ID)
	_, ok := m.Snapshot(old.ID)
	assert.False(t, ok)
}

func TestLazyExpiryUsesSameClock(t *testing.T) {
	m, clock := newMemory(t, 10*time.Minute)
	s, _ := m.GetOrCreate("")

	clock.Advance(9 * time.Minute)
	assert.True(t, m.Touch(s.ID), "touch inside TTL keeps the session")

	clock.Advance(9 * time.Minute)
	_, ok := m.Snapshot(s.ID)
	assert.True(t, ok, "touch reset the idle clock")

	clock.Advance(11 * time.Minute)
	assert.ErrorIs(t, m.Append(s.ID, models.ChatMessage{}), sessions.ErrSessionNotFound)
	assert.Equal(t, 0, m.EvictExpired(), "lazy path already removed it")
}

func TestLeasedSessionIsNeverEvicted(t *testing.T) {
	m, clock := newMemory(t, time.Minute)
	lease, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, 0, m.EvictExpired())
	_, ok := m.Snapshot(lease.SessionID())
	assert.True(t, ok)
	assert.ErrorIs(t, m.Delete(lease.SessionID()), sessions.ErrSessionBusy)

	lease.Release()
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.EvictExpired())
}

func TestAcquireSerializesTurnsOnSameSession(t *testing.T) {
	m := sessions.NewMemory(time.Hour)
	first, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	id := first.SessionID()

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l, err := m.Acquire(context.Background(), id)
			if !assert.NoError(t, err) {
				return
			}
			defer l.Release()
			for j := 0; j < 3; j++ {
				l.Append(models.ChatMessage{Role: models.RoleUser, Content: fmt.Sprintf("turn-%d", n)})
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	first.Append(models.ChatMessage{Role: models.RoleUser, Content: "turn-first"})
	first.Release()
	wg.Wait()

	snap, ok := m.Snapshot(id)
	require.True(t, ok)
	require.Len(t, snap.Messages, 1+turns*3)
	assert.Equal(t, "turn-first", snap.Messages[0].Content)
	for i := 1; i < len(snap.Messages); i += 3 {
		block := snap.Messages[i].Content
		assert.Equal(t, block, snap.Messages[i+1].Content, "turns must not interleave")
		assert.Equal(t, block, snap.Messages[i+2].Content, "turns must not interleave")
	}
	assert.Equal(t, 1+turns, snap.TurnCount)
}

func TestAcquireHonorsContext(t *testing.T) {
	m := sessions.NewMemory(time.Hour)
	held, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, held.SessionID())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = m.TryAcquire(held.SessionID())
	assert.ErrorIs(t, err, sessions.ErrSessionBusy)
}

func TestDifferentSessionsDoNotBlock(t *testing.T) {
	m := sessions.NewMemory(time.Hour)
	a, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := m.Acquire(ctx, "")
	require.NoError(t, err)
	defer b.Release()
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

func TestStartSweepsUntilCanceled(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := sessions.NewMemory(time.Minute,
		sessions.WithClock(clock.Now),
		sessions.WithSweepInterval(5*time.Millisecond))
	m.GetOrCreate("")
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return m.Stats().Active == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, uint64(1), m.Stats().Evicted)
}
