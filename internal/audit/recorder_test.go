package audit_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/triage/internal/audit"
	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Write(models.AuditEvent) error {
	f.calls++
	return errors.New("disk full")
}

func TestRecorderAssignsSequenceAndTimestamp(t *testing.T) {
	ring := audit.NewRingSink(8)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := audit.NewRecorder([]audit.Sink{ring}, audit.WithClock(func() time.Time { return fixed }))

	rec.Record(models.AuditEvent{Kind: models.AuditRoutingDecision, TurnID: "t1"})
	rec.Record(models.AuditEvent{Kind: models.AuditToolInvocation, TurnID: "t1"})
	rec.Record(models.AuditEvent{Kind: models.AuditLoopTerminal, TurnID: "t1"})

	events := ring.Events()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, fixed, ev.Timestamp)
	}
	assert.Equal(t, models.AuditLoopTerminal, events[2].Kind)
	assert.Equal(t, uint64(3), rec.Seq())
}

func TestRecorderSwallowsSinkFailures(t *testing.T) {
	bad := &failingSink{}
	ring := audit.NewRingSink(4)
	rec := audit.NewRecorder([]audit.Sink{bad, ring})

	assert.NotPanics(t, func() {
		rec.Record(models.AuditEvent{Kind: models.AuditFeedbackSubmission})
	})
	assert.Equal(t, 1, bad.calls)
	assert.Len(t, ring.Events(), 1, "later sinks still receive the event")
}

func TestRecorderNilIsNoop(t *testing.T) {
	var rec *audit.Recorder
	assert.NotPanics(t, func() { rec.Record(models.AuditEvent{Kind: models.AuditLoopTerminal}) })
}

func TestRecorderPreservesPerWriterOrder(t *testing.T) {
	ring := audit.NewRingSink(1000)
	rec := audit.NewRecorder([]audit.Sink{ring})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(turn string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rec.Record(models.AuditEvent{
					Kind:    models.AuditToolInvocation,
					TurnID:  turn,
					Details: map[string]any{"i": i},
				})
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	last := map[string]int{}
	var prevSeq uint64
	for _, ev := range ring.Events() {
		assert.Greater(t, ev.Seq, prevSeq)
		prevSeq = ev.Seq
		i := ev.Details["i"].(int)
		if prev, ok := last[ev.TurnID]; ok {
			assert.Equal(t, prev+1, i, "events of one turn stay ordered")
		}
		last[ev.TurnID] = i
	}
}

func TestRingSinkWrapsAround(t *testing.T) {
	ring := audit.NewRingSink(3)
	for i := 1; i <= 5; i++ {
		ring.Write(models.AuditEvent{Seq: uint64(i), Kind: models.AuditRoutingDecision})
	}
	events := ring.Events()
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(5), events[2].Seq)
	assert.Len(t, ring.Kind(models.AuditRoutingDecision), 3)
	assert.Empty(t, ring.Kind(models.AuditLoopTerminal))
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := audit.NewFileSink(config.AuditConfig{FilePath: path, MaxSizeMB: 1})
	rec := audit.NewRecorder([]audit.Sink{sink})

	rec.Record(models.AuditEvent{Kind: models.AuditRoutingDecision, Details: map[string]any{"query": "vpn policy"}})
	rec.Record(models.AuditEvent{Kind: models.AuditLoopTerminal})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var kinds []models.AuditKind
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev models.AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []models.AuditKind{models.AuditRoutingDecision, models.AuditLoopTerminal}, kinds)
}
