// Package audit records append-only audit events for routing decisions,
// permission checks, tool invocations, loop outcomes and learning cycles.
//
// Writes are synchronous and serialized under one mutex, so the events of
// a single turn reach every sink in the order they were recorded. A sink
// failure never reaches the caller: it is logged and the remaining sinks
// still receive the event.
package audit

import (
	"sync"
	"time"

	"github.com/agentoven/triage/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Sink is a destination for audit events.
type Sink interface {
	Name() string
	Write(ev models.AuditEvent) error
}

// Recorder fans audit events out to its sinks.
type Recorder struct {
	mu    sync.Mutex
	seq   uint64
	sinks []Sink
	now   func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder writing to the given sinks.
func NewRecorder(sinks []Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sinks: sinks,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record stamps ev with an id (when missing), a sequence number and a
// timestamp, then writes it to every sink. Safe on a nil Recorder.
func (r *Recorder) Record(ev models.AuditEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	ev.Seq = r.seq
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}

	for _, s := range r.sinks {
		if err := s.Write(ev); err != nil {
			log.Error().Err(err).
				Str("sink", s.Name()).
				Str("kind", string(ev.Kind)).
				Uint64("seq", ev.Seq).
				Msg("Audit sink write failed")
		}
	}
}

// Seq returns the sequence number of the last recorded event.
func (r *Recorder) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
