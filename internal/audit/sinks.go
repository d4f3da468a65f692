package audit

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ── File sink ────────────────────────────────────────────────

// FileSink appends events as JSON lines to a size-rotated file.
type FileSink struct {
	out *lumberjack.Logger
}

// NewFileSink opens a rotating JSONL audit log.
func NewFileSink(cfg config.AuditConfig) *FileSink {
	return &FileSink{out: &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}}
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(ev models.AuditEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.out.Write(line); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	return s.out.Close()
}

// ── Log sink ─────────────────────────────────────────────────

// LogSink mirrors events into a zerolog logger at debug level.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ev models.AuditEvent) error {
	s.logger.Debug().
		Str("event_id", ev.ID).
		Uint64("seq", ev.Seq).
		Str("kind", string(ev.Kind)).
		Str("session_id", ev.SessionID).
		Str("turn_id", ev.TurnID).
		Str("role", ev.Role).
		Interface("details", ev.Details).
		Msg("audit")
	return nil
}

// ── Ring sink ────────────────────────────────────────────────

// RingSink keeps the most recent events in memory for diagnostics.
type RingSink struct {
	mu   sync.Mutex
	buf  []models.AuditEvent
	next int
	full bool
}

// NewRingSink keeps up to size events.
func NewRingSink(size int) *RingSink {
	if size <= 0 {
		size = 256
	}
	return &RingSink{buf: make([]models.AuditEvent, size)}
}

func (s *RingSink) Name() string { return "ring" }

func (s *RingSink) Write(ev models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = ev
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Events returns the retained events, oldest first.
func (s *RingSink) Events() []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]models.AuditEvent(nil), s.buf[:s.next]...)
	}
	out := make([]models.AuditEvent, 0, len(s.buf))
	out = append(out, s.buf[s.next:]...)
	return append(out, s.buf[:s.next]...)
}

// Kind returns the retained events of one kind, oldest first.
func (s *RingSink) Kind(kind models.AuditKind) []models.AuditEvent {
	var out []models.AuditEvent
	for _, ev := range s.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
