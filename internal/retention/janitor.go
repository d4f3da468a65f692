// Package retention archives and purges routing feedback that has already
// been folded into the corpus.
//
// Only processed records older than the retention window are touched;
// unprocessed feedback is kept regardless of age so a later learning cycle
// can still use it.
//
// Modes:
//   - archive-and-purge: archive to the archive driver, then delete (default)
//   - archive-only:      archive but keep the records
//   - purge-only:        delete without archiving
//
// Archive failures are fail-safe: records are NOT deleted if archiving fails.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/triage/internal/audit"
	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog/log"
)

// Archive modes.
const (
	ModeArchiveAndPurge = "archive-and-purge"
	ModeArchiveOnly     = "archive-only"
	ModePurgeOnly       = "purge-only"
)

// DefaultRetentionDays applies when the configured window is not positive
// but a janitor is constructed anyway.
const DefaultRetentionDays = 90

// Source is the slice of the feedback store the janitor needs.
type Source interface {
	ProcessedBefore(ctx context.Context, before time.Time) ([]models.FeedbackRecord, error)
	Delete(ctx context.Context, ids []string) (int, error)
}

// Archiver writes expired records to durable storage and returns a
// location for the archive.
type Archiver interface {
	Kind() string
	ArchiveFeedback(ctx context.Context, records []models.FeedbackRecord) (string, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Cutoff   time.Time `json:"cutoff"`
	Expired  int       `json:"expired"`
	Archived int       `json:"archived"`
	Purged   int       `json:"purged"`
	Location string    `json:"location,omitempty"`
}

// Janitor periodically archives and purges processed feedback.
type Janitor struct {
	source   Source
	archiver Archiver
	days     int
	interval time.Duration
	mode     string
	recorder *audit.Recorder
	now      func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithArchiver sets the archive driver used by the archive modes.
func WithArchiver(a Archiver) Option { return func(j *Janitor) { j.archiver = a } }

// WithRecorder records a learning_cycle_summary event per non-empty cycle.
func WithRecorder(r *audit.Recorder) Option { return func(j *Janitor) { j.recorder = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(j *Janitor) { j.now = now } }

// NewJanitor creates a janitor from cfg. Unknown modes fall back to
// purge-only.
func NewJanitor(src Source, cfg config.RetentionConfig, opts ...Option) *Janitor {
	j := &Janitor{
		source:   src,
		days:     cfg.Days,
		interval: cfg.Interval,
		mode:     cfg.Mode,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if j.days <= 0 {
		j.days = DefaultRetentionDays
	}
	if j.interval < time.Minute {
		j.interval = time.Hour // minimum 1 hour
	}
	switch j.mode {
	case ModeArchiveAndPurge, ModeArchiveOnly, ModePurgeOnly:
	default:
		log.Warn().Str("mode", j.mode).Msg("Unknown retention mode, using purge-only")
		j.mode = ModePurgeOnly
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Start runs a cycle immediately and then on every interval. It blocks
// until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("retention_days", j.days).
		Str("mode", j.mode).
		Msg("Feedback retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Feedback retention janitor stopped")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Janitor) runLogged(ctx context.Context) {
	start := time.Now()
	stats, err := j.RunCycle(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Retention cycle failed")
		return
	}
	if stats.Expired > 0 {
		log.Info().
			Int("expired", stats.Expired).
			Int("archived", stats.Archived).
			Int("purged", stats.Purged).
			Str("location", stats.Location).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}

// RunCycle performs one sweep.
func (j *Janitor) RunCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{Cutoff: j.now().AddDate(0, 0, -j.days)}

	expired, err := j.source.ProcessedBefore(ctx, stats.Cutoff)
	if err != nil {
		return stats, fmt.Errorf("find expired feedback: %w", err)
	}
	stats.Expired = len(expired)
	if len(expired) == 0 {
		return stats, nil
	}

	if j.mode != ModePurgeOnly {
		if j.archiver == nil {
			return stats, errors.New("retention mode " + j.mode + " requires an archiver")
		}
		loc, err := j.archiver.ArchiveFeedback(ctx, expired)
		if err != nil {
			return stats, fmt.Errorf("archive feedback (purge skipped): %w", err)
		}
		stats.Archived = len(expired)
		stats.Location = loc
	}

	if j.mode != ModeArchiveOnly {
		ids := make([]string, len(expired))
		for i, r := range expired {
			ids[i] = r.ID
		}
		if stats.Purged, err = j.source.Delete(ctx, ids); err != nil {
			return stats, fmt.Errorf("purge feedback: %w", err)
		}
	}

	j.recorder.Record(models.AuditEvent{
		Kind: models.AuditLearningCycle,
		Details: map[string]any{
			"stage":    "retention",
			"mode":     j.mode,
			"cutoff":   stats.Cutoff,
			"expired":  stats.Expired,
			"archived": stats.Archived,
			"purged":   stats.Purged,
			"location": stats.Location,
		},
	})
	return stats, nil
}
