package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/triage/pkg/models"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so timestamps compare correctly as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists feedback in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating when needed) the database at path.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feedback database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate feedback database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS routing_feedback (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		actual_route TEXT NOT NULL,
		expected_route TEXT,
		feedback_type TEXT NOT NULL,
		user_id TEXT,
		session_id TEXT,
		confidence_score REAL,
		routing_method TEXT,
		user_comment TEXT,
		timestamp TEXT NOT NULL,
		processed INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_type ON routing_feedback(feedback_type);
	CREATE INDEX IF NOT EXISTS idx_feedback_processed ON routing_feedback(processed);
	CREATE INDEX IF NOT EXISTS idx_feedback_timestamp ON routing_feedback(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, rec models.FeedbackRecord) error {
	actual, err := json.Marshal(rec.Actual)
	if err != nil {
		return fmt.Errorf("marshal actual route: %w", err)
	}
	var expected sql.NullString
	if rec.Expected != nil {
		b, err := json.Marshal(rec.Expected)
		if err != nil {
			return fmt.Errorf("marshal expected route: %w", err)
		}
		expected = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_feedback (
			id, query, actual_route, expected_route, feedback_type,
			user_id, session_id, confidence_score, routing_method,
			user_comment, timestamp, processed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Query, string(actual), expected, string(rec.Judgment),
		rec.UserID, rec.SessionID, rec.Confidence, string(rec.Method),
		rec.Comment, rec.Timestamp.UTC().Format(timestampLayout), boolInt(rec.Processed),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errDuplicateID(rec.ID)
		}
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, query, actual_route, expected_route, feedback_type,
	       user_id, session_id, confidence_score, routing_method,
	       user_comment, timestamp, processed
	FROM routing_feedback`

func (s *SQLiteStore) Since(ctx context.Context, since time.Time) ([]models.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE timestamp >= ?
		ORDER BY timestamp ASC, id ASC`,
		since.UTC().Format(timestampLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	return scanRecords(rows)
}

func (s *SQLiteStore) ProcessedBefore(ctx context.Context, before time.Time) ([]models.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE processed = 1 AND timestamp < ?
		ORDER BY timestamp ASC, id ASC`,
		before.UTC().Format(timestampLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired feedback: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]models.FeedbackRecord, error) {
	defer rows.Close()

	var out []models.FeedbackRecord
	for rows.Next() {
		var (
			rec                         models.FeedbackRecord
			actual, judgment, ts        string
			expected, userID, sessionID sql.NullString
			method, comment             sql.NullString
			confidence                  sql.NullFloat64
			processed                   int
			err                         error
		)
		if err := rows.Scan(&rec.ID, &rec.Query, &actual, &expected, &judgment,
			&userID, &sessionID, &confidence, &method, &comment, &ts, &processed); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if err := json.Unmarshal([]byte(actual), &rec.Actual); err != nil {
			return nil, fmt.Errorf("decode actual route of %s: %w", rec.ID, err)
		}
		if expected.Valid && expected.String != "" {
			var f models.CapabilityFlags
			if err := json.Unmarshal([]byte(expected.String), &f); err != nil {
				return nil, fmt.Errorf("decode expected route of %s: %w", rec.ID, err)
			}
			rec.Expected = &f
		}
		if rec.Timestamp, err = time.Parse(timestampLayout, ts); err != nil {
			return nil, fmt.Errorf("decode timestamp of %s: %w", rec.ID, err)
		}
		rec.Judgment = models.Judgment(judgment)
		rec.UserID = userID.String
		rec.SessionID = sessionID.String
		rec.Confidence = confidence.Float64
		rec.Method = models.RoutingMethod(method.String)
		rec.Comment = comment.String
		rec.Processed = processed != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids []string) (int, error) {
	return s.execEach(ctx, `UPDATE routing_feedback SET processed = 1 WHERE id = ? AND processed = 0`, ids)
}

func (s *SQLiteStore) Delete(ctx context.Context, ids []string) (int, error) {
	return s.execEach(ctx, `DELETE FROM routing_feedback WHERE id = ?`, ids)
}

// execEach runs query once per id inside one transaction and sums the
// affected rows.
func (s *SQLiteStore) execEach(ctx context.Context, query string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("exec for %s: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		n += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
