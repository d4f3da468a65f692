package capabilities

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// AuthEvent is one authentication log row.
type AuthEvent struct {
	Timestamp string `json:"timestamp"`
	User      string `json:"user"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IP        string `json:"ip"`
}

// AuthGroup is one aggregation bucket.
type AuthGroup struct {
	Key   string `json:"group_key"`
	Count int    `json:"count"`
}

// AuthLogQuery is the normalized filter set of one log search.
type AuthLogQuery struct {
	DateStart   string `json:"date_start"`
	DateEnd     string `json:"date_end"`
	Result      string `json:"result_filter"`
	Username    string `json:"username,omitempty"`
	IP          string `json:"ip_address,omitempty"`
	Limit       int    `json:"limit"`
	AggregateBy string `json:"aggregate_by"`
}

// AuthLogReport is the structured result of a log search.
type AuthLogReport struct {
	Query       AuthLogQuery `json:"query"`
	Count       int          `json:"count"`
	Sample      []AuthEvent  `json:"sample"`
	Aggregation []AuthGroup  `json:"aggregation,omitempty"`
}

const sampleRows = 10

// AuthLogs answers search_authentication_logs calls over a directory of
// CSV exports with the columns timestamp,user,action,result,ip. Each call
// loads the files into an in-memory SQLite database and filters with SQL.
type AuthLogs struct {
	dir string
	now func() time.Time
}

// AuthLogOption configures AuthLogs.
type AuthLogOption func(*AuthLogs)

// WithAuthLogClock sets the clock used to resolve relative dates.
func WithAuthLogClock(now func() time.Time) AuthLogOption {
	return func(a *AuthLogs) { a.now = now }
}

func NewAuthLogs(dir string, opts ...AuthLogOption) *AuthLogs {
	a := &AuthLogs{dir: dir, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *AuthLogs) Name() models.Capability { return models.CapabilityLogQuery }

func (a *AuthLogs) Schema() models.ToolSchema {
	return models.ToolSchema{
		Name: models.CapabilityLogQuery,
		Description: "Search authentication logs for login attempts and authentication events. " +
			"Supports filtering by result, user, IP and date range, and counting by user, ip, hour or day.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"date_start": map[string]any{
					"type":        "string",
					"description": "Start date: ISO date (2025-10-28) or today, yesterday, last_7_days, last_30_days, this_week, this_month. Defaults to today",
				},
				"date_end": map[string]any{
					"type":        "string",
					"description": "Optional end date, same formats. Defaults to today for relative ranges, else date_start",
				},
				"result_filter": map[string]any{
					"type":    "string",
					"enum":    []string{"failed", "successful", "all"},
					"default": "failed",
				},
				"username":   map[string]any{"type": "string", "description": "Optional username filter"},
				"ip_address": map[string]any{"type": "string", "description": "Optional IP address filter"},
				"limit":      map[string]any{"type": "integer", "default": 200},
				"aggregate_by": map[string]any{
					"type":    "string",
					"enum":    []string{"none", "user", "ip", "hour", "day"},
					"default": "none",
				},
			},
		},
	}
}

func (a *AuthLogs) Invoke(ctx context.Context, args map[string]any, _ string) (*Result, error) {
	q, err := a.parse(args)
	if err != nil {
		return nil, err
	}
	report, err := a.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return &Result{Content: formatAuthReport(report), Data: report}, nil
}

func (a *AuthLogs) parse(args map[string]any) (AuthLogQuery, error) {
	today := a.now().UTC()
	startArg := argString(args, "date_start", "today")
	start, ranged, err := resolveDate(startArg, today)
	if err != nil {
		return AuthLogQuery{}, err
	}
	end := start
	if endArg := argString(args, "date_end", ""); endArg != "" {
		if end, _, err = resolveDate(endArg, today); err != nil {
			return AuthLogQuery{}, err
		}
	} else if ranged {
		end = today.Format(time.DateOnly)
	}
	if end < start {
		start, end = end, start
	}

	result := strings.ToLower(argString(args, "result_filter", "failed"))
	switch result {
	case "failed", "successful", "all":
	default:
		return AuthLogQuery{}, fmt.Errorf("%w: result_filter must be failed, successful or all", ErrInvalidArguments)
	}
	agg := strings.ToLower(argString(args, "aggregate_by", "none"))
	switch agg {
	case "none", "user", "ip", "hour", "day":
	default:
		return AuthLogQuery{}, fmt.Errorf("%w: aggregate_by must be none, user, ip, hour or day", ErrInvalidArguments)
	}
	limit, err := argInt(args, "limit", 200, 1, 1000)
	if err != nil {
		return AuthLogQuery{}, err
	}
	return AuthLogQuery{
		DateStart:   start,
		DateEnd:     end,
		Result:      result,
		Username:    argString(args, "username", ""),
		IP:          argString(args, "ip_address", ""),
		Limit:       limit,
		AggregateBy: agg,
	}, nil
}

// resolveDate turns an ISO date or a relative name into YYYY-MM-DD.
// ranged reports a relative range whose end defaults to today.
func resolveDate(s string, today time.Time) (date string, ranged bool, err error) {
	day := func(t time.Time) string { return t.Format(time.DateOnly) }
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "today":
		return day(today), false, nil
	case "yesterday":
		return day(today.AddDate(0, 0, -1)), false, nil
	case "last_7_days", "last_week":
		return day(today.AddDate(0, 0, -7)), true, nil
	case "last_30_days", "last_month":
		return day(today.AddDate(0, 0, -30)), true, nil
	case "this_week":
		offset := (int(today.Weekday()) + 6) % 7 // days since Monday
		return day(today.AddDate(0, 0, -offset)), true, nil
	case "this_month":
		return day(time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)), true, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return day(t), false, nil
		}
	}
	return "", false, fmt.Errorf("%w: unrecognized date %q", ErrInvalidArguments, s)
}

// Search runs q against every CSV file in the log directory.
func (a *AuthLogs) Search(ctx context.Context, q AuthLogQuery) (*AuthLogReport, error) {
	report := &AuthLogReport{Query: q, Sample: []AuthEvent{}}
	files, err := filepath.Glob(filepath.Join(a.dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return report, nil
	}
	sort.Strings(files)

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // one connection owns the in-memory database

	if _, err := db.ExecContext(ctx, `CREATE TABLE auth_events (
		ts TEXT NOT NULL, user TEXT, action TEXT, result TEXT, ip TEXT)`); err != nil {
		return nil, fmt.Errorf("create log table: %w", err)
	}
	for _, f := range files {
		if err := loadAuthCSV(ctx, db, f); err != nil {
			return nil, err
		}
	}

	where, params := q.where()
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM auth_events WHERE "+where, params...).Scan(&report.Count); err != nil {
		return nil, fmt.Errorf("count log rows: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		"SELECT ts, user, action, result, ip FROM auth_events WHERE "+where+" ORDER BY ts DESC LIMIT ?",
		append(params, min(q.Limit, sampleRows))...)
	if err != nil {
		return nil, fmt.Errorf("query log rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev AuthEvent
		if err := rows.Scan(&ev.Timestamp, &ev.User, &ev.Action, &ev.Result, &ev.IP); err != nil {
			return nil, err
		}
		report.Sample = append(report.Sample, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.AggregateBy != "none" && report.Count > 0 {
		if report.Aggregation, err = aggregate(ctx, db, q, where, params); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (q AuthLogQuery) where() (string, []any) {
	clauses := []string{"substr(ts, 1, 10) BETWEEN ? AND ?"}
	params := []any{q.DateStart, q.DateEnd}
	switch q.Result {
	case "failed", "successful":
		clauses = append(clauses, "lower(result) = ?")
		params = append(params, q.Result)
	}
	if q.Username != "" {
		clauses = append(clauses, "lower(user) = lower(?)")
		params = append(params, q.Username)
	}
	if q.IP != "" {
		clauses = append(clauses, "ip = ?")
		params = append(params, q.IP)
	}
	return strings.Join(clauses, " AND "), params
}

func aggregate(ctx context.Context, db *sql.DB, q AuthLogQuery, where string, params []any) ([]AuthGroup, error) {
	var key, order string
	switch q.AggregateBy {
	case "user":
		key, order = "user", "n DESC, k"
	case "ip":
		key, order = "ip", "n DESC, k"
	case "hour":
		key, order = "replace(substr(ts, 1, 13), 'T', ' ') || ':00'", "k"
	case "day":
		key, order = "substr(ts, 1, 10)", "k"
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+key+" AS k, count(*) AS n FROM auth_events WHERE "+where+" GROUP BY k ORDER BY "+order+" LIMIT 20",
		params...)
	if err != nil {
		return nil, fmt.Errorf("aggregate log rows: %w", err)
	}
	defer rows.Close()
	var out []AuthGroup
	for rows.Next() {
		var g AuthGroup
		if err := rows.Scan(&g.Key, &g.Count); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// loadAuthCSV inserts one CSV file. Columns are located by header name so
// exports with extra or reordered columns load as well.
func loadAuthCSV(ctx context.Context, db *sql.DB, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["timestamp"]; !ok {
		return fmt.Errorf("read %s: missing timestamp column", path)
	}
	field := func(rec []string, name string) string {
		if i, ok := cols[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO auth_events (ts, user, action, result, ip) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	n := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Skipping malformed log row")
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			field(rec, "timestamp"), field(rec, "user"), field(rec, "action"), field(rec, "result"), field(rec, "ip")); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		n++
	}
	log.Debug().Str("file", path).Int("rows", n).Msg("Authentication log loaded")
	return tx.Commit()
}

func formatAuthReport(r *AuthLogReport) string {
	q := r.Query
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s authentication events between %s and %s", r.Count, q.Result, q.DateStart, q.DateEnd)
	if q.Username != "" {
		fmt.Fprintf(&b, " for user %s", q.Username)
	}
	if q.IP != "" {
		fmt.Fprintf(&b, " from %s", q.IP)
	}
	b.WriteString(".\n")
	for _, ev := range r.Sample {
		fmt.Fprintf(&b, "- %s %s %s %s %s\n", ev.Timestamp, ev.User, ev.Action, ev.Result, ev.IP)
	}
	if len(r.Aggregation) > 0 {
		fmt.Fprintf(&b, "By %s:\n", q.AggregateBy)
		for _, g := range r.Aggregation {
			fmt.Fprintf(&b, "- %s: %d\n", g.Key, g.Count)
		}
	}
	return b.String()
}
