package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentoven/triage/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore persists the corpus and rules in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int32) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("Postgres corpus store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS routing_examples (
			id             TEXT PRIMARY KEY,
			text           TEXT NOT NULL,
			use_rag        BOOLEAN NOT NULL DEFAULT FALSE,
			use_logs       BOOLEAN NOT NULL DEFAULT FALSE,
			use_web_search BOOLEAN NOT NULL DEFAULT FALSE,
			category       TEXT NOT NULL DEFAULT '',
			provenance     TEXT NOT NULL,
			added_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_routing_examples_added ON routing_examples (added_at);

		CREATE TABLE IF NOT EXISTS routing_rules (
			name     TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			doc      JSONB NOT NULL
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Kind() string { return "postgres" }

func (s *PostgresStore) LoadExamples(ctx context.Context) ([]models.RoutingExample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, text, use_rag, use_logs, use_web_search, category, provenance, added_at
		FROM routing_examples
		ORDER BY added_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load examples: %w", err)
	}
	defer rows.Close()

	var out []models.RoutingExample
	for rows.Next() {
		var ex models.RoutingExample
		var prov string
		if err := rows.Scan(&ex.ID, &ex.Text, &ex.Flags.Retrieval, &ex.Flags.LogQuery, &ex.Flags.WebSearch,
			&ex.Category, &prov, &ex.AddedAt); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		ex.Provenance = models.Provenance(prov)
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *PostgresStore) UpsertExamples(ctx context.Context, examples []models.RoutingExample) error {
	if len(examples) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ex := range examples {
		batch.Queue(`
			INSERT INTO routing_examples (id, text, use_rag, use_logs, use_web_search, category, provenance, added_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				text = EXCLUDED.text,
				use_rag = EXCLUDED.use_rag,
				use_logs = EXCLUDED.use_logs,
				use_web_search = EXCLUDED.use_web_search,
				category = EXCLUDED.category,
				provenance = EXCLUDED.provenance,
				added_at = EXCLUDED.added_at`,
			ex.ID, ex.Text, ex.Flags.Retrieval, ex.Flags.LogQuery, ex.Flags.WebSearch,
			ex.Category, string(ex.Provenance), ex.AddedAt)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert examples: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) LoadRules(ctx context.Context) ([]models.OverrideRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM routing_rules ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	var out []models.OverrideRule
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		var r models.OverrideRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// SaveRules replaces the whole rule set in one transaction.
func (s *PostgresStore) SaveRules(ctx context.Context, rules []models.OverrideRule) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM routing_rules`); err != nil {
			return fmt.Errorf("clear rules: %w", err)
		}
		for i, r := range rules {
			doc, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode rule %s: %w", r.Name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO routing_rules (name, position, doc) VALUES ($1, $2, $3::jsonb)`,
				r.Name, i, string(doc)); err != nil {
				return fmt.Errorf("insert rule %s: %w", r.Name, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
