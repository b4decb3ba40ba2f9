package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// HistoryStore is the Postgres-backed dedup ledger. The URL is the primary
// key, so the upsert keeps at most one row per URL by construction.
type HistoryStore struct {
	pool  querier
	table string
}

// NewHistoryStore creates a Postgres-backed HistoryStore using the provided config.
func NewHistoryStore(ctx context.Context, cfg Config, table string) (*HistoryStore, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewHistoryStoreWithPool(pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(pool querier, table string) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_history"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &HistoryStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// FindHistory returns the ledger row for a URL.
func (s *HistoryStore) FindHistory(ctx context.Context, url string) (pipeline.HistoryRecord, error) {
	query := fmt.Sprintf(`
SELECT url, source_id, outcome, error, article_id, attempted_at
FROM %s WHERE url = $1`, s.table)
	var (
		rec     pipeline.HistoryRecord
		outcome string
	)
	err := s.pool.QueryRow(ctx, query, url).Scan(
		&rec.URL, &rec.SourceID, &outcome, &rec.Error, &rec.ArticleID, &rec.AttemptedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.HistoryRecord{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.HistoryRecord{}, fmt.Errorf("find history: %w", err)
	}
	rec.Outcome = pipeline.Outcome(outcome)
	return rec, nil
}

// UpsertHistory inserts the row or replaces the prior attempt for the URL.
func (s *HistoryStore) UpsertHistory(ctx context.Context, rec pipeline.HistoryRecord) error {
	if rec.URL == "" {
		return fmt.Errorf("history url is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (url, source_id, outcome, error, article_id, attempted_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (url) DO UPDATE SET
	source_id = EXCLUDED.source_id,
	outcome = EXCLUDED.outcome,
	error = EXCLUDED.error,
	article_id = EXCLUDED.article_id,
	attempted_at = EXCLUDED.attempted_at`, s.table)
	_, err := s.pool.Exec(ctx, query,
		rec.URL, rec.SourceID, string(rec.Outcome), rec.Error, rec.ArticleID, rec.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}

// ListHistory returns ledger rows newest first.
func (s *HistoryStore) ListHistory(ctx context.Context, limit, offset int) ([]pipeline.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`
SELECT url, source_id, outcome, error, article_id, attempted_at
FROM %s ORDER BY attempted_at DESC, url LIMIT $1 OFFSET $2`, s.table)
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	var out []pipeline.HistoryRecord
	for rows.Next() {
		var (
			rec     pipeline.HistoryRecord
			outcome string
		)
		if err := rows.Scan(&rec.URL, &rec.SourceID, &outcome, &rec.Error, &rec.ArticleID, &rec.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.Outcome = pipeline.Outcome(outcome)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}
