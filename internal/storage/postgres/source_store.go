package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// SourceStore persists source configurations in Postgres.
type SourceStore struct {
	pool  querier
	table string
}

// NewSourceStore creates a Postgres-backed SourceStore using the provided config.
func NewSourceStore(ctx context.Context, cfg Config, table string) (*SourceStore, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewSourceStoreWithPool(pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewSourceStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSourceStoreWithPool(pool querier, table string) (*SourceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "sources"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SourceStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *SourceStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateSource inserts a new source row.
func (s *SourceStore) CreateSource(ctx context.Context, src pipeline.SourceConfig) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	selectors, err := json.Marshal(src.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, name, url, strategy, selectors, schedule,
	category_id, auto_publish, active, owner_id, created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.table)
	_, err = s.pool.Exec(ctx, query,
		src.ID, src.Name, src.URL, string(src.Strategy), selectors, src.Schedule,
		src.CategoryID, src.AutoPublish, src.Active, src.OwnerID, src.CreatedAt, src.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// UpdateSource replaces an existing source row.
func (s *SourceStore) UpdateSource(ctx context.Context, src pipeline.SourceConfig) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	selectors, err := json.Marshal(src.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	name = $2,
	url = $3,
	strategy = $4,
	selectors = $5,
	schedule = $6,
	category_id = $7,
	auto_publish = $8,
	active = $9,
	owner_id = $10,
	updated_at = $11
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		src.ID, src.Name, src.URL, string(src.Strategy), selectors, src.Schedule,
		src.CategoryID, src.AutoPublish, src.Active, src.OwnerID, src.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// DeleteSource removes a source row.
func (s *SourceStore) DeleteSource(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// GetSource returns one source row.
func (s *SourceStore) GetSource(ctx context.Context, id string) (pipeline.SourceConfig, error) {
	query := fmt.Sprintf(`%s WHERE id = $1`, s.selectClause())
	row := s.pool.QueryRow(ctx, query, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.SourceConfig{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.SourceConfig{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListSources returns every source ordered by name.
func (s *SourceStore) ListSources(ctx context.Context) ([]pipeline.SourceConfig, error) {
	query := fmt.Sprintf(`%s ORDER BY name, id`, s.selectClause())
	return s.listSources(ctx, query)
}

// ListActiveSources returns the sources the scheduler should run.
func (s *SourceStore) ListActiveSources(ctx context.Context) ([]pipeline.SourceConfig, error) {
	query := fmt.Sprintf(`%s WHERE active ORDER BY name, id`, s.selectClause())
	return s.listSources(ctx, query)
}

func (s *SourceStore) listSources(ctx context.Context, query string, args ...any) ([]pipeline.SourceConfig, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []pipeline.SourceConfig
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

func (s *SourceStore) selectClause() string {
	return fmt.Sprintf(`
SELECT id, name, url, strategy, selectors, schedule,
	category_id, auto_publish, active, owner_id, created_at, updated_at
FROM %s`, s.table)
}

func scanSource(row pgx.Row) (pipeline.SourceConfig, error) {
	var (
		src       pipeline.SourceConfig
		strategy  string
		selectors []byte
	)
	err := row.Scan(
		&src.ID, &src.Name, &src.URL, &strategy, &selectors, &src.Schedule,
		&src.CategoryID, &src.AutoPublish, &src.Active, &src.OwnerID, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return pipeline.SourceConfig{}, err
	}
	src.Strategy = pipeline.Strategy(strategy)
	if len(selectors) > 0 {
		if err := json.Unmarshal(selectors, &src.Selectors); err != nil {
			return pipeline.SourceConfig{}, fmt.Errorf("unmarshal selectors: %w", err)
		}
	}
	return src, nil
}
