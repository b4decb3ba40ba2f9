package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// reserveStatusExpr computes the post-transition status of a key from the
// stored row: daily reset wakes a quota-exceeded key, an elapsed cooldown
// wakes a rate-limited key, and a counter at the ceiling forces quota. Every
// column reference reads the pre-update row, so the expression can be reused
// for the dependent assignments within the same statement.
// $2 is the calendar day, $3 is the current time.
const reserveStatusExpr = `CASE
	WHEN status = 'quota_exceeded' AND usage_day IS DISTINCT FROM $2 THEN 'active'
	WHEN status = 'rate_limited' AND (cooldown_until IS NULL OR cooldown_until <= $3) THEN
		CASE WHEN daily_limit > 0 AND (CASE WHEN usage_day = $2 THEN today_usage ELSE 0 END) >= daily_limit
			THEN 'quota_exceeded' ELSE 'active' END
	WHEN status = 'active' AND daily_limit > 0 AND (CASE WHEN usage_day = $2 THEN today_usage ELSE 0 END) >= daily_limit
		THEN 'quota_exceeded'
	ELSE status
END`

// CredentialStore persists API keys in Postgres. Reserve and the Mark
// methods are single conditional updates, so concurrent workers observe
// consistent state without an explicit transaction.
type CredentialStore struct {
	pool  querier
	table string
}

// NewCredentialStore creates a Postgres-backed CredentialStore using the provided config.
func NewCredentialStore(ctx context.Context, cfg Config, table string) (*CredentialStore, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewCredentialStoreWithPool(pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewCredentialStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCredentialStoreWithPool(pool querier, table string) (*CredentialStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "credentials"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CredentialStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *CredentialStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateCredential inserts a new key row.
func (s *CredentialStore) CreateCredential(ctx context.Context, cred pipeline.Credential) error {
	if cred.ID == "" {
		return fmt.Errorf("credential id is required")
	}
	if cred.Status == "" {
		cred.Status = pipeline.StatusActive
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, secret, scope, owner_id, project_id, status, cooldown_until,
	last_used_at, total_usage, today_usage, usage_day, daily_limit, last_error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`, s.table)
	_, err := s.pool.Exec(ctx, query,
		cred.ID, cred.Secret, string(cred.Scope), cred.OwnerID, cred.ProjectID,
		string(cred.Status), nullableTime(cred.CooldownUntil), nullableTime(cred.LastUsedAt),
		cred.TotalUsage, cred.TodayUsage, cred.UsageDay, cred.DailyLimit, cred.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// UpdateCredential replaces a stored key row.
func (s *CredentialStore) UpdateCredential(ctx context.Context, cred pipeline.Credential) error {
	if cred.ID == "" {
		return fmt.Errorf("credential id is required")
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	secret = $2,
	scope = $3,
	owner_id = $4,
	project_id = $5,
	status = $6,
	cooldown_until = $7,
	last_used_at = $8,
	total_usage = $9,
	today_usage = $10,
	usage_day = $11,
	daily_limit = $12,
	last_error = $13
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		cred.ID, cred.Secret, string(cred.Scope), cred.OwnerID, cred.ProjectID,
		string(cred.Status), nullableTime(cred.CooldownUntil), nullableTime(cred.LastUsedAt),
		cred.TotalUsage, cred.TodayUsage, cred.UsageDay, cred.DailyLimit, cred.LastError,
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// GetCredential returns one key row.
func (s *CredentialStore) GetCredential(ctx context.Context, id string) (pipeline.Credential, error) {
	query := fmt.Sprintf(`%s WHERE id = $1`, s.selectClause())
	cred, err := scanCredential(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Credential{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

// ListCredentials returns non-error keys for a scope ordered by ascending
// today-usage, so the broker tries the least-used key first. Private scope
// filters on the owner.
func (s *CredentialStore) ListCredentials(ctx context.Context, scope pipeline.CredentialScope, ownerID string) ([]pipeline.Credential, error) {
	query := fmt.Sprintf(`%s WHERE scope = $1 AND status <> 'error'`, s.selectClause())
	args := []any{string(scope)}
	if scope == pipeline.ScopePrivate {
		query += ` AND owner_id = $2`
		args = append(args, ownerID)
	}
	query += ` ORDER BY today_usage, id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var out []pipeline.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

// Reserve applies the lazy transitions for one key and reports whether it
// came out usable. The whole transition runs in one conditional update, so
// two concurrent callers cannot both wake and win a key that only one may
// have.
func (s *CredentialStore) Reserve(ctx context.Context, id string, now time.Time) (pipeline.Credential, bool, error) {
	day := now.Format("2006-01-02")
	query := fmt.Sprintf(`
UPDATE %s SET
	today_usage = CASE WHEN usage_day = $2 THEN today_usage ELSE 0 END,
	usage_day = $2,
	status = %s,
	cooldown_until = CASE WHEN status = 'rate_limited' AND (cooldown_until IS NULL OR cooldown_until <= $3) THEN NULL ELSE cooldown_until END,
	last_used_at = CASE WHEN (%s) = 'active' THEN $3 ELSE last_used_at END
WHERE id = $1
RETURNING id, secret, scope, owner_id, project_id, status, cooldown_until,
	last_used_at, total_usage, today_usage, usage_day, daily_limit, last_error`,
		s.table, reserveStatusExpr, reserveStatusExpr)
	cred, err := scanCredential(s.pool.QueryRow(ctx, query, id, day, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Credential{}, false, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Credential{}, false, fmt.Errorf("reserve credential: %w", err)
	}
	return cred, cred.Status == pipeline.StatusActive, nil
}

// MarkSuccess records a successful use of the key. A success on a
// rate-limited key is evidence the throttling window has passed.
func (s *CredentialStore) MarkSuccess(ctx context.Context, id string, now time.Time) error {
	day := now.Format("2006-01-02")
	query := fmt.Sprintf(`
UPDATE %s SET
	total_usage = total_usage + 1,
	today_usage = CASE WHEN usage_day = $2 THEN today_usage + 1 ELSE 1 END,
	usage_day = $2,
	last_used_at = $3,
	last_error = '',
	cooldown_until = CASE WHEN status = 'rate_limited' THEN NULL ELSE cooldown_until END,
	status = CASE
		WHEN daily_limit > 0 AND (CASE WHEN usage_day = $2 THEN today_usage + 1 ELSE 1 END) >= daily_limit THEN 'quota_exceeded'
		WHEN status = 'rate_limited' THEN 'active'
		ELSE status
	END
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, day, now)
	if err != nil {
		return fmt.Errorf("mark credential success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// MarkFailure stamps the failing key with the classified status.
func (s *CredentialStore) MarkFailure(ctx context.Context, id string, status pipeline.CredentialStatus, cooldownUntil time.Time, errText string) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, cooldown_until = $3, last_error = $4 WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, string(status), nullableTime(cooldownUntil), errText)
	if err != nil {
		return fmt.Errorf("mark credential failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// MarkProjectFailure applies the same status to every key sharing the
// project grouping id, in one statement.
func (s *CredentialStore) MarkProjectFailure(ctx context.Context, projectID string, status pipeline.CredentialStatus, cooldownUntil time.Time, errText string) error {
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, cooldown_until = $3, last_error = $4 WHERE project_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, projectID, string(status), nullableTime(cooldownUntil), errText); err != nil {
		return fmt.Errorf("mark project failure: %w", err)
	}
	return nil
}

func (s *CredentialStore) selectClause() string {
	return fmt.Sprintf(`
SELECT id, secret, scope, owner_id, project_id, status, cooldown_until,
	last_used_at, total_usage, today_usage, usage_day, daily_limit, last_error
FROM %s`, s.table)
}

func scanCredential(row pgx.Row) (pipeline.Credential, error) {
	var (
		cred          pipeline.Credential
		scope, status string
		cooldownUntil *time.Time
		lastUsedAt    *time.Time
	)
	err := row.Scan(
		&cred.ID, &cred.Secret, &scope, &cred.OwnerID, &cred.ProjectID, &status, &cooldownUntil,
		&lastUsedAt, &cred.TotalUsage, &cred.TodayUsage, &cred.UsageDay, &cred.DailyLimit, &cred.LastError,
	)
	if err != nil {
		return pipeline.Credential{}, err
	}
	cred.Scope = pipeline.CredentialScope(scope)
	cred.Status = pipeline.CredentialStatus(status)
	if cooldownUntil != nil {
		cred.CooldownUntil = *cooldownUntil
	}
	if lastUsedAt != nil {
		cred.LastUsedAt = *lastUsedAt
	}
	return cred, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
