package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/marberlow/newsmill/internal/pipeline"
)

func credentialColumns() []string {
	return []string{
		"id", "secret", "scope", "owner_id", "project_id", "status", "cooldown_until",
		"last_used_at", "total_usage", "today_usage", "usage_day", "daily_limit", "last_error",
	}
}

func TestReserveReturnsUsableActiveKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCredentialStoreWithPool(mock, "credentials")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows(credentialColumns()).AddRow(
		"key-1", "sk-secret", "shared", "", "proj-1", "active", nil,
		&now, int64(42), int64(5), now.Format("2006-01-02"), int64(100), "",
	)

	mock.ExpectQuery("UPDATE credentials SET").
		WithArgs("key-1", now.Format("2006-01-02"), now).
		WillReturnRows(rows)

	cred, usable, err := store.Reserve(context.Background(), "key-1", now)
	require.NoError(t, err)
	require.True(t, usable)
	require.Equal(t, pipeline.StatusActive, cred.Status)
	require.Equal(t, "sk-secret", cred.Secret)
	require.Equal(t, int64(5), cred.TodayUsage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveReportsExhaustedKeyUnusable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCredentialStoreWithPool(mock, "credentials")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows(credentialColumns()).AddRow(
		"key-1", "sk-secret", "shared", "", "proj-1", "quota_exceeded", nil,
		nil, int64(100), int64(100), now.Format("2006-01-02"), int64(100), "",
	)

	mock.ExpectQuery("UPDATE credentials SET").
		WithArgs("key-1", now.Format("2006-01-02"), now).
		WillReturnRows(rows)

	cred, usable, err := store.Reserve(context.Background(), "key-1", now)
	require.NoError(t, err)
	require.False(t, usable)
	require.Equal(t, pipeline.StatusQuotaExceeded, cred.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveUnknownKeyReturnsNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCredentialStoreWithPool(mock, "credentials")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE credentials SET").
		WithArgs("ghost", now.Format("2006-01-02"), now).
		WillReturnError(pgx.ErrNoRows)

	_, _, err = store.Reserve(context.Background(), "ghost", now)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSuccessIncrementsCounters(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCredentialStoreWithPool(mock, "credentials")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE credentials SET").
		WithArgs("key-1", now.Format("2006-01-02"), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkSuccess(context.Background(), "key-1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSuccessUnknownKeyReturnsNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCredentialStoreWithPool(mock, "credentials")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE credentials SET").
		WithArgs("ghost", now.Format("2006-01-02"), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkSuccess(context.Background(), "ghost", now)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailureStampsStatusAndCooldown(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCredentialStoreWithPool(mock, "credentials")
	require.NoError(t, err)

	until := time.Unix(1700000000, 0).UTC().Add(time.Minute)
	mock.ExpectExec("UPDATE credentials SET").
		WithArgs("key-1", "rate_limited", &until, "429 too many requests").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.MarkFailure(context.Background(), "key-1", pipeline.StatusRateLimited, until, "429 too many requests")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProjectFailureUpdatesEveryProjectKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCredentialStoreWithPool(mock, "credentials")
	require.NoError(t, err)

	until := time.Unix(1700000000, 0).UTC().Add(24 * time.Hour)
	mock.ExpectExec("UPDATE credentials SET").
		WithArgs("proj-1", "quota_exceeded", &until, "project quota exhausted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	err = store.MarkProjectFailure(context.Background(), "proj-1", pipeline.StatusQuotaExceeded, until, "project quota exhausted")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProjectFailureRequiresProjectID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCredentialStoreWithPool(mock, "credentials")
	require.NoError(t, err)

	err = store.MarkProjectFailure(context.Background(), "", pipeline.StatusError, time.Time{}, "boom")
	require.Error(t, err)
}

func TestListCredentialsFiltersPrivateScopeByOwner(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCredentialStoreWithPool(mock, "credentials")
	require.NoError(t, err)

	rows := pgxmock.NewRows(credentialColumns()).AddRow(
		"key-2", "sk-two", "private", "owner-1", "", "active", nil,
		nil, int64(0), int64(0), "", int64(0), "",
	)

	mock.ExpectQuery("SELECT id, secret, scope").
		WithArgs("private", "owner-1").
		WillReturnRows(rows)

	out, err := store.ListCredentials(context.Background(), pipeline.ScopePrivate, "owner-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "key-2", out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
