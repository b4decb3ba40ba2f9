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

func TestUpsertHistoryWritesConflictClause(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewHistoryStoreWithPool(mock, "crawl_history")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := pipeline.HistoryRecord{
		URL:         "https://example.com/a",
		SourceID:    "src-1",
		Outcome:     pipeline.OutcomeSuccess,
		ArticleID:   "art-9",
		AttemptedAt: now,
	}

	mock.ExpectExec("INSERT INTO crawl_history .+ ON CONFLICT \\(url\\) DO UPDATE").
		WithArgs(rec.URL, rec.SourceID, "success", "", rec.ArticleID, rec.AttemptedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertHistory(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindHistoryNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewHistoryStoreWithPool(mock, "crawl_history")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT url, source_id, outcome").
		WithArgs("https://example.com/missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.FindHistory(context.Background(), "https://example.com/missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindHistoryDecodesOutcome(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewHistoryStoreWithPool(mock, "crawl_history")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"url", "source_id", "outcome", "error", "article_id", "attempted_at"}).
		AddRow("https://example.com/a", "src-1", "failed", "status 410", "", now)

	mock.ExpectQuery("SELECT url, source_id, outcome").
		WithArgs("https://example.com/a").
		WillReturnRows(rows)

	rec, err := store.FindHistory(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeFailed, rec.Outcome)
	require.Equal(t, "status 410", rec.Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListHistoryAppliesDefaultLimit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewHistoryStoreWithPool(mock, "crawl_history")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"url", "source_id", "outcome", "error", "article_id", "attempted_at"}).
		AddRow("https://example.com/b", "src-1", "success", "", "art-2", now).
		AddRow("https://example.com/a", "src-1", "success", "", "art-1", now.Add(-time.Hour))

	mock.ExpectQuery("SELECT url, source_id, outcome").
		WithArgs(50, 0).
		WillReturnRows(rows)

	out, err := store.ListHistory(context.Background(), 0, -3)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "https://example.com/b", out[0].URL)
	require.NoError(t, mock.ExpectationsWereMet())
}
