package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marberlow/newsmill/internal/pipeline"
)

func TestSourceStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewSourceStore()

	src := pipeline.SourceConfig{ID: "src-1", Name: "Example", URL: "https://example.com/feed.xml", Active: true}
	require.NoError(t, store.CreateSource(ctx, src))
	require.Error(t, store.CreateSource(ctx, src))

	got, err := store.GetSource(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, "Example", got.Name)

	src.Active = false
	require.NoError(t, store.UpdateSource(ctx, src))

	active, err := store.ListActiveSources(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	require.NoError(t, store.DeleteSource(ctx, "src-1"))
	require.ErrorIs(t, store.DeleteSource(ctx, "src-1"), pipeline.ErrNotFound)
	_, err = store.GetSource(ctx, "src-1")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestHistoryStoreUpsertKeepsOneRecordPerURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewHistoryStore()

	now := time.Now().UTC()
	require.NoError(t, store.UpsertHistory(ctx, pipeline.HistoryRecord{
		URL: "https://example.com/a", Outcome: pipeline.OutcomeFailed, Error: "status 500", AttemptedAt: now,
	}))
	require.NoError(t, store.UpsertHistory(ctx, pipeline.HistoryRecord{
		URL: "https://example.com/a", Outcome: pipeline.OutcomeSuccess, ArticleID: "art-1", AttemptedAt: now.Add(time.Minute),
	}))

	rec, err := store.FindHistory(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeSuccess, rec.Outcome)
	require.Equal(t, "art-1", rec.ArticleID)
	require.Empty(t, rec.Error)

	all, err := store.ListHistory(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestHistoryStoreListOrdersNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewHistoryStore()

	base := time.Now().UTC()
	for i, u := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		require.NoError(t, store.UpsertHistory(ctx, pipeline.HistoryRecord{
			URL: u, Outcome: pipeline.OutcomeSuccess, AttemptedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := store.ListHistory(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "https://example.com/c", page[0].URL)

	rest, err := store.ListHistory(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "https://example.com/a", rest[0].URL)
}

func TestArticleStoreExistsAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewArticleStore()

	art, err := store.CreateArticle(ctx, pipeline.ArticleDraft{Title: "T", Slug: "t"})
	require.NoError(t, err)
	require.NotEmpty(t, art.ID)

	ok, err := store.ArticleExists(ctx, art.ID)
	require.NoError(t, err)
	require.True(t, ok)

	store.DeleteArticle(art.ID)
	ok, err = store.ArticleExists(ctx, art.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCredentialReserveAppliesDailyReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCredentialStore()

	yesterday := time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC)
	today := yesterday.Add(2 * time.Hour)
	require.NoError(t, store.CreateCredential(ctx, pipeline.Credential{
		ID:         "key-1",
		Scope:      pipeline.ScopeShared,
		Status:     pipeline.StatusQuotaExceeded,
		TodayUsage: 100,
		UsageDay:   yesterday.Format("2006-01-02"),
		DailyLimit: 100,
	}))

	cred, usable, err := store.Reserve(ctx, "key-1", today)
	require.NoError(t, err)
	require.True(t, usable)
	require.Equal(t, pipeline.StatusActive, cred.Status)
	require.Zero(t, cred.TodayUsage)
	require.Equal(t, today.Format("2006-01-02"), cred.UsageDay)
}

func TestCredentialReserveWakesExpiredCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCredentialStore()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateCredential(ctx, pipeline.Credential{
		ID:            "key-1",
		Scope:         pipeline.ScopeShared,
		Status:        pipeline.StatusRateLimited,
		CooldownUntil: now.Add(-time.Second),
		UsageDay:      now.Format("2006-01-02"),
	}))

	cred, usable, err := store.Reserve(ctx, "key-1", now)
	require.NoError(t, err)
	require.True(t, usable)
	require.Equal(t, pipeline.StatusActive, cred.Status)
	require.True(t, cred.CooldownUntil.IsZero())

	// A cooldown still in the future keeps the key blocked.
	require.NoError(t, store.MarkFailure(ctx, "key-1", pipeline.StatusRateLimited, now.Add(time.Hour), "429"))
	_, usable, err = store.Reserve(ctx, "key-1", now)
	require.NoError(t, err)
	require.False(t, usable)
}

func TestCredentialMarkSuccessForcesQuotaAtCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCredentialStore()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateCredential(ctx, pipeline.Credential{
		ID:         "key-1",
		Scope:      pipeline.ScopeShared,
		TodayUsage: 1,
		UsageDay:   now.Format("2006-01-02"),
		DailyLimit: 2,
	}))

	require.NoError(t, store.MarkSuccess(ctx, "key-1", now))
	cred, err := store.GetCredential(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusQuotaExceeded, cred.Status)
	require.Equal(t, int64(2), cred.TodayUsage)

	_, usable, err := store.Reserve(ctx, "key-1", now)
	require.NoError(t, err)
	require.False(t, usable)
}

func TestCredentialMarkProjectFailureHitsEverySibling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCredentialStore()

	for _, id := range []string{"key-1", "key-2"} {
		require.NoError(t, store.CreateCredential(ctx, pipeline.Credential{
			ID: id, Scope: pipeline.ScopeShared, ProjectID: "proj-1",
		}))
	}
	require.NoError(t, store.CreateCredential(ctx, pipeline.Credential{
		ID: "key-3", Scope: pipeline.ScopeShared, ProjectID: "proj-2",
	}))

	until := time.Now().Add(time.Hour)
	require.NoError(t, store.MarkProjectFailure(ctx, "proj-1", pipeline.StatusQuotaExceeded, until, "project quota"))

	for _, id := range []string{"key-1", "key-2"} {
		cred, err := store.GetCredential(ctx, id)
		require.NoError(t, err)
		require.Equal(t, pipeline.StatusQuotaExceeded, cred.Status)
	}
	other, err := store.GetCredential(ctx, "key-3")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusActive, other.Status)
}

func TestCredentialReserveIsSafeUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewCredentialStore()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateCredential(ctx, pipeline.Credential{
		ID: "key-1", Scope: pipeline.ScopeShared, UsageDay: now.Format("2006-01-02"),
	}))

	errs := make(chan error, 100)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.Reserve(ctx, "key-1", now); err != nil {
				errs <- err
				return
			}
			errs <- store.MarkSuccess(ctx, "key-1", now)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	cred, err := store.GetCredential(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), cred.TotalUsage)
	require.Equal(t, int64(50), cred.TodayUsage)
}
