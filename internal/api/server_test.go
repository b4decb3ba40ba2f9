package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marberlow/newsmill/internal/clock/system"
	"github.com/marberlow/newsmill/internal/config"
	"github.com/marberlow/newsmill/internal/dispatcher"
	"github.com/marberlow/newsmill/internal/id/uuid"
	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/notify/sinks"
	"github.com/marberlow/newsmill/internal/pipeline"
	queuemem "github.com/marberlow/newsmill/internal/queue/memory"
	"github.com/marberlow/newsmill/internal/schedule"
	storemem "github.com/marberlow/newsmill/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type testEnv struct {
	server  *Server
	sources *storemem.SourceStore
	history *storemem.HistoryStore
	creds   *storemem.CredentialStore
	queue   *queuemem.Queue
	sink    *sinks.StoreSink
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	sources := storemem.NewSourceStore()
	history := storemem.NewHistoryStore()
	creds := storemem.NewCredentialStore()
	queue := queuemem.NewQueue(queuemem.Config{Capacity: 16}, nil)
	t.Cleanup(queue.Close)
	ids := uuid.NewUUIDGenerator()
	clk := system.New()
	sched := schedule.New(sources, queue, ids, clk, nil)
	sink := sinks.NewStoreSink(16)

	srv := NewServer(Deps{
		Sources:       sources,
		History:       history,
		Credentials:   creds,
		Scheduler:     sched,
		Dispatcher:    dispatcher.New(queue, nil),
		Notifications: sink,
		IDs:           ids,
		Clock:         clk,
	}, cfg, nil)

	return &testEnv{server: srv, sources: sources, history: history, creds: creds, queue: queue, sink: sink}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSourceSchedulesAndReturnsIt(t *testing.T) {
	e := newTestEnv(t, config.Config{})

	rec := e.do(t, http.MethodPost, "/v1/sources", map[string]any{
		"name":     "Example",
		"url":      "https://example.com/feed.xml",
		"schedule": "*/15 * * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	src := decode[pipeline.SourceConfig](t, rec)
	require.NotEmpty(t, src.ID)
	require.Equal(t, pipeline.StrategyStatic, src.Strategy)
	require.True(t, src.Active)

	stored, err := e.sources.GetSource(context.Background(), src.ID)
	require.NoError(t, err)
	require.Equal(t, "Example", stored.Name)
}

func TestCreateSourceRejectsBadPayload(t *testing.T) {
	e := newTestEnv(t, config.Config{})

	rec := e.do(t, http.MethodPost, "/v1/sources", map[string]any{"name": "no url"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/sources", map[string]any{
		"name": "bad strategy", "url": "https://example.com", "strategy": "psychic",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSourceNotFound(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	rec := e.do(t, http.MethodPut, "/v1/sources/ghost", map[string]any{
		"name": "x", "url": "https://example.com",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSourceEnqueuesFeedJob(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	require.NoError(t, e.sources.CreateSource(context.Background(), pipeline.SourceConfig{
		ID: "src-1", Name: "Example", URL: "https://example.com/feed.xml", Active: true,
	}))

	rec := e.do(t, http.MethodPost, "/v1/sources/src-1/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobKindFeed, job.Kind)
	require.Equal(t, "src-1", job.SourceID)
	require.True(t, job.Manual)
}

func TestTriggerUnknownSourceReturns404(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	rec := e.do(t, http.MethodPost, "/v1/sources/ghost/trigger", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitJobSnapshotsSourceSettings(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	require.NoError(t, e.sources.CreateSource(context.Background(), pipeline.SourceConfig{
		ID:          "src-1",
		Name:        "Example",
		URL:         "https://example.com/feed.xml",
		Strategy:    pipeline.StrategyDynamic,
		Selectors:   pipeline.SelectorSet{Title: "h1.headline"},
		CategoryID:  "cat-3",
		AutoPublish: true,
		OwnerID:     "owner-1",
		Active:      true,
	}))

	rec := e.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"url":          "https://example.com/article",
		"source_id":    "src-1",
		"bypass_dedup": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobKindPage, job.Kind)
	require.Equal(t, "https://example.com/article", job.URL)
	require.Equal(t, pipeline.StrategyDynamic, job.Strategy)
	require.Equal(t, "h1.headline", job.Selectors.Title)
	require.Equal(t, "cat-3", job.CategoryID)
	require.Equal(t, "owner-1", job.OwnerID)
	require.True(t, job.Manual)
	require.True(t, job.BypassDedup)
}

func TestSubmitJobWithoutSourceLeavesStrategyUnpinned(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	rec := e.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"url": "https://example.com/article",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, pipeline.Strategy(""), job.Strategy)
	require.True(t, job.Manual)
}

func TestSubmitJobRequiresURL(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	rec := e.do(t, http.MethodPost, "/v1/jobs", map[string]any{"source_id": "src-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListHistoryPassesPaging(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	now := time.Now().UTC()
	for _, u := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		require.NoError(t, e.history.UpsertHistory(context.Background(), pipeline.HistoryRecord{
			URL: u, Outcome: pipeline.OutcomeSuccess, AttemptedAt: now,
		}))
		now = now.Add(time.Minute)
	}

	rec := e.do(t, http.MethodGet, "/v1/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		History []pipeline.HistoryRecord `json:"history"`
		Limit   int                      `json:"limit"`
	}](t, rec)
	require.Len(t, body.History, 2)
	require.Equal(t, 2, body.Limit)
}

func TestCreateKeyNeverEchoesSecret(t *testing.T) {
	e := newTestEnv(t, config.Config{})

	rec := e.do(t, http.MethodPost, "/v1/keys", map[string]any{
		"secret":      "sk-very-secret",
		"scope":       "shared",
		"project_id":  "proj-1",
		"daily_limit": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotContains(t, rec.Body.String(), "sk-very-secret")

	key := decode[pipeline.Credential](t, rec)
	require.NotEmpty(t, key.ID)

	stored, err := e.creds.GetCredential(context.Background(), key.ID)
	require.NoError(t, err)
	require.Equal(t, "sk-very-secret", stored.Secret)
	require.Equal(t, pipeline.StatusActive, stored.Status)
}

func TestCreateKeyPrivateRequiresOwner(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	rec := e.do(t, http.MethodPost, "/v1/keys", map[string]any{
		"secret": "sk-x", "scope": "private",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateKeyReactivates(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	require.NoError(t, e.creds.CreateCredential(context.Background(), pipeline.Credential{
		ID:            "key-1",
		Secret:        "sk-x",
		Scope:         pipeline.ScopeShared,
		Status:        pipeline.StatusRateLimited,
		CooldownUntil: time.Now().Add(time.Hour),
		LastError:     "429",
	}))

	rec := e.do(t, http.MethodPut, "/v1/keys/key-1", map[string]any{"status": "active"})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := e.creds.GetCredential(context.Background(), "key-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusActive, stored.Status)
	require.True(t, stored.CooldownUntil.IsZero())
	require.Empty(t, stored.LastError)
}

func TestListNotificationsFiltersPrincipal(t *testing.T) {
	e := newTestEnv(t, config.Config{})
	require.NoError(t, e.sink.Consume(context.Background(), []pipeline.Notification{
		{PrincipalID: "owner-1", Type: pipeline.NotifyArticleCreated, Title: "one", At: time.Now()},
		{PrincipalID: "owner-2", Type: pipeline.NotifyCrawlFailed, Title: "two", At: time.Now()},
	}))

	rec := e.do(t, http.MethodGet, "/v1/notifications?principal_id=owner-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Notifications []pipeline.Notification `json:"notifications"`
	}](t, rec)
	require.Len(t, body.Notifications, 1)
	require.Equal(t, "one", body.Notifications[0].Title)
}

func TestAPIKeyMiddlewareGuardsV1Routes(t *testing.T) {
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "hunter2"
	e := newTestEnv(t, cfg)

	rec := e.do(t, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	req.Header.Set("X-API-Key", "hunter2")
	ok := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	// Health stays open for probes.
	rec = e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
