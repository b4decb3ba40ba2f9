package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/pipeline"
	memstore "github.com/marberlow/newsmill/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeQueue struct {
	mu     sync.Mutex
	acked  []pipeline.Job
	nacked []pipeline.Job
}

func (q *fakeQueue) Enqueue(context.Context, pipeline.Job) error { return nil }
func (q *fakeQueue) Dequeue(context.Context) (pipeline.Job, error) {
	return pipeline.Job{}, fmt.Errorf("not used")
}
func (q *fakeQueue) Ack(_ context.Context, job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, job)
	return nil
}
func (q *fakeQueue) Nack(_ context.Context, job pipeline.Job, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, job)
	return nil
}

type fakeExtractor struct {
	result pipeline.ExtractResult
	err    error
	calls  int
}

func (e *fakeExtractor) Extract(_ context.Context, url string, _ pipeline.SelectorSet) (pipeline.ExtractResult, error) {
	e.calls++
	if e.err != nil {
		return pipeline.ExtractResult{}, e.err
	}
	res := e.result
	res.URL = url
	return res, nil
}

type fixedSelector struct{ extractor *fakeExtractor }

func (s *fixedSelector) ForStrategy(pipeline.Strategy) pipeline.Extractor { return s.extractor }

type storeEnricher struct {
	articles *memstore.ArticleStore
	err      error
	calls    int
}

func (e *storeEnricher) Enrich(ctx context.Context, job pipeline.Job, result pipeline.ExtractResult) (pipeline.Article, error) {
	e.calls++
	if e.err != nil {
		return pipeline.Article{}, e.err
	}
	return e.articles.CreateArticle(ctx, pipeline.ArticleDraft{
		Title:     result.Title,
		BodyHTML:  result.ContentHTML,
		SourceURL: result.URL,
		OwnerID:   job.OwnerID,
	})
}

type fakeFeeds struct {
	enqueued int
	err      error
	calls    int
}

func (f *fakeFeeds) Crawl(context.Context, pipeline.SourceConfig) (int, error) {
	f.calls++
	return f.enqueued, f.err
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []pipeline.Notification
}

func (n *captureNotifier) Notify(_ context.Context, note pipeline.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

type capturePublisher struct {
	mu       sync.Mutex
	messages []any
}

func (p *capturePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

type env struct {
	worker    *Worker
	queue     *fakeQueue
	sources   *memstore.SourceStore
	history   *memstore.HistoryStore
	articles  *memstore.ArticleStore
	extractor *fakeExtractor
	enricher  *storeEnricher
	feeds     *fakeFeeds
	notifier  *captureNotifier
	publisher *capturePublisher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		queue:    &fakeQueue{},
		sources:  memstore.NewSourceStore(),
		history:  memstore.NewHistoryStore(),
		articles: memstore.NewArticleStore(),
		extractor: &fakeExtractor{result: pipeline.ExtractResult{
			Title:       "Extracted Title",
			ContentHTML: "<p>body</p>",
		}},
		feeds:     &fakeFeeds{},
		notifier:  &captureNotifier{},
		publisher: &capturePublisher{},
	}
	e.enricher = &storeEnricher{articles: e.articles}
	e.worker = New(
		e.queue, e.sources, e.history, e.articles,
		e.feeds, &fixedSelector{extractor: e.extractor}, e.enricher,
		e.notifier, e.publisher,
		&stubClock{now: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)},
		Config{PublishTopic: "articles"},
		zap.NewNop(),
	)
	return e
}

func pageJob(url string) pipeline.Job {
	return pipeline.Job{ID: "job-1", Kind: pipeline.JobKindPage, URL: url, OwnerID: "user-1"}
}

func TestPageJobSuccessRecordsLedgerAndPublishes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.worker.processJob(ctx, pageJob("https://news.example.com/a"))

	require.Len(t, e.queue.acked, 1)
	require.Empty(t, e.queue.nacked)
	require.Equal(t, 1, e.articles.Count())

	rec, err := e.history.FindHistory(ctx, "https://news.example.com/a")
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeSuccess, rec.Outcome)
	require.NotEmpty(t, rec.ArticleID)

	require.Len(t, e.notifier.sent, 1)
	require.Equal(t, pipeline.NotifyArticleCreated, e.notifier.sent[0].Type)
	require.Equal(t, "user-1", e.notifier.sent[0].PrincipalID)

	require.Len(t, e.publisher.messages, 1)
	event, ok := e.publisher.messages[0].(ArticleEvent)
	require.True(t, ok)
	require.Equal(t, rec.ArticleID, event.ArticleID)
	require.Equal(t, "Extracted Title", event.Title)
}

func TestDedupIdempotence(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.worker.processJob(ctx, pageJob("https://news.example.com/a"))
	require.Equal(t, 1, e.articles.Count())

	// Same URL again: skipped, no second article, no extraction.
	e.worker.processJob(ctx, pageJob("https://news.example.com/a"))
	require.Equal(t, 1, e.articles.Count())
	require.Equal(t, 1, e.extractor.calls)
	require.Len(t, e.queue.acked, 2)
	require.Empty(t, e.queue.nacked)
}

func TestDedupRecoveryAfterArticleDeletion(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.worker.processJob(ctx, pageJob("https://news.example.com/a"))
	rec, err := e.history.FindHistory(ctx, "https://news.example.com/a")
	require.NoError(t, err)

	// The ledger still says SUCCESS, but the article is gone.
	e.articles.DeleteArticle(rec.ArticleID)

	e.worker.processJob(ctx, pageJob("https://news.example.com/a"))
	require.Equal(t, 1, e.articles.Count())
	require.Equal(t, 2, e.extractor.calls)

	fresh, err := e.history.FindHistory(ctx, "https://news.example.com/a")
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeSuccess, fresh.Outcome)
	require.NotEqual(t, rec.ArticleID, fresh.ArticleID)
}

func TestManualJobBypassesDedup(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.worker.processJob(ctx, pageJob("https://news.example.com/a"))
	require.Equal(t, 1, e.articles.Count())

	job := pageJob("https://news.example.com/a")
	job.Manual = true
	e.worker.processJob(ctx, job)

	require.Equal(t, 2, e.articles.Count())
	require.Equal(t, 2, e.extractor.calls)
}

func TestFailedRecordNeverBlocks(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.history.UpsertHistory(ctx, pipeline.HistoryRecord{
		URL:     "https://news.example.com/a",
		Outcome: pipeline.OutcomeFailed,
		Error:   "previous attempt broke",
	}))

	e.worker.processJob(ctx, pageJob("https://news.example.com/a"))
	require.Equal(t, 1, e.articles.Count())
	require.Len(t, e.queue.acked, 1)
}

func TestExtractionFailureMarksLedgerAndNacks(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.extractor.err = &pipeline.EmptyContentError{URL: "https://news.example.com/empty"}

	e.worker.processJob(ctx, pageJob("https://news.example.com/empty"))

	require.Empty(t, e.queue.acked)
	require.Len(t, e.queue.nacked, 1)
	require.Zero(t, e.enricher.calls)

	rec, err := e.history.FindHistory(ctx, "https://news.example.com/empty")
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeFailed, rec.Outcome)
	require.Contains(t, rec.Error, "no title or content")

	require.Len(t, e.notifier.sent, 1)
	require.Equal(t, pipeline.NotifyCrawlFailed, e.notifier.sent[0].Type)
}

func TestPersistenceFailureNacksForRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.enricher.err = fmt.Errorf("persist article: connection refused")

	e.worker.processJob(ctx, pageJob("https://news.example.com/a"))

	require.Len(t, e.queue.nacked, 1)
	rec, err := e.history.FindHistory(ctx, "https://news.example.com/a")
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeFailed, rec.Outcome)
}

func TestCredentialExhaustionFailsJobForRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.enricher.err = fmt.Errorf("metadata for https://news.example.com/a: %w", pipeline.ErrCredentialsExhausted)

	e.worker.processJob(ctx, pageJob("https://news.example.com/a"))

	// No degraded article: the job waits in the queue until a key wakes.
	require.Equal(t, 0, e.articles.Count())
	require.Empty(t, e.publisher.messages)
	require.Len(t, e.queue.nacked, 1)

	rec, err := e.history.FindHistory(ctx, "https://news.example.com/a")
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeFailed, rec.Outcome)
	require.Contains(t, rec.Error, "all credentials exhausted")
}

func TestFeedJobLoadsSourceAndCrawls(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.sources.CreateSource(ctx, pipeline.SourceConfig{
		ID: "src-1", Name: "Example", URL: "https://news.example.com/feed", Active: true,
	}))
	e.feeds.enqueued = 3

	e.worker.processJob(ctx, pipeline.Job{ID: "f1", Kind: pipeline.JobKindFeed, SourceID: "src-1"})

	require.Equal(t, 1, e.feeds.calls)
	require.Len(t, e.queue.acked, 1)
}

func TestFeedJobMissingSourceIsDropped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.worker.processJob(context.Background(), pipeline.Job{ID: "f2", Kind: pipeline.JobKindFeed, SourceID: "ghost"})

	require.Len(t, e.queue.acked, 1)
	require.Empty(t, e.queue.nacked)
	require.Zero(t, e.feeds.calls)
}

func TestFeedJobFailureNotifiesAndNacks(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.sources.CreateSource(ctx, pipeline.SourceConfig{ID: "src-2", Name: "Example", URL: "https://news.example.com/feed"}))
	e.feeds.err = fmt.Errorf("fetch feed: status 503")

	e.worker.processJob(ctx, pipeline.Job{ID: "f3", Kind: pipeline.JobKindFeed, SourceID: "src-2", OwnerID: "user-1"})

	require.Len(t, e.queue.nacked, 1)
	require.Len(t, e.notifier.sent, 1)
	require.Equal(t, pipeline.NotifyCrawlFailed, e.notifier.sent[0].Type)
}
