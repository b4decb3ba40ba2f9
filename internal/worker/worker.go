// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/pipeline"
)

// FeedCrawler diffs a source's feed and enqueues page jobs.
type FeedCrawler interface {
	Crawl(ctx context.Context, source pipeline.SourceConfig) (int, error)
}

// Enricher turns an extraction into a stored article.
type Enricher interface {
	Enrich(ctx context.Context, job pipeline.Job, result pipeline.ExtractResult) (pipeline.Article, error)
}

// ExtractorSelector picks the extractor for a job's strategy.
type ExtractorSelector interface {
	ForStrategy(strategy pipeline.Strategy) pipeline.Extractor
}

// ArticleEvent is the payload published when an article is created.
type ArticleEvent struct {
	ArticleID   string    `json:"article_id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	SourceURL   string    `json:"source_url"`
	SourceID    string    `json:"source_id,omitempty"`
	CategoryID  string    `json:"category_id,omitempty"`
	AutoPublish bool      `json:"auto_publish"`
	At          time.Time `json:"at"`
}

// Config controls Worker behavior.
type Config struct {
	PublishTopic string
}

// Worker consumes queue jobs and executes the crawl pipeline: dedup
// guard, extraction, enrichment, ledger and notification bookkeeping.
type Worker struct {
	queue     pipeline.Queue
	sources   pipeline.SourceStore
	history   pipeline.HistoryStore
	articles  pipeline.ArticleStore
	feeds     FeedCrawler
	selector  ExtractorSelector
	enricher  Enricher
	notifier  pipeline.Notifier
	publisher pipeline.Publisher
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue pipeline.Queue,
	sources pipeline.SourceStore,
	history pipeline.HistoryStore,
	articles pipeline.ArticleStore,
	feeds FeedCrawler,
	selector ExtractorSelector,
	enricher Enricher,
	notifier pipeline.Notifier,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		sources:   sources,
		history:   history,
		articles:  articles,
		feeds:     feeds,
		selector:  selector,
		enricher:  enricher,
		notifier:  notifier,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pipeline.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.String("url", job.URL),
		)
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job pipeline.Job) {
	switch job.Kind {
	case pipeline.JobKindFeed:
		w.processFeed(ctx, job)
	case pipeline.JobKindPage:
		w.processPage(ctx, job)
	default:
		// Unknown kinds would retry forever; acknowledge and drop.
		w.logger.Error("unknown job kind", zap.String("job_id", job.ID), zap.String("kind", string(job.Kind)))
		w.ack(ctx, job)
	}
}

func (w *Worker) processFeed(ctx context.Context, job pipeline.Job) {
	source, err := w.sources.GetSource(ctx, job.SourceID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			// Source deleted after scheduling; nothing to retry.
			w.logger.Warn("feed job for missing source", zap.String("source_id", job.SourceID))
			w.ack(ctx, job)
			return
		}
		w.failFeed(ctx, job, fmt.Errorf("load source %s: %w", job.SourceID, err))
		return
	}

	enqueued, err := w.feeds.Crawl(ctx, source)
	if err != nil {
		w.failFeed(ctx, job, err)
		return
	}
	metrics.ObserveJob(string(pipeline.JobKindFeed), "success")
	w.logger.Info("feed job complete",
		zap.String("source_id", source.ID),
		zap.Int("enqueued", enqueued),
	)
	w.ack(ctx, job)
}

func (w *Worker) processPage(ctx context.Context, job pipeline.Job) {
	if !job.Manual && !job.BypassDedup {
		done, articleID := w.alreadyDone(ctx, job.URL)
		if done {
			metrics.ObserveJob(string(pipeline.JobKindPage), "skipped")
			w.logger.Info("skipping already-crawled url",
				zap.String("url", job.URL),
				zap.String("article_id", articleID),
			)
			w.ack(ctx, job)
			return
		}
	}

	w.recordOutcome(ctx, job, pipeline.OutcomePending, "", "")

	extractor := w.selector.ForStrategy(job.Strategy)
	result, err := extractor.Extract(ctx, job.URL, job.Selectors)
	if err != nil {
		w.failPage(ctx, job, fmt.Errorf("extract %s: %w", job.URL, err))
		return
	}
	metrics.ObservePageExtracted(job.URL, strategyLabel(result.UsedDynamic))

	article, err := w.enricher.Enrich(ctx, job, result)
	if err != nil {
		w.failPage(ctx, job, err)
		return
	}

	w.recordOutcome(ctx, job, pipeline.OutcomeSuccess, "", article.ID)
	w.notify(ctx, pipeline.Notification{
		PrincipalID: job.OwnerID,
		Type:        pipeline.NotifyArticleCreated,
		Title:       "Article created",
		Message:     fmt.Sprintf("Crawled %s into article %s", job.URL, article.ID),
		Metadata:    map[string]string{"article_id": article.ID, "url": job.URL},
	})
	w.publishEvent(ctx, job, article, result)
	metrics.ObserveJob(string(pipeline.JobKindPage), "success")
	w.ack(ctx, job)
}

// alreadyDone applies the dedup guard: only a SUCCESS record whose
// article still resolves blocks a re-crawl. The ledger is advisory over
// article existence, never authoritative.
func (w *Worker) alreadyDone(ctx context.Context, url string) (bool, string) {
	rec, err := w.history.FindHistory(ctx, url)
	if errors.Is(err, pipeline.ErrNotFound) {
		return false, ""
	}
	if err != nil {
		w.logger.Error("ledger lookup failed, proceeding with crawl",
			zap.String("url", url), zap.Error(err))
		return false, ""
	}
	if rec.Outcome != pipeline.OutcomeSuccess || rec.ArticleID == "" {
		return false, ""
	}
	exists, err := w.articles.ArticleExists(ctx, rec.ArticleID)
	if err != nil {
		w.logger.Error("article resolution failed, proceeding with crawl",
			zap.String("article_id", rec.ArticleID), zap.Error(err))
		return false, ""
	}
	return exists, rec.ArticleID
}

func (w *Worker) failFeed(ctx context.Context, job pipeline.Job, err error) {
	metrics.ObserveJob(string(pipeline.JobKindFeed), "failed")
	w.logger.Error("feed job failed",
		zap.String("job_id", job.ID),
		zap.String("source_id", job.SourceID),
		zap.Error(err),
	)
	w.notify(ctx, pipeline.Notification{
		PrincipalID: job.OwnerID,
		Type:        pipeline.NotifyCrawlFailed,
		Title:       "Feed crawl failed",
		Message:     err.Error(),
		Metadata:    map[string]string{"source_id": job.SourceID},
	})
	w.nack(ctx, job, err)
}

func (w *Worker) failPage(ctx context.Context, job pipeline.Job, err error) {
	metrics.ObserveJob(string(pipeline.JobKindPage), "failed")
	w.logger.Error("page job failed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Error(err),
	)
	w.recordOutcome(ctx, job, pipeline.OutcomeFailed, err.Error(), "")
	w.notify(ctx, pipeline.Notification{
		PrincipalID: job.OwnerID,
		Type:        pipeline.NotifyCrawlFailed,
		Title:       "Crawl failed",
		Message:     err.Error(),
		Metadata:    map[string]string{"url": job.URL},
	})
	w.nack(ctx, job, err)
}

func (w *Worker) recordOutcome(ctx context.Context, job pipeline.Job, outcome pipeline.Outcome, errText, articleID string) {
	rec := pipeline.HistoryRecord{
		URL:         job.URL,
		SourceID:    job.SourceID,
		Outcome:     outcome,
		Error:       errText,
		ArticleID:   articleID,
		AttemptedAt: w.clock.Now(),
	}
	if err := w.history.UpsertHistory(ctx, rec); err != nil {
		w.logger.Error("ledger upsert failed",
			zap.String("url", job.URL),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
}

func (w *Worker) publishEvent(ctx context.Context, job pipeline.Job, article pipeline.Article, result pipeline.ExtractResult) {
	if w.publisher == nil || w.cfg.PublishTopic == "" {
		return
	}
	event := ArticleEvent{
		ArticleID:   article.ID,
		Slug:        article.Slug,
		Title:       result.Title,
		SourceURL:   job.URL,
		SourceID:    job.SourceID,
		CategoryID:  job.CategoryID,
		AutoPublish: job.AutoPublish,
		At:          w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.PublishTopic, event); err != nil {
		w.logger.Error("publish article event failed",
			zap.String("article_id", article.ID), zap.Error(err))
	}
}

func (w *Worker) notify(ctx context.Context, n pipeline.Notification) {
	if w.notifier == nil {
		return
	}
	w.notifier.Notify(ctx, n)
}

func (w *Worker) ack(ctx context.Context, job pipeline.Job) {
	if err := w.queue.Ack(ctx, job); err != nil {
		w.logger.Error("ack failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) nack(ctx context.Context, job pipeline.Job, reason error) {
	if err := w.queue.Nack(ctx, job, reason); err != nil {
		w.logger.Error("nack failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func strategyLabel(usedDynamic bool) string {
	if usedDynamic {
		return string(pipeline.StrategyDynamic)
	}
	return string(pipeline.StrategyStatic)
}
