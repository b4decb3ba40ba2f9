package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// FeedCrawler fetches a source's feed document, diffs the entries
// against the dedup ledger and enqueues one page job per new entry.
// Entries already recorded as SUCCESS are dropped here; the final guard
// against double processing lives in the job executor.
type FeedCrawler struct {
	fetcher *Fetcher
	parser  *gofeed.Parser
	history pipeline.HistoryStore
	queue   pipeline.Queue
	ids     pipeline.IDGenerator
	clock   pipeline.Clock
	logger  *zap.Logger
}

// NewFeedCrawler builds a FeedCrawler.
func NewFeedCrawler(
	fetcher *Fetcher,
	history pipeline.HistoryStore,
	queue pipeline.Queue,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	logger *zap.Logger,
) *FeedCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedCrawler{
		fetcher: fetcher,
		parser:  gofeed.NewParser(),
		history: history,
		queue:   queue,
		ids:     ids,
		clock:   clock,
		logger:  logger,
	}
}

// Crawl diffs the source's feed and enqueues page jobs for entries the
// ledger has not seen succeed. It returns the number of jobs enqueued.
func (c *FeedCrawler) Crawl(ctx context.Context, source pipeline.SourceConfig) (int, error) {
	fetched, err := c.fetcher.Get(ctx, source.URL)
	if err != nil {
		return 0, fmt.Errorf("fetch feed %s: %w", source.URL, err)
	}
	if fetched.StatusCode >= 400 {
		return 0, fmt.Errorf("fetch feed %s: status %d", source.URL, fetched.StatusCode)
	}

	feed, err := c.parser.ParseString(string(fetched.Body))
	if err != nil {
		return 0, fmt.Errorf("parse feed %s: %w", source.URL, err)
	}

	enqueued := 0
	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		seen, err := c.alreadyCrawled(ctx, link)
		if err != nil {
			return enqueued, err
		}
		if seen {
			continue
		}
		if err := c.enqueuePage(ctx, source, link); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	c.logger.Info("feed diff complete",
		zap.String("source_id", source.ID),
		zap.Int("entries", len(feed.Items)),
		zap.Int("enqueued", enqueued),
	)
	return enqueued, nil
}

// alreadyCrawled reports whether the ledger marks the URL as a success.
// Failed and pending records never block a fresh attempt.
func (c *FeedCrawler) alreadyCrawled(ctx context.Context, url string) (bool, error) {
	rec, err := c.history.FindHistory(ctx, url)
	if errors.Is(err, pipeline.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", url, err)
	}
	return rec.Outcome == pipeline.OutcomeSuccess, nil
}

// enqueuePage snapshots the source config onto the job so later edits
// to the source do not change a job already in flight.
func (c *FeedCrawler) enqueuePage(ctx context.Context, source pipeline.SourceConfig, url string) error {
	id, err := c.ids.NewID()
	if err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	job := pipeline.Job{
		ID:          id,
		Kind:        pipeline.JobKindPage,
		URL:         url,
		SourceID:    source.ID,
		Strategy:    source.Strategy,
		Selectors:   source.Selectors,
		CategoryID:  source.CategoryID,
		AutoPublish: source.AutoPublish,
		OwnerID:     source.OwnerID,
		EnqueuedAt:  c.clock.Now(),
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", url, err)
	}
	return nil
}
