package extract

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// StaticExtractor implements pipeline.Extractor with a plain HTTP fetch
// and a DOM query. It covers server-rendered sources.
type StaticExtractor struct {
	fetcher *Fetcher
	logger  *zap.Logger
}

// NewStatic builds a StaticExtractor.
func NewStatic(fetcher *Fetcher, logger *zap.Logger) *StaticExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticExtractor{fetcher: fetcher, logger: logger}
}

// Extract fetches the page and applies the selector-fallback walk.
func (e *StaticExtractor) Extract(ctx context.Context, url string, selectors pipeline.SelectorSet) (pipeline.ExtractResult, error) {
	start := time.Now()
	fetched, err := e.fetcher.Get(ctx, url)
	if err != nil {
		return pipeline.ExtractResult{}, fmt.Errorf("static fetch %s: %w", url, err)
	}
	if fetched.StatusCode >= 400 {
		return pipeline.ExtractResult{}, fmt.Errorf("static fetch %s: status %d", url, fetched.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(fetched.Body))
	if err != nil {
		return pipeline.ExtractResult{}, fmt.Errorf("parse %s: %w", url, err)
	}

	walked := extractDocument(doc, selectors, url)
	if walked.Title == "" && walked.ContentHTML == "" {
		return pipeline.ExtractResult{}, &pipeline.EmptyContentError{URL: url}
	}

	e.logger.Debug("static extraction complete",
		zap.String("url", url),
		zap.Int("images", len(walked.ImageURLs)),
		zap.Duration("duration", time.Since(start)),
	)
	return pipeline.ExtractResult{
		URL:          url,
		Title:        walked.Title,
		ContentHTML:  walked.ContentHTML,
		ThumbnailURL: walked.ThumbnailURL,
		ImageURLs:    walked.ImageURLs,
		UsedDynamic:  false,
		Duration:     time.Since(start),
	}, nil
}
