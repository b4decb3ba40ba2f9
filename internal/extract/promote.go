package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// PromotingExtractor probes with the cheap static path and promotes to
// the headless browser when the fetched document looks like an
// unrendered shell, or when the static walk comes back empty. Sources
// configured as STATIC still get dynamic rendering when a site quietly
// turns into a single-page app.
type PromotingExtractor struct {
	fetcher  *Fetcher
	dynamic  pipeline.Extractor
	detector *RenderDetector
	logger   *zap.Logger
}

// NewPromoting wires the probe-then-promote flow. The dynamic extractor
// receives everything the probe flags as browser work.
func NewPromoting(fetcher *Fetcher, dynamic pipeline.Extractor, detector *RenderDetector, logger *zap.Logger) *PromotingExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromotingExtractor{
		fetcher:  fetcher,
		dynamic:  dynamic,
		detector: detector,
		logger:   logger,
	}
}

// Extract probes statically and falls through to the browser when the
// probe suggests the page needs JavaScript.
func (e *PromotingExtractor) Extract(ctx context.Context, url string, selectors pipeline.SelectorSet) (pipeline.ExtractResult, error) {
	probe, err := e.fetcher.Get(ctx, url)
	if err != nil {
		return pipeline.ExtractResult{}, fmt.Errorf("probe fetch %s: %w", url, err)
	}

	if probe.StatusCode == 200 && e.detector.NeedsRender(probe.Body) {
		e.logger.Info("promoting to headless render", zap.String("url", url))
		return e.dynamic.Extract(ctx, url, selectors)
	}
	if probe.StatusCode >= 400 {
		return pipeline.ExtractResult{}, fmt.Errorf("probe fetch %s: status %d", url, probe.StatusCode)
	}

	result, err := e.walkProbe(probe, url, selectors)
	if err == nil {
		return result, nil
	}

	// An empty static walk is the other promotion trigger. Anything
	// else is a real failure.
	var empty *pipeline.EmptyContentError
	if errors.As(err, &empty) {
		e.logger.Info("static walk empty, promoting to headless render", zap.String("url", url))
		return e.dynamic.Extract(ctx, url, selectors)
	}
	return pipeline.ExtractResult{}, err
}

// walkProbe reuses the probe body so the page is not fetched twice.
func (e *PromotingExtractor) walkProbe(probe FetchResult, url string, selectors pipeline.SelectorSet) (pipeline.ExtractResult, error) {
	start := time.Now()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(probe.Body))
	if err != nil {
		return pipeline.ExtractResult{}, fmt.Errorf("parse %s: %w", url, err)
	}
	walked := extractDocument(doc, selectors, url)
	if walked.Title == "" && walked.ContentHTML == "" {
		return pipeline.ExtractResult{}, &pipeline.EmptyContentError{URL: url}
	}
	return pipeline.ExtractResult{
		URL:          url,
		Title:        walked.Title,
		ContentHTML:  walked.ContentHTML,
		ThumbnailURL: walked.ThumbnailURL,
		ImageURLs:    walked.ImageURLs,
		UsedDynamic:  false,
		Duration:     time.Since(start) + probe.Duration,
	}, nil
}

// Selector maps a job's strategy to an extractor. A pinned strategy is
// honored as-is: STATIC stays on the plain parser, DYNAMIC goes straight
// to the browser. Jobs without a pin take the promoting path so shell
// pages still render. With headless disabled everything falls back to
// the plain static path.
type Selector struct {
	Static    *StaticExtractor
	Promoting *PromotingExtractor
	Dynamic   *DynamicExtractor
}

// ForStrategy picks the extractor for one job.
func (s *Selector) ForStrategy(strategy pipeline.Strategy) pipeline.Extractor {
	switch strategy {
	case pipeline.StrategyDynamic:
		if s.Dynamic != nil {
			return s.Dynamic
		}
	case pipeline.StrategyStatic:
		return s.Static
	}
	if s.Promoting != nil && s.Dynamic != nil {
		return s.Promoting
	}
	return s.Static
}
