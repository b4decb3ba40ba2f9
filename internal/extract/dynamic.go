package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// DynamicConfig controls the headless browser path.
type DynamicConfig struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
}

// DynamicExtractor implements pipeline.Extractor by driving a headless
// Chrome session. Every Extract call launches its own browser process
// and tears it down afterwards; instances are never shared between
// jobs, so a wedged page cannot poison later extractions.
type DynamicExtractor struct {
	cfg     DynamicConfig
	limiter chan struct{}
	host    *HostLimiter
	logger  *zap.Logger
}

// NewDynamic creates a headless extractor. The host limiter is optional.
func NewDynamic(cfg DynamicConfig, host *HostLimiter, logger *zap.Logger) (*DynamicExtractor, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamicExtractor{cfg: cfg, limiter: limiter, host: host, logger: logger}, nil
}

// Extract renders the page in a fresh browser and applies the
// selector-fallback walk against the rendered DOM.
func (e *DynamicExtractor) Extract(ctx context.Context, url string, selectors pipeline.SelectorSet) (pipeline.ExtractResult, error) {
	if err := e.acquire(ctx); err != nil {
		return pipeline.ExtractResult{}, err
	}
	defer e.release()

	if e.host != nil {
		if err := e.host.Wait(ctx, url); err != nil {
			return pipeline.ExtractResult{}, err
		}
	}

	start := time.Now()
	html, err := e.render(ctx, url)
	if err != nil {
		return pipeline.ExtractResult{}, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return pipeline.ExtractResult{}, fmt.Errorf("parse rendered %s: %w", url, err)
	}

	walked := extractDocument(doc, selectors, url)
	if walked.Title == "" && walked.ContentHTML == "" {
		return pipeline.ExtractResult{}, &pipeline.EmptyContentError{URL: url}
	}

	e.logger.Debug("dynamic extraction complete",
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
		UsedDynamic:  true,
		Duration:     time.Since(start),
	}, nil
}

// render boots a browser, navigates, waits for the page to settle and
// returns the rendered document.
func (e *DynamicExtractor) render(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, e.cfg.NavigationTimeout)
	defer cancel()

	var html string
	actions := []chromedp.Action{
		e.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(e.cfg.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("headless render %s: %w", url, err)
	}
	return html, nil
}

func (e *DynamicExtractor) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (e *DynamicExtractor) acquire(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	select {
	case e.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (e *DynamicExtractor) release() {
	if e.limiter == nil {
		return
	}
	select {
	case <-e.limiter:
	default:
	}
}
