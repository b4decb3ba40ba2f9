package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/broker"
	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/pipeline"
)

// metadataPrompt asks for strict JSON so the response parses without a
// second round trip.
const metadataPrompt = `You are an editor preparing a news article for publication.
Given the article below, respond with ONLY a JSON object, no code fences,
with these string fields:
  "seo_title": a concise SEO title under 70 characters,
  "seo_description": a meta description under 160 characters,
  "thumbnail_alt": alt text for the article's lead image,
  "excerpt": a two sentence teaser.

Title: %s

Article:
%s
`

// maxPromptBody bounds how much article text goes into the prompt.
const maxPromptBody = 6000

// MetadataConfig tunes metadata generation.
type MetadataConfig struct {
	// ExcerptMaxRunes caps the length of generated excerpts.
	ExcerptMaxRunes int
}

// MetadataGenerator produces SEO metadata for a draft, acquiring a
// credential per call and reporting the outcome back to the broker so
// key state stays accurate.
type MetadataGenerator struct {
	broker *broker.Broker
	gen    pipeline.TextGenerator
	cfg    MetadataConfig
	logger *zap.Logger
}

// NewMetadataGenerator builds a MetadataGenerator.
func NewMetadataGenerator(b *broker.Broker, gen pipeline.TextGenerator, cfg MetadataConfig, logger *zap.Logger) *MetadataGenerator {
	if cfg.ExcerptMaxRunes <= 0 {
		cfg.ExcerptMaxRunes = excerptLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataGenerator{broker: b, gen: gen, cfg: cfg, logger: logger}
}

type metadataResponse struct {
	SEOTitle       string `json:"seo_title"`
	SEODescription string `json:"seo_description"`
	ThumbnailAlt   string `json:"thumbnail_alt"`
	Excerpt        string `json:"excerpt"`
}

// Generate returns SEO metadata plus an excerpt for the extraction.
// Provider errors and unparseable model replies degrade to deterministic
// heuristics. Credential exhaustion is different: no key is usable right
// now, so the call fails and the queue retries the job once keys recover
// instead of publishing a degraded article.
func (m *MetadataGenerator) Generate(ctx context.Context, ownerID string, result pipeline.ExtractResult) (pipeline.ArticleMeta, string, error) {
	meta, excerpt, err := m.generateAI(ctx, ownerID, result)
	if err == nil {
		return meta, excerpt, nil
	}
	if errors.Is(err, pipeline.ErrCredentialsExhausted) {
		return pipeline.ArticleMeta{}, "", fmt.Errorf("metadata for %s: %w", result.URL, err)
	}
	metrics.ObserveEnrichmentFailure("ai_metadata")
	m.logger.Warn("ai metadata unavailable, using heuristics",
		zap.String("url", result.URL),
		zap.Error(err),
	)
	return fallbackMeta(result), Excerpt(result.ContentHTML, m.cfg.ExcerptMaxRunes), nil
}

func (m *MetadataGenerator) generateAI(ctx context.Context, ownerID string, result pipeline.ExtractResult) (pipeline.ArticleMeta, string, error) {
	cred, err := m.broker.Acquire(ctx, ownerID)
	if err != nil {
		return pipeline.ArticleMeta{}, "", err
	}

	body := Excerpt(result.ContentHTML, maxPromptBody)
	prompt := fmt.Sprintf(metadataPrompt, result.Title, body)

	raw, err := m.gen.Generate(ctx, prompt, cred)
	if err != nil {
		if repErr := m.broker.ReportFailure(ctx, cred, err); repErr != nil {
			m.logger.Error("report credential failure", zap.Error(repErr))
		}
		return pipeline.ArticleMeta{}, "", err
	}
	if repErr := m.broker.ReportSuccess(ctx, cred); repErr != nil {
		m.logger.Error("report credential success", zap.Error(repErr))
	}

	var parsed metadataResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return pipeline.ArticleMeta{}, "", fmt.Errorf("parse model reply: %w", err)
	}
	meta := pipeline.ArticleMeta{
		SEOTitle:       strings.TrimSpace(parsed.SEOTitle),
		SEODescription: strings.TrimSpace(parsed.SEODescription),
		ThumbnailAlt:   strings.TrimSpace(parsed.ThumbnailAlt),
	}
	if meta.SEOTitle == "" {
		meta.SEOTitle = result.Title
	}
	excerpt := strings.TrimSpace(parsed.Excerpt)
	if excerpt == "" {
		excerpt = Excerpt(result.ContentHTML, m.cfg.ExcerptMaxRunes)
	}
	return meta, excerpt, nil
}

// fallbackMeta builds metadata without a model: reuse the source title,
// derive the description from the body, leave alt text empty.
func fallbackMeta(result pipeline.ExtractResult) pipeline.ArticleMeta {
	return pipeline.ArticleMeta{
		SEOTitle:       result.Title,
		SEODescription: Excerpt(result.ContentHTML, 160),
	}
}

// extractJSON tolerates models that wrap their reply in code fences or
// leading prose.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start == -1 || end == -1 || end < start {
		return raw
	}
	return raw[start : end+1]
}
