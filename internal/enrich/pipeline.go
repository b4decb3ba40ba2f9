package enrich

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/pipeline"
)

// Enricher assembles an article draft out of a sanitized extraction.
// Image relocation and auto-linking degrade on failure, and metadata
// degrades on provider errors; credential exhaustion and article
// persistence fail the job.
type Enricher struct {
	images   *ImageRelocator
	meta     *MetadataGenerator
	linker   pipeline.AutoLinker
	articles pipeline.ArticleStore
	logger   *zap.Logger
}

// New builds an Enricher. linker may be nil when no auto-link
// collaborator is configured.
func New(images *ImageRelocator, meta *MetadataGenerator, linker pipeline.AutoLinker, articles pipeline.ArticleStore, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{images: images, meta: meta, linker: linker, articles: articles, logger: logger}
}

// Enrich runs the enrichment steps in order and persists the article.
func (e *Enricher) Enrich(ctx context.Context, job pipeline.Job, result pipeline.ExtractResult) (pipeline.Article, error) {
	body, thumbnail := e.images.Relocate(ctx, result.ContentHTML, result.ThumbnailURL)

	meta, excerpt, err := e.meta.Generate(ctx, job.OwnerID, result)
	if err != nil {
		return pipeline.Article{}, err
	}

	if e.linker != nil {
		linked, err := e.linker.InjectLinks(ctx, body)
		if err != nil {
			metrics.ObserveEnrichmentFailure("auto_link")
			e.logger.Warn("auto-link injection failed, keeping plain body",
				zap.String("url", result.URL), zap.Error(err))
		} else {
			body = linked
		}
	}

	draft := pipeline.ArticleDraft{
		Title:        result.Title,
		Slug:         Slugify(result.Title),
		BodyHTML:     body,
		Excerpt:      excerpt,
		ThumbnailURL: thumbnail,
		CategoryID:   job.CategoryID,
		AutoPublish:  job.AutoPublish,
		SourceURL:    result.URL,
		OwnerID:      job.OwnerID,
		Meta:         meta,
	}
	article, err := e.articles.CreateArticle(ctx, draft)
	if err != nil {
		return pipeline.Article{}, fmt.Errorf("persist article for %s: %w", result.URL, err)
	}

	e.logger.Info("article created",
		zap.String("article_id", article.ID),
		zap.String("url", result.URL),
		zap.Bool("auto_publish", job.AutoPublish),
	)
	return article, nil
}
