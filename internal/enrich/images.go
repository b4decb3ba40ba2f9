package enrich

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/pipeline"
)

// ImageFetcher downloads raw image bytes. The extract package's polite
// fetcher satisfies this via GetBytes.
type ImageFetcher interface {
	GetBytes(ctx context.Context, url string) ([]byte, error)
}

// ImageRelocator copies embedded images into durable storage and
// rewrites the body to point at the stored copies. One bad image never
// fails the batch; its tag is dropped instead.
type ImageRelocator struct {
	fetcher ImageFetcher
	store   pipeline.ObjectStore
	hasher  pipeline.Hasher
	folder  string
	logger  *zap.Logger
}

// NewImageRelocator builds an ImageRelocator. folder prefixes every
// stored object path.
func NewImageRelocator(fetcher ImageFetcher, store pipeline.ObjectStore, hasher pipeline.Hasher, folder string, logger *zap.Logger) *ImageRelocator {
	if folder == "" {
		folder = "images"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageRelocator{fetcher: fetcher, store: store, hasher: hasher, folder: folder, logger: logger}
}

// Relocate stores every image referenced by the body and returns the
// rewritten HTML plus the relocated thumbnail URL (empty if the
// thumbnail could not be stored).
func (r *ImageRelocator) Relocate(ctx context.Context, bodyHTML, thumbnailURL string) (string, string) {
	moved := make(map[string]string)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(bodyHTML))
	if err != nil {
		r.logger.Warn("parse body for image relocation", zap.Error(err))
		return bodyHTML, r.relocateOne(ctx, thumbnailURL, moved)
	}

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src := strings.TrimSpace(img.AttrOr("src", ""))
		if src == "" {
			img.Remove()
			return
		}
		stored := r.relocateOne(ctx, src, moved)
		if stored == "" {
			img.Remove()
			return
		}
		img.SetAttr("src", stored)
	})

	rewritten := bodyHTML
	if html, err := doc.Find("body").Html(); err == nil {
		rewritten = html
	}
	return rewritten, r.relocateOne(ctx, thumbnailURL, moved)
}

// relocateOne downloads and stores a single image, returning the stored
// URL or "" on any failure. moved memoizes repeated references.
func (r *ImageRelocator) relocateOne(ctx context.Context, src string, moved map[string]string) string {
	if src == "" {
		return ""
	}
	if stored, ok := moved[src]; ok {
		return stored
	}

	data, err := r.fetcher.GetBytes(ctx, src)
	if err != nil {
		metrics.ObserveEnrichmentFailure("image_relocation")
		r.logger.Warn("image download failed, dropping reference",
			zap.String("src", src), zap.Error(err))
		moved[src] = ""
		return ""
	}

	sum, err := r.hasher.Hash(data)
	if err != nil {
		metrics.ObserveEnrichmentFailure("image_relocation")
		r.logger.Warn("image hash failed, dropping reference",
			zap.String("src", src), zap.Error(err))
		moved[src] = ""
		return ""
	}

	contentType := http.DetectContentType(data)
	path := fmt.Sprintf("%s/%s%s", r.folder, sum, extensionFor(contentType))
	stored, err := r.store.Put(ctx, path, contentType, data)
	if err != nil {
		metrics.ObserveEnrichmentFailure("image_relocation")
		r.logger.Warn("image upload failed, dropping reference",
			zap.String("src", src), zap.Error(err))
		moved[src] = ""
		return ""
	}
	moved[src] = stored
	return stored
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	default:
		return ""
	}
}
