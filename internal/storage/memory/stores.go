// Package memory provides in-memory store implementations for development
// and tests. All operations are guarded by a single mutex per store, so
// the conditional credential updates are atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// SourceStore keeps source configurations in a map.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]pipeline.SourceConfig
}

// NewSourceStore creates an empty SourceStore.
func NewSourceStore() *SourceStore {
	return &SourceStore{sources: make(map[string]pipeline.SourceConfig)}
}

// CreateSource stores a new source configuration.
func (s *SourceStore) CreateSource(_ context.Context, src pipeline.SourceConfig) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; exists {
		return fmt.Errorf("source %s already exists", src.ID)
	}
	s.sources[src.ID] = src
	return nil
}

// UpdateSource replaces an existing source configuration.
func (s *SourceStore) UpdateSource(_ context.Context, src pipeline.SourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; !exists {
		return pipeline.ErrNotFound
	}
	s.sources[src.ID] = src
	return nil
}

// DeleteSource removes a source configuration.
func (s *SourceStore) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[id]; !exists {
		return pipeline.ErrNotFound
	}
	delete(s.sources, id)
	return nil
}

// GetSource returns one source configuration.
func (s *SourceStore) GetSource(_ context.Context, id string) (pipeline.SourceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, exists := s.sources[id]
	if !exists {
		return pipeline.SourceConfig{}, pipeline.ErrNotFound
	}
	return src, nil
}

// ListSources returns all sources ordered by ID.
func (s *SourceStore) ListSources(_ context.Context) ([]pipeline.SourceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.SourceConfig, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActiveSources returns sources with the active flag set.
func (s *SourceStore) ListActiveSources(ctx context.Context) ([]pipeline.SourceConfig, error) {
	all, err := s.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, src := range all {
		if src.Active {
			active = append(active, src)
		}
	}
	return active, nil
}

// HistoryStore is the in-memory dedup ledger, keyed by URL.
type HistoryStore struct {
	mu      sync.RWMutex
	records map[string]pipeline.HistoryRecord
}

// NewHistoryStore creates an empty HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{records: make(map[string]pipeline.HistoryRecord)}
}

// FindHistory returns the ledger entry for a URL.
func (s *HistoryStore) FindHistory(_ context.Context, url string) (pipeline.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, exists := s.records[url]
	if !exists {
		return pipeline.HistoryRecord{}, pipeline.ErrNotFound
	}
	return rec, nil
}

// UpsertHistory inserts or replaces the ledger entry for a URL.
func (s *HistoryStore) UpsertHistory(_ context.Context, rec pipeline.HistoryRecord) error {
	if strings.TrimSpace(rec.URL) == "" {
		return fmt.Errorf("history url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.URL] = rec
	return nil
}

// ListHistory returns ledger entries newest first.
func (s *HistoryStore) ListHistory(_ context.Context, limit, offset int) ([]pipeline.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]pipeline.HistoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].AttemptedAt.After(all[j].AttemptedAt) })
	if offset >= len(all) {
		return []pipeline.HistoryRecord{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// ArticleStore is an in-memory stand-in for the external Posts
// collaborator.
type ArticleStore struct {
	mu       sync.RWMutex
	articles map[string]pipeline.ArticleDraft
	nextID   int
	now      func() time.Time
}

// NewArticleStore creates an empty ArticleStore.
func NewArticleStore() *ArticleStore {
	return &ArticleStore{
		articles: make(map[string]pipeline.ArticleDraft),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateArticle stores the draft and returns the created article.
func (s *ArticleStore) CreateArticle(_ context.Context, draft pipeline.ArticleDraft) (pipeline.Article, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return pipeline.Article{}, fmt.Errorf("article title is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("article-%d", s.nextID)
	s.articles[id] = draft
	return pipeline.Article{ID: id, Slug: draft.Slug, CreatedAt: s.now()}, nil
}

// ArticleExists reports whether an article is still resolvable.
func (s *ArticleStore) ArticleExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.articles[id]
	return exists, nil
}

// DeleteArticle removes an article (exercised by dedup-recovery tests).
func (s *ArticleStore) DeleteArticle(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.articles, id)
}

// GetArticle returns a stored draft for inspection.
func (s *ArticleStore) GetArticle(id string) (pipeline.ArticleDraft, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	draft, exists := s.articles[id]
	return draft, exists
}

// Count returns the number of stored articles.
func (s *ArticleStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.articles)
}

// ObjectStore stores relocated media in memory and returns pseudo URLs.
type ObjectStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewObjectStore creates an empty ObjectStore.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{data: make(map[string][]byte)}
}

// Put persists the content and returns a memory:// URL.
func (s *ObjectStore) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns stored content for inspection.
func (s *ObjectStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, exists := s.data[path]
	return data, exists
}
