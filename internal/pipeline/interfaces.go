package pipeline

import (
	"context"
	"time"
)

// SourceStore persists source configurations.
type SourceStore interface {
	CreateSource(ctx context.Context, src SourceConfig) error
	UpdateSource(ctx context.Context, src SourceConfig) error
	DeleteSource(ctx context.Context, id string) error
	GetSource(ctx context.Context, id string) (SourceConfig, error)
	ListSources(ctx context.Context) ([]SourceConfig, error)
	ListActiveSources(ctx context.Context) ([]SourceConfig, error)
}

// HistoryStore is the dedup ledger. Upsert keeps at most one record per URL.
type HistoryStore interface {
	FindHistory(ctx context.Context, url string) (HistoryRecord, error)
	UpsertHistory(ctx context.Context, rec HistoryRecord) error
	ListHistory(ctx context.Context, limit, offset int) ([]HistoryRecord, error)
}

// CredentialStore persists API keys and performs the atomic state
// transitions the broker relies on. Reserve applies the lazy transitions
// (daily reset, cooldown expiry) and reports availability in a single
// conditional update so two concurrent callers cannot both win a key that
// only one may have.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred Credential) error
	UpdateCredential(ctx context.Context, cred Credential) error
	GetCredential(ctx context.Context, id string) (Credential, error)
	ListCredentials(ctx context.Context, scope CredentialScope, ownerID string) ([]Credential, error)
	Reserve(ctx context.Context, id string, now time.Time) (Credential, bool, error)
	MarkSuccess(ctx context.Context, id string, now time.Time) error
	MarkFailure(ctx context.Context, id string, status CredentialStatus, cooldownUntil time.Time, errText string) error
	MarkProjectFailure(ctx context.Context, projectID string, status CredentialStatus, cooldownUntil time.Time, errText string) error
}

// Extractor pulls title, content, and a thumbnail from a page.
type Extractor interface {
	Extract(ctx context.Context, url string, selectors SelectorSet) (ExtractResult, error)
}

// ArticleStore is the external Posts collaborator. The pipeline constructs
// drafts and resolves IDs; it never owns article lifecycle.
type ArticleStore interface {
	CreateArticle(ctx context.Context, draft ArticleDraft) (Article, error)
	ArticleExists(ctx context.Context, id string) (bool, error)
}

// ObjectStore writes raw bytes and returns a publicly reachable URL.
type ObjectStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// TextGenerator is the AI provider collaborator. Provider failures carry
// the provider's error text so the broker can classify them.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, cred Credential) (string, error)
}

// AutoLinker injects internal links into a finished article body.
type AutoLinker interface {
	InjectLinks(ctx context.Context, bodyHTML string) (string, error)
}

// Notifier surfaces pipeline outcomes to the owning principal.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Publisher pushes article-published events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides at-least-once delivery of crawl jobs. Ack finalizes a
// delivery; Nack hands the job back to the queue's retry policy.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	Nack(ctx context.Context, job Job, reason error) error
}

// Hasher computes digests for relocated object naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
