// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// Strategy selects how a page is extracted.
type Strategy string

// Extraction strategies configured per source or per job.
const (
	StrategyStatic  Strategy = "static"
	StrategyDynamic Strategy = "dynamic"
)

// Outcome is the terminal state recorded for a crawl attempt.
type Outcome string

// Outcome values persisted in the history ledger.
const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// SelectorSet names the CSS selectors used to pull fields from a page.
// Empty selectors fall through to the built-in fallback chains.
type SelectorSet struct {
	Title     string `json:"title,omitempty" mapstructure:"title"`
	Content   string `json:"content,omitempty" mapstructure:"content"`
	Thumbnail string `json:"thumbnail,omitempty" mapstructure:"thumbnail"`
}

// Empty reports whether no selector is configured.
func (s SelectorSet) Empty() bool {
	return s.Title == "" && s.Content == "" && s.Thumbnail == ""
}

// SourceConfig describes one feed or domain to crawl. Jobs snapshot the
// relevant fields at enqueue time, so edits never affect in-flight work.
type SourceConfig struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	Strategy    Strategy    `json:"strategy"`
	Selectors   SelectorSet `json:"selectors"`
	Schedule    string      `json:"schedule"`
	CategoryID  string      `json:"category_id,omitempty"`
	AutoPublish bool        `json:"auto_publish"`
	Active      bool        `json:"active"`
	OwnerID     string      `json:"owner_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// JobKind distinguishes feed-diff jobs from single-page jobs.
type JobKind string

// Job kinds carried on the queue.
const (
	JobKindFeed JobKind = "feed"
	JobKindPage JobKind = "page"
)

// Job is one unit of queued work. It is ephemeral: it lives only in the
// queue and is never persisted beyond the queue's own retry window.
type Job struct {
	ID          string      `json:"id"`
	Kind        JobKind     `json:"kind"`
	URL         string      `json:"url,omitempty"`
	SourceID    string      `json:"source_id,omitempty"`
	Strategy    Strategy    `json:"strategy,omitempty"`
	Selectors   SelectorSet `json:"selectors,omitempty"`
	CategoryID  string      `json:"category_id,omitempty"`
	AutoPublish bool        `json:"auto_publish"`
	Manual      bool        `json:"manual"`
	BypassDedup bool        `json:"bypass_dedup"`
	OwnerID     string      `json:"owner_id,omitempty"`
	Attempt     int         `json:"attempt"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

// HistoryRecord is the dedup ledger entry for one URL. At most one record
// exists per URL; Upsert replaces the outcome of a prior attempt.
type HistoryRecord struct {
	URL         string    `json:"url"`
	SourceID    string    `json:"source_id,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	ArticleID   string    `json:"article_id,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// CredentialScope says who may acquire a key.
type CredentialScope string

// Credential scopes.
const (
	ScopePrivate CredentialScope = "private"
	ScopeShared  CredentialScope = "shared"
)

// CredentialStatus is the rate-limit state machine position of a key.
type CredentialStatus string

// Credential statuses.
const (
	StatusActive        CredentialStatus = "active"
	StatusRateLimited   CredentialStatus = "rate_limited"
	StatusQuotaExceeded CredentialStatus = "quota_exceeded"
	StatusError         CredentialStatus = "error"
)

// Credential is one AI provider API key under broker management.
// TodayUsage is reset the first time the key is touched on a new calendar
// day; UsageDay records which day the counter belongs to.
type Credential struct {
	ID            string           `json:"id"`
	Secret        string           `json:"-"`
	Scope         CredentialScope  `json:"scope"`
	OwnerID       string           `json:"owner_id,omitempty"`
	ProjectID     string           `json:"project_id,omitempty"`
	Status        CredentialStatus `json:"status"`
	CooldownUntil time.Time        `json:"cooldown_until,omitempty"`
	LastUsedAt    time.Time        `json:"last_used_at,omitempty"`
	TotalUsage    int64            `json:"total_usage"`
	TodayUsage    int64            `json:"today_usage"`
	UsageDay      string           `json:"usage_day,omitempty"`
	DailyLimit    int64            `json:"daily_limit"`
	LastError     string           `json:"last_error,omitempty"`
}

// ExtractResult is the sanitized output of a page extraction.
type ExtractResult struct {
	URL          string
	Title        string
	ContentHTML  string
	ThumbnailURL string
	ImageURLs    []string
	UsedDynamic  bool
	Duration     time.Duration
}

// ArticleMeta carries the SEO fields attached to an article draft.
type ArticleMeta struct {
	SEOTitle       string `json:"seo_title,omitempty"`
	SEODescription string `json:"seo_description,omitempty"`
	ThumbnailAlt   string `json:"thumbnail_alt,omitempty"`
}

// ArticleDraft is the creation payload handed to the article store. The
// pipeline only builds this payload; the article's lifecycle belongs to
// the store.
type ArticleDraft struct {
	Title        string      `json:"title"`
	Slug         string      `json:"slug"`
	BodyHTML     string      `json:"body_html"`
	Excerpt      string      `json:"excerpt,omitempty"`
	ThumbnailURL string      `json:"thumbnail_url,omitempty"`
	CategoryID   string      `json:"category_id,omitempty"`
	AutoPublish  bool        `json:"auto_publish"`
	SourceURL    string      `json:"source_url"`
	OwnerID      string      `json:"owner_id,omitempty"`
	Meta         ArticleMeta `json:"meta"`
}

// Article is the external store's echo of a created article.
type Article struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a user-visible event emitted to the owning principal.
type Notification struct {
	PrincipalID string            `json:"principal_id"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	At          time.Time         `json:"at"`
}

// Notification types emitted by the pipeline.
const (
	NotifyArticleCreated = "article_created"
	NotifyCrawlFailed    = "crawl_failed"
)
