// Package main hosts the newsmill service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, source and key
//     management, the crawl history ledger, and manual trigger endpoints.
//     Source mutations reconcile the cron scheduler in the same request.
//   - Scheduler: internal/schedule runs one cron entry per active source and
//     enqueues feed jobs on each tick. Manual triggers enqueue the same job
//     with the manual flag set.
//   - Dispatcher & queue: jobs flow through a bounded queue (in-memory or
//     Pub/Sub, by config) and fan out to a fixed worker pool sized by
//     config.Pipeline.Concurrency. A nacked job re-enters the queue under the
//     retry policy until its attempt budget runs out.
//   - Crawl pipeline: workers diff feeds against the dedup ledger, extract
//     pages with the Colly-based fetcher, promote to a headless Chromedp
//     render when the heuristic detector deems it necessary, and sanitize the
//     selected content.
//   - Enrichment: extracted pages get their images relocated to the object
//     store (local/GCS), AI metadata generated under the credential broker
//     with deterministic fallbacks, and internal links injected before the
//     article draft is handed to the article store.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported via the
//     metrics middleware and /metrics handler; the notification hub batches
//     pipeline outcomes to its sinks.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; headless renders
//     have their own semaphore inside the dynamic extractor. Shutdown is
//     coordinated via context cancellation propagated from main through the
//     dispatcher to workers.
//   - Rate limiting: per-host token buckets gate both static fetches and
//     headless navigations. AI credentials carry their own rate and quota
//     state machine inside the broker.
//   - Run locally: go run ./cmd/newsmill -config config.yaml (or rely solely
//     on NEWSMILL_* env overrides).
package main
