// Package broker arbitrates among AI provider API keys under per-key
// rate and quota limits.
package broker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/metrics"
	"github.com/marberlow/newsmill/internal/pipeline"
)

// Config tunes broker behavior.
type Config struct {
	// Cooldown is how long a rate-limited key sits out before it may be
	// selected again.
	Cooldown time.Duration
}

// Broker selects usable credentials and records outcomes. All state
// transitions go through the store's atomic operations; the broker itself
// holds no mutable key state.
type Broker struct {
	store  pipeline.CredentialStore
	clock  pipeline.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Broker.
func New(store pipeline.CredentialStore, clock pipeline.Clock, cfg Config, logger *zap.Logger) *Broker {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Acquire returns a usable credential for the principal. Private keys are
// scanned first, ordered by ascending today-usage, then the shared pool.
// Lazy transitions (cooldown expiry, daily reset) happen inside the
// store's Reserve call, so a key the scan saw as blocked may have become
// usable by the time it is probed, and vice versa.
func (b *Broker) Acquire(ctx context.Context, principalID string) (pipeline.Credential, error) {
	for _, scope := range []pipeline.CredentialScope{pipeline.ScopePrivate, pipeline.ScopeShared} {
		creds, err := b.store.ListCredentials(ctx, scope, principalID)
		if err != nil {
			return pipeline.Credential{}, fmt.Errorf("list %s credentials: %w", scope, err)
		}
		for _, cand := range creds {
			cred, usable, err := b.store.Reserve(ctx, cand.ID, b.clock.Now())
			if err != nil {
				b.logger.Warn("credential reserve failed",
					zap.String("credential_id", cand.ID),
					zap.Error(err),
				)
				continue
			}
			if !usable {
				continue
			}
			b.logger.Debug("credential acquired",
				zap.String("credential_id", cred.ID),
				zap.String("scope", string(scope)),
				zap.Int64("today_usage", cred.TodayUsage),
			)
			return cred, nil
		}
	}
	return pipeline.Credential{}, pipeline.ErrCredentialsExhausted
}

// ReportSuccess records a successful provider call on the key.
func (b *Broker) ReportSuccess(ctx context.Context, cred pipeline.Credential) error {
	if err := b.store.MarkSuccess(ctx, cred.ID, b.clock.Now()); err != nil {
		return fmt.Errorf("mark credential success: %w", err)
	}
	return nil
}

// ReportFailure classifies the provider error, stamps the failing key and,
// when the key belongs to a project grouping, propagates the status to
// every sibling: provider-side quotas are frequently shared across a whole
// project rather than per key.
func (b *Broker) ReportFailure(ctx context.Context, cred pipeline.Credential, provErr error) error {
	status := Classify(provErr)
	var cooldownUntil time.Time
	if status == pipeline.StatusRateLimited {
		cooldownUntil = b.clock.Now().Add(b.cfg.Cooldown)
	}
	errText := ""
	if provErr != nil {
		errText = provErr.Error()
	}

	metrics.ObserveCredentialTransition(string(status))
	b.logger.Warn("credential failure reported",
		zap.String("credential_id", cred.ID),
		zap.String("status", string(status)),
		zap.String("project_id", cred.ProjectID),
		zap.Error(provErr),
	)

	if cred.ProjectID != "" {
		if err := b.store.MarkProjectFailure(ctx, cred.ProjectID, status, cooldownUntil, errText); err != nil {
			return fmt.Errorf("mark project failure: %w", err)
		}
		return nil
	}
	if err := b.store.MarkFailure(ctx, cred.ID, status, cooldownUntil, errText); err != nil {
		return fmt.Errorf("mark credential failure: %w", err)
	}
	return nil
}
