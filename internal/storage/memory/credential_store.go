package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// CredentialStore keeps API keys in memory. Every state transition runs
// under the store mutex, giving the same atomicity the Postgres store gets
// from single conditional updates.
type CredentialStore struct {
	mu    sync.Mutex
	creds map[string]pipeline.Credential
}

// NewCredentialStore creates an empty CredentialStore.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]pipeline.Credential)}
}

// CreateCredential stores a new key.
func (s *CredentialStore) CreateCredential(_ context.Context, cred pipeline.Credential) error {
	if cred.ID == "" {
		return fmt.Errorf("credential id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.creds[cred.ID]; exists {
		return fmt.Errorf("credential %s already exists", cred.ID)
	}
	if cred.Status == "" {
		cred.Status = pipeline.StatusActive
	}
	s.creds[cred.ID] = cred
	return nil
}

// UpdateCredential replaces a stored key.
func (s *CredentialStore) UpdateCredential(_ context.Context, cred pipeline.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.creds[cred.ID]; !exists {
		return pipeline.ErrNotFound
	}
	s.creds[cred.ID] = cred
	return nil
}

// GetCredential returns one key.
func (s *CredentialStore) GetCredential(_ context.Context, id string) (pipeline.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, exists := s.creds[id]
	if !exists {
		return pipeline.Credential{}, pipeline.ErrNotFound
	}
	return cred, nil
}

// ListCredentials returns non-error keys for a scope ordered by ascending
// today-usage. Private scope filters on the owner.
func (s *CredentialStore) ListCredentials(_ context.Context, scope pipeline.CredentialScope, ownerID string) ([]pipeline.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.Credential, 0, len(s.creds))
	for _, cred := range s.creds {
		if cred.Scope != scope {
			continue
		}
		if scope == pipeline.ScopePrivate && cred.OwnerID != ownerID {
			continue
		}
		if cred.Status == pipeline.StatusError {
			continue
		}
		out = append(out, cred)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TodayUsage != out[j].TodayUsage {
			return out[i].TodayUsage < out[j].TodayUsage
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Reserve applies the lazy transitions for one key and reports whether it
// is usable, in a single critical section.
func (s *CredentialStore) Reserve(_ context.Context, id string, now time.Time) (pipeline.Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, exists := s.creds[id]
	if !exists {
		return pipeline.Credential{}, false, pipeline.ErrNotFound
	}

	cred = applyLazyTransitions(cred, now)

	usable := cred.Status == pipeline.StatusActive
	if usable {
		cred.LastUsedAt = now
	}
	s.creds[id] = cred
	return cred, usable, nil
}

// MarkSuccess records a successful use of the key.
func (s *CredentialStore) MarkSuccess(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, exists := s.creds[id]
	if !exists {
		return pipeline.ErrNotFound
	}

	day := now.Format("2006-01-02")
	if cred.UsageDay != day {
		cred.UsageDay = day
		cred.TodayUsage = 0
	}
	cred.TotalUsage++
	cred.TodayUsage++
	cred.LastUsedAt = now
	cred.LastError = ""
	// A success is evidence the throttling window has passed.
	if cred.Status == pipeline.StatusRateLimited {
		cred.Status = pipeline.StatusActive
		cred.CooldownUntil = time.Time{}
	}
	if cred.DailyLimit > 0 && cred.TodayUsage >= cred.DailyLimit {
		cred.Status = pipeline.StatusQuotaExceeded
	}
	s.creds[id] = cred
	return nil
}

// MarkFailure stamps the failing key with the classified status.
func (s *CredentialStore) MarkFailure(_ context.Context, id string, status pipeline.CredentialStatus, cooldownUntil time.Time, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, exists := s.creds[id]
	if !exists {
		return pipeline.ErrNotFound
	}
	cred.Status = status
	cred.CooldownUntil = cooldownUntil
	cred.LastError = errText
	s.creds[id] = cred
	return nil
}

// MarkProjectFailure applies the same status to every key sharing the
// project grouping id, in one critical section.
func (s *CredentialStore) MarkProjectFailure(_ context.Context, projectID string, status pipeline.CredentialStatus, cooldownUntil time.Time, errText string) error {
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cred := range s.creds {
		if cred.ProjectID != projectID {
			continue
		}
		cred.Status = status
		cred.CooldownUntil = cooldownUntil
		cred.LastError = errText
		s.creds[id] = cred
	}
	return nil
}

func applyLazyTransitions(cred pipeline.Credential, now time.Time) pipeline.Credential {
	day := now.Format("2006-01-02")
	if cred.UsageDay != day {
		cred.UsageDay = day
		cred.TodayUsage = 0
		if cred.Status == pipeline.StatusQuotaExceeded {
			cred.Status = pipeline.StatusActive
		}
	}
	if cred.Status == pipeline.StatusRateLimited && !now.Before(cred.CooldownUntil) {
		cred.Status = pipeline.StatusActive
		cred.CooldownUntil = time.Time{}
	}
	if cred.Status == pipeline.StatusActive && cred.DailyLimit > 0 && cred.TodayUsage >= cred.DailyLimit {
		cred.Status = pipeline.StatusQuotaExceeded
	}
	return cred
}
