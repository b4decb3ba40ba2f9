package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/marberlow/newsmill/internal/pipeline"
)

type sourceRequest struct {
	Name        string               `json:"name"`
	URL         string               `json:"url"`
	Strategy    string               `json:"strategy"`
	Selectors   pipeline.SelectorSet `json:"selectors"`
	Schedule    string               `json:"schedule"`
	CategoryID  string               `json:"category_id"`
	AutoPublish bool                 `json:"auto_publish"`
	Active      *bool                `json:"active"`
	OwnerID     string               `json:"owner_id"`
}

func (req sourceRequest) validate() error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.URL == "" {
		return errors.New("url is required")
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch pipeline.Strategy(req.Strategy) {
	case pipeline.StrategyStatic, pipeline.StrategyDynamic, "":
	default:
		return fmt.Errorf("unknown strategy %q", req.Strategy)
	}
	return nil
}

func (req sourceRequest) apply(src pipeline.SourceConfig) pipeline.SourceConfig {
	src.Name = req.Name
	src.URL = req.URL
	src.Strategy = pipeline.Strategy(req.Strategy)
	if src.Strategy == "" {
		src.Strategy = pipeline.StrategyStatic
	}
	src.Selectors = req.Selectors
	src.Schedule = req.Schedule
	src.CategoryID = req.CategoryID
	src.AutoPublish = req.AutoPublish
	src.Active = req.Active == nil || *req.Active
	src.OwnerID = req.OwnerID
	return src
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate source id")
		return
	}
	now := s.clock.Now()
	src := req.apply(pipeline.SourceConfig{ID: id, CreatedAt: now, UpdatedAt: now})
	if err := s.sources.CreateSource(r.Context(), src); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.syncScheduler(r)
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	out, err := s.sources.ListSources(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.sources.GetSource(r.Context(), chi.URLParam(r, "source_id"))
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	existing, err := s.sources.GetSource(r.Context(), id)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src := req.apply(existing)
	src.UpdatedAt = s.clock.Now()
	if err := s.sources.UpdateSource(r.Context(), src); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.syncScheduler(r)
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	err := s.sources.DeleteSource(r.Context(), chi.URLParam(r, "source_id"))
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.syncScheduler(r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) triggerSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	err := s.scheduler.Trigger(r.Context(), id)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"source_id": id, "status": "queued"})
}

type jobRequest struct {
	URL         string `json:"url"`
	SourceID    string `json:"source_id"`
	BypassDedup bool   `json:"bypass_dedup"`
}

// submitJob enqueues a single-page crawl for one URL. The job is marked
// manual, so the dedup guard lets it through regardless of ledger state.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate job id")
		return
	}
	// No strategy pin on ad-hoc URLs: the extractor may promote to the
	// browser when the static parse comes back empty.
	job := pipeline.Job{
		ID:          id,
		Kind:        pipeline.JobKindPage,
		URL:         req.URL,
		SourceID:    req.SourceID,
		Manual:      true,
		BypassDedup: req.BypassDedup,
		EnqueuedAt:  s.clock.Now(),
	}
	if req.SourceID != "" {
		src, err := s.sources.GetSource(r.Context(), req.SourceID)
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		job.Strategy = src.Strategy
		job.Selectors = src.Selectors
		job.CategoryID = src.CategoryID
		job.AutoPublish = src.AutoPublish
		job.OwnerID = src.OwnerID
	}
	if err := s.dispatcher.Enqueue(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	out, err := s.history.ListHistory(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out, "limit": limit, "offset": offset})
}

type keyRequest struct {
	Secret     string `json:"secret"`
	Scope      string `json:"scope"`
	OwnerID    string `json:"owner_id"`
	ProjectID  string `json:"project_id"`
	DailyLimit int64  `json:"daily_limit"`
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}
	scope := pipeline.CredentialScope(req.Scope)
	if scope == "" {
		scope = pipeline.ScopeShared
	}
	if scope != pipeline.ScopeShared && scope != pipeline.ScopePrivate {
		writeError(w, http.StatusBadRequest, "scope must be shared or private")
		return
	}
	if scope == pipeline.ScopePrivate && req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required for private keys")
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate key id")
		return
	}
	cred := pipeline.Credential{
		ID:         id,
		Secret:     req.Secret,
		Scope:      scope,
		OwnerID:    req.OwnerID,
		ProjectID:  req.ProjectID,
		Status:     pipeline.StatusActive,
		DailyLimit: req.DailyLimit,
	}
	if err := s.creds.CreateCredential(r.Context(), cred); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Credential marshals without the secret, so the response never echoes it.
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	scope := pipeline.CredentialScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = pipeline.ScopeShared
	}
	out, err := s.creds.ListCredentials(r.Context(), scope, r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	cred, err := s.creds.GetCredential(r.Context(), chi.URLParam(r, "key_id"))
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

type keyUpdateRequest struct {
	Status     string `json:"status"`
	DailyLimit *int64 `json:"daily_limit"`
}

// updateKey lets an operator reactivate a key or adjust its daily ceiling.
func (s *Server) updateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "key_id")
	cred, err := s.creds.GetCredential(r.Context(), id)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var req keyUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Status != "" {
		switch status := pipeline.CredentialStatus(req.Status); status {
		case pipeline.StatusActive, pipeline.StatusRateLimited, pipeline.StatusQuotaExceeded, pipeline.StatusError:
			cred.Status = status
			if status == pipeline.StatusActive {
				cred.CooldownUntil = time.Time{}
				cred.LastError = ""
			}
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
			return
		}
	}
	if req.DailyLimit != nil {
		cred.DailyLimit = *req.DailyLimit
	}
	if err := s.creds.UpdateCredential(r.Context(), cred); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		writeJSON(w, http.StatusOK, map[string]any{"notifications": []pipeline.Notification{}})
		return
	}
	limit := queryInt(r, "limit", 50)
	out := s.notifications.Recent(r.URL.Query().Get("principal_id"), limit)
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

// syncScheduler reconciles cron entries after a source mutation. Failures
// are logged, not surfaced: the mutation itself already committed.
func (s *Server) syncScheduler(r *http.Request) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Sync(r.Context()); err != nil {
		s.logger.Warn("scheduler sync failed", zap.Error(err))
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
