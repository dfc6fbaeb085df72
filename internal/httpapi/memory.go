package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicememory/internal/memory"
	"github.com/ent0n29/voicememory/internal/observability"
	"github.com/ent0n29/voicememory/internal/session"
)

type storeTurnResponse struct {
	Stored         bool                        `json:"stored"`
	Classification memory.MemoryClassification `json:"classification"`
}

type contextRequest struct {
	Query         string `json:"query"`
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	MaxResults    int    `json:"max_results"`
	MaxChars      int    `json:"max_chars"`
	IncludeRecent *bool  `json:"include_recent"`
	IncludeFacts  *bool  `json:"include_facts"`
}

type contextResponse struct {
	Results []memory.RetrievalResult `json:"results"`
	Context string                   `json:"context"`
}

type preferenceRequest struct {
	UserID string `json:"user_id"`
	Value  string `json:"value"`
}

type cleanupRequest struct {
	DaysOld        *int  `json:"days_old"`
	KeepFacts      *bool `json:"keep_facts"`
	PurgeGraceDays *int  `json:"purge_grace_days"`
}

type cleanupResponse struct {
	Deleted int64 `json:"deleted"`
	Purged  int64 `json:"purged"`
}

// handleStoreTurn ingests one exchange. Sessions this process never issued
// are accepted; sessions it has ended are rejected.
func (s *Server) handleStoreTurn(w http.ResponseWriter, r *http.Request) {
	var in memory.ConversationInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.SessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	if strings.TrimSpace(in.UserInput) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_input is required")
		return
	}
	if err := s.sessions.Touch(in.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.respondErr(w, err)
		return
	}

	start := time.Now()
	cls, err := s.memory.ProcessConversation(r.Context(), in)
	if s.metrics != nil {
		s.metrics.ObserveStage(observability.StageIngest, time.Since(start))
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, storeTurnResponse{
		Stored:         cls.Category != memory.CategoryEphemeral,
		Classification: cls,
	})
}

func (s *Server) handleRetrieveContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.MaxResults < 0 || req.MaxChars < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "max_results and max_chars must not be negative")
		return
	}
	if req.MaxResults == 0 {
		req.MaxResults = s.cfg.MemoryMaxResults
	}
	if req.MaxChars == 0 {
		req.MaxChars = s.cfg.MemoryContextChars
	}

	results := s.memory.RetrieveContext(r.Context(), memory.RetrieveOptions{
		Query:         req.Query,
		SessionID:     strings.TrimSpace(req.SessionID),
		UserID:        req.UserID,
		MaxResults:    req.MaxResults,
		IncludeRecent: boolOr(req.IncludeRecent, true),
		IncludeFacts:  boolOr(req.IncludeFacts, true),
	})
	if results == nil {
		results = []memory.RetrievalResult{}
	}
	respondJSON(w, http.StatusOK, contextResponse{
		Results: results,
		Context: s.memory.FormatContextForPrompt(results, req.MaxChars),
	})
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var category memory.FactCategory
	if raw := strings.TrimSpace(r.URL.Query().Get("category")); raw != "" {
		if !memory.ValidFactCategory(raw) {
			respondError(w, http.StatusBadRequest, "invalid_request", "unknown fact category "+raw)
			return
		}
		category = memory.ParseFactCategory(raw)
	}
	facts, err := s.memory.GetUserFacts(r.Context(), r.URL.Query().Get("user_id"), category, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"facts": nonNil(facts)})
}

func (s *Server) handleDeleteFact(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_fact_id", "fact id must be a positive integer")
		return
	}
	if err := s.memory.DeleteFact(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q := r.URL.Query()
	turns, err := s.memory.GetConversationHistory(r.Context(), q.Get("user_id"), q.Get("session_id"), limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": nonNil(turns)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sessions, err := s.memory.ListSessions(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": nonNil(sessions)})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.memory.GetSessionStats(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("user_id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.memory.GetStats(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.memory.SetPreference(r.Context(), req.UserID, key, req.Value); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.memory.GetPreferences(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"preferences": nonNil(prefs)})
}

func (s *Server) handleLogAction(w http.ResponseWriter, r *http.Request) {
	var a memory.ActionLog
	if err := decodeJSON(r, &a); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := s.memory.LogAction(r.Context(), a)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q := r.URL.Query()
	actions, err := s.memory.ListActions(r.Context(), q.Get("user_id"), q.Get("session_id"), limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"actions": nonNil(actions)})
}

// handleCleanup applies retention, then optionally purges rows that have
// been soft-deleted for longer than the grace period.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	days := s.cfg.MemoryRetentionDays
	if req.DaysOld != nil {
		days = *req.DaysOld
	}

	var resp cleanupResponse
	var err error
	resp.Deleted, err = s.memory.CleanupOldSessions(r.Context(), days, boolOr(req.KeepFacts, true))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if req.PurgeGraceDays != nil {
		resp.Purged, err = s.memory.PurgeDeleted(r.Context(), *req.PurgeGraceDays)
		if err != nil {
			s.respondErr(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
