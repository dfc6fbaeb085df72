package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/voicememory/internal/config"
	"github.com/ent0n29/voicememory/internal/memory"
	"github.com/ent0n29/voicememory/internal/observability"
	"github.com/ent0n29/voicememory/internal/session"
)

// Memory is the subset of memory.Manager served over HTTP.
type Memory interface {
	ProcessConversation(ctx context.Context, in memory.ConversationInput) (memory.MemoryClassification, error)
	RetrieveContext(ctx context.Context, opts memory.RetrieveOptions) []memory.RetrievalResult
	FormatContextForPrompt(results []memory.RetrievalResult, maxLength int) string
	GetUserFacts(ctx context.Context, userID string, category memory.FactCategory, limit int) ([]memory.Fact, error)
	DeleteFact(ctx context.Context, factID int64) error
	GetConversationHistory(ctx context.Context, userID, sessionID string, limit int) ([]memory.ConversationTurn, error)
	GetSessionStats(ctx context.Context, sessionID, userID string) (memory.SessionStats, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]memory.SessionStats, error)
	GetStats(ctx context.Context, userID string) (memory.StoreStats, error)
	SetPreference(ctx context.Context, userID, key, value string) error
	GetPreferences(ctx context.Context, userID string) ([]memory.Preference, error)
	LogAction(ctx context.Context, a memory.ActionLog) (int64, error)
	ListActions(ctx context.Context, userID, sessionID string, limit int) ([]memory.ActionLog, error)
	CleanupOldSessions(ctx context.Context, daysOld int, keepFacts bool) (int64, error)
	PurgeDeleted(ctx context.Context, graceDays int) (int64, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	memory   Memory
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *log.Logger
}

func New(cfg config.Config, sessions *session.Manager, mem Memory, metrics *observability.Metrics, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = log.Default().WithPrefix("http")
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		memory:   mem,
		metrics:  metrics,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	r.Route("/v1/memory", func(r chi.Router) {
		r.Post("/turns", s.handleStoreTurn)
		r.Post("/context", s.handleRetrieveContext)
		r.Get("/facts", s.handleListFacts)
		r.Delete("/facts/{id}", s.handleDeleteFact)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}/stats", s.handleSessionStats)
		r.Get("/stats", s.handleStats)
		r.Put("/preferences/{key}", s.handleSetPreference)
		r.Get("/preferences", s.handleListPreferences)
		r.Post("/actions", s.handleLogAction)
		r.Get("/actions", s.handleListActions)
		r.Post("/cleanup", s.handleCleanup)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

// handleReady reports ready once the relational store answers a stats query.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.memory.GetStats(ctx, ""); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = memory.DefaultUserID
	}

	sess := s.sessions.Create(req.UserID, req.DeviceName)
	s.syncActiveSessions()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		DeviceName:      sess.DeviceName,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.syncActiveSessions()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) syncActiveSessions() {
	if s.metrics != nil {
		s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	}
}

func (s *Server) storeMode() string {
	if s.cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "sqlite"
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// respondErr maps domain sentinels onto HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, memory.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusConflict, "session_ended", err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
