package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	StoreMode     string        `json:"store_mode"`
	VectorBackend string        `json:"vector_backend"`
	Embedder      string        `json:"embedder"`
	LLMProvider   string        `json:"llm_provider"`
	RedactPII     bool          `json:"redact_pii"`
	Checks        []statusCheck `json:"checks"`
}

// handleStatus describes the configured backends with setup hints, so an
// operator can see why memory is degraded without reading logs.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]statusCheck, 0, 6)
	checks = append(checks, s.storeCheck())
	checks = append(checks, s.vectorChecks()...)
	checks = append(checks, s.llmCheck())
	if !s.cfg.RedactPII {
		checks = append(checks, statusCheck{
			ID:     "redaction",
			Status: "warn",
			Label:  "PII redaction",
			Detail: "disabled",
			Fix:    "Set MEMORY_REDACT_PII=true to mask emails, phone and card numbers before storage.",
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		StoreMode:     s.storeMode(),
		VectorBackend: s.cfg.VectorBackend,
		Embedder:      s.cfg.Embedder,
		LLMProvider:   s.cfg.LLMProvider,
		RedactPII:     s.cfg.RedactPII,
		Checks:        checks,
	})
}

func (s *Server) storeCheck() statusCheck {
	if s.cfg.DatabaseURL != "" {
		return statusCheck{ID: "store", Status: "ok", Label: "Memory store", Detail: "postgres"}
	}
	path := s.cfg.MemoryDBPath
	if path == "" || path == ":memory:" {
		return statusCheck{
			ID:     "store",
			Status: "warn",
			Label:  "Memory store",
			Detail: "in-memory sqlite",
			Fix:    "Set MEMORY_DB_PATH to keep memories across restarts.",
		}
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return statusCheck{
			ID:     "store",
			Status: "error",
			Label:  "Memory store",
			Detail: err.Error(),
			Fix:    "Create the directory for MEMORY_DB_PATH.",
		}
	}
	return statusCheck{ID: "store", Status: "ok", Label: "Memory store", Detail: "sqlite " + path}
}

func (s *Server) vectorChecks() []statusCheck {
	switch strings.ToLower(s.cfg.VectorBackend) {
	case "none":
		return []statusCheck{{
			ID:     "vector",
			Status: "warn",
			Label:  "Semantic search",
			Detail: "disabled, facts are keyword searchable only",
			Fix:    "Set VECTOR_BACKEND=chromem for local semantic search.",
		}}
	case "qdrant":
		checks := []statusCheck{{ID: "vector", Status: "ok", Label: "Semantic search", Detail: "qdrant " + s.cfg.QdrantAddr}}
		return append(checks, dialCheck("qdrant_reachable", "Qdrant reachable", s.cfg.QdrantAddr,
			"Start Qdrant or point QDRANT_ADDR at its gRPC port."))
	default:
		c := statusCheck{ID: "vector", Status: "ok", Label: "Semantic search", Detail: s.cfg.VectorBackend}
		if s.cfg.Embedder == "hash" {
			c.Status = "warn"
			c.Detail = fmt.Sprintf("%s with hash embeddings", s.cfg.VectorBackend)
			c.Fix = "Set EMBEDDER=ollama or EMBEDDER=openai for meaning-aware matches."
		}
		return []statusCheck{c}
	}
}

func (s *Server) llmCheck() statusCheck {
	if s.cfg.LLMProvider == "mock" || s.cfg.LLMProvider == "" {
		return statusCheck{
			ID:     "classifier",
			Status: "warn",
			Label:  "Memory classifier",
			Detail: "rule-based mock",
			Fix:    "Set LLM_PROVIDER to anthropic, openai or ollama.",
		}
	}
	return statusCheck{ID: "classifier", Status: "ok", Label: "Memory classifier", Detail: s.cfg.LLMProvider}
}

func dialCheck(id, label, addr, fix string) statusCheck {
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return statusCheck{ID: id, Status: "error", Label: label, Detail: err.Error(), Fix: fix}
	}
	_ = conn.Close()
	return statusCheck{ID: id, Status: "ok", Label: label, Detail: addr}
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{"window_size": 0, "stages": []any{}})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}
