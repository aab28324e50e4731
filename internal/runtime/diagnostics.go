package runtime

import (
	"net/http"
	"strings"
	"sync"

	"github.com/drblury/behaviorflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/behaviorflow/internal/runtime/logging"
	"github.com/drblury/behaviorflow/internal/runtime/stream"
)

const (
	defaultDiagnosticsPort    = 8081
	defaultDiagnosticsHistory = 100
)

// pipelineHistory keeps the most recent finished invocations, oldest first.
type pipelineHistory struct {
	mu    sync.Mutex
	pipes []PipeSnapshot
	next  int
	full  bool
}

func newPipelineHistory(size int) *pipelineHistory {
	if size <= 0 {
		size = defaultDiagnosticsHistory
	}
	return &pipelineHistory{pipes: make([]PipeSnapshot, size)}
}

func (h *pipelineHistory) observe(registry *InvocationRegistry) stream.Subscription {
	return registry.Finished().Subscribe(stream.ObserverFuncs[*Pipe]{
		Next: func(p *Pipe) { h.add(p.Snapshot()) },
	})
}

func (h *pipelineHistory) add(snap PipeSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pipes[h.next] = snap
	h.next = (h.next + 1) % len(h.pipes)
	if h.next == 0 {
		h.full = true
	}
}

// recent returns up to limit entries, newest first. limit <= 0 returns all.
func (h *pipelineHistory) recent(limit int) []PipeSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.pipes)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]PipeSnapshot, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (h.next - i + len(h.pipes)) % len(h.pipes)
		out = append(out, h.pipes[idx])
	}
	return out
}

type pipelinesResponse struct {
	Incoming  []Descriptor   `json:"incoming"`
	Outgoing  []Descriptor   `json:"outgoing"`
	Types     []string       `json:"message_types"`
	Pipelines []PipeSnapshot `json:"pipelines"`
}

func (s *Service) enableDiagnostics() {
	s.history = newPipelineHistory(s.Conf.DiagnosticsHistory)
	s.subs = append(s.subs, s.history.observe(s.registry))

	port := s.Conf.DiagnosticsPort
	if port == 0 {
		port = defaultDiagnosticsPort
	}

	s.RegisterHTTPHandler(port, "/api/pipelines", http.HandlerFunc(s.handleGetPipelines))
	s.RegisterHTTPHandler(port, "/api/pipelines/stats", http.HandlerFunc(s.handleGetPipelineStats))
}

func (s *Service) handleGetPipelines(w http.ResponseWriter, r *http.Request) {
	if s.writeCORSHeaders(w, r) {
		return
	}

	resp := pipelinesResponse{Types: s.types.Names()}
	if len(s.executors) > 0 {
		resp.Incoming = s.executors[0].Incoming()
		resp.Outgoing = s.executors[0].Outgoing()
	}
	if s.history != nil {
		resp.Pipelines = s.history.recent(0)
	}

	s.writeJSON(w, r, resp)
}

func (s *Service) handleGetPipelineStats(w http.ResponseWriter, r *http.Request) {
	if s.writeCORSHeaders(w, r) {
		return
	}
	if s.metrics == nil {
		http.Error(w, "metrics are disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, r, s.metrics.GetSnapshot())
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")

	var err error
	if r.URL.Query().Get("pretty") != "" {
		err = jsoncodec.EncodeIndent(w, v, "", "  ")
	} else {
		err = jsoncodec.Encode(w, v)
	}
	if err != nil {
		s.Logger.Error("Failed to encode diagnostics response", err, loggingpkg.LogFields{"path": r.URL.Path})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// writeCORSHeaders sets CORS headers for allowed origins and reports whether
// the request was a preflight that has been answered.
func (s *Service) writeCORSHeaders(w http.ResponseWriter, r *http.Request) bool {
	if s.Conf != nil && len(s.Conf.DiagnosticsCORSAllowedOrigins) > 0 {
		if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.DiagnosticsCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
