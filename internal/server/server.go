// Package server is the chat HTTP surface over the agent facade. The
// endpoint shapes are fixed for compatibility with the memory-viewer UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"fractalmem/internal/agent"
	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/memory"
	"fractalmem/internal/types"
)

// Server wires the agent facade to the HTTP surface.
type Server struct {
	agent          *agent.Agent
	allowedOrigins map[string]struct{}
	mux            *http.ServeMux
}

// New builds the surface. allowedOrigins defaults to empty, which refuses
// cross-origin requests.
func New(a *agent.Agent, allowedOrigins []string) *Server {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	s := &Server{agent: a, allowedOrigins: origins, mux: http.NewServeMux()}

	s.mux.HandleFunc("/chat", s.handleChat)
	s.mux.HandleFunc("/memory/stats", s.handleStats)
	s.mux.HandleFunc("/memory/consolidate", s.handleConsolidate)
	s.mux.HandleFunc("/memory/remember", s.handleRemember)
	s.mux.HandleFunc("/memory/", s.handleMemoryLevel)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.applyCORS(w, r) {
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

// ListenAndServe runs the surface until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Server("Chat surface listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// applyCORS enforces the allow-list. Same-origin requests (no Origin
// header) always pass; cross-origin requests from unlisted origins are
// refused outright.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := s.allowedOrigins[origin]; !ok {
		writeError(w, http.StatusForbidden, "origin_forbidden", "cross-origin requests are not allowed")
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"message\": string}")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "message must not be empty")
		return
	}

	result, err := s.agent.Chat(r.Context(), req.Message)
	if err != nil {
		// The fast path degrades internally; an error here means nothing
		// could be produced at all.
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statsResponse struct {
	L0Count           int    `json:"l0_count"`
	L1Count           int    `json:"l1_count"`
	L2Count           int    `json:"l2_count"`
	L3Count           int    `json:"l3_count"`
	L0DroppedTotal    int64  `json:"l0_dropped_total"`
	LastConsolidation string `json:"last_consolidation,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	stats, err := s.agent.Memory().GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	resp := statsResponse{
		L0Count:        stats.L0Size,
		L1Count:        stats.L1Size,
		L2Count:        stats.L2Size,
		L3Count:        stats.L3Size,
		L0DroppedTotal: stats.L0DroppedTotal,
	}
	if stats.LastConsolidationAt != nil {
		resp.LastConsolidation = stats.LastConsolidationAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type consolidateResponse struct {
	Status string `json:"status"`
	L0ToL1 int    `json:"l0_to_l1,omitempty"`
	L1ToL2 int    `json:"l1_to_l2,omitempty"`
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	counters, err := s.agent.Memory().Consolidate(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	status := "ok"
	if counters == (types.ConsolidationCounters{}) {
		status = "skipped"
	}
	writeJSON(w, http.StatusOK, consolidateResponse{
		Status: status,
		L0ToL1: counters.L0ToL1,
		L1ToL2: counters.L1ToL2,
	})
}

type rememberRequest struct {
	Content    string   `json:"content"`
	Importance *float64 `json:"importance"`
}

type rememberResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"content\": string, \"importance\": number?}")
		return
	}
	importance := 1.0
	if req.Importance != nil {
		importance = *req.Importance
	}
	id, err := s.agent.Memory().Remember(r.Context(), req.Content, importance, nil)
	if err != nil {
		if errors.Is(err, memerr.ErrValidation) {
			writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rememberResponse{Status: "ok", ID: id})
}

// handleMemoryLevel serves GET /memory/{level}, level in all|l0|l1|l2|l3.
func (s *Server) handleMemoryLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	level := strings.TrimPrefix(r.URL.Path, "/memory/")

	var (
		items []memoryTierItem
		err   error
	)
	switch level {
	case "all":
		items, err = s.tierItems(r.Context(), -1)
	case "l0":
		items, err = s.tierItems(r.Context(), types.LevelL0)
	case "l1":
		items, err = s.tierItems(r.Context(), types.LevelL1)
	case "l2":
		items, err = s.tierItems(r.Context(), types.LevelL2)
	case "l3":
		items, err = s.tierItems(r.Context(), types.LevelL3)
	default:
		writeError(w, http.StatusNotFound, "not_found", "level must be one of all, l0, l1, l2, l3")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	if items == nil {
		items = []memoryTierItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type memoryTierItem struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Content     string   `json:"content"`
	Level       int      `json:"level"`
	Importance  float64  `json:"importance"`
	CreatedAt   string   `json:"created_at"`
	Connections []string `json:"connections"`
}

func (s *Server) tierItems(ctx context.Context, level int) ([]memoryTierItem, error) {
	mem := s.agent.Memory()

	var (
		items []memory.TierItem
		err   error
	)
	if level < 0 {
		items, err = mem.AllTierItems(ctx, 200)
	} else {
		items, err = mem.TierItems(ctx, level, 200)
	}
	if err != nil {
		return nil, err
	}

	out := make([]memoryTierItem, 0, len(items))
	for _, it := range items {
		out = append(out, memoryTierItem{
			ID:          it.ID,
			Label:       it.Label,
			Content:     it.Content,
			Level:       it.Level,
			Importance:  it.Importance,
			CreatedAt:   it.CreatedAt.Format(time.RFC3339),
			Connections: it.Connections,
		})
	}
	return out, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	states := s.agent.Health(r.Context())

	status := "ok"
	if states["volatile_store"] != "ok" && states["graph_store"] != "ok" {
		status = "unhealthy"
	} else {
		for key, state := range states {
			if state != "ok" && key != "completion" {
				status = "degraded"
			}
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": states,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]string{"error": msg, "code": errCode})
}
