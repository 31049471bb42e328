// Package server exposes the engine over HTTP JSON plus a websocket
// event feed. Response bodies never include raw embeddings.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/engine"
	"github.com/becomeliminal/cortex/graph"
)

// Server routes HTTP requests to the engine.
type Server struct {
	engine   *engine.Engine
	logger   *zap.Logger
	router   chi.Router
	upgrader websocket.Upgrader
}

// New creates a server. A nil logger is replaced with a nop logger.
func New(eng *engine.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine: eng,
		logger: logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon serves trusted local agents; no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/nodes", s.handleCreateNode)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Post("/nodes/{id}/delete", s.handleDeleteNode)
		r.Post("/edges", s.handleCreateEdge)
		r.Post("/search", s.handleSearch)
		r.Post("/search/hybrid", s.handleHybridSearch)
		r.Post("/traverse", s.handleTraverse)
		r.Get("/briefing/{agent}", s.handleBriefing)
		r.Post("/link", s.handleLink)
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var in engine.NodeInput
	if !s.decode(w, r, &in) {
		return
	}
	id, err := s.engine.CreateNode(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.engine.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNodeDTO(node))
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteNode(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var in engine.EdgeInput
	if !s.decode(w, r, &in) {
		return
	}
	id, err := s.engine.CreateEdge(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	results, err := s.engine.SimilaritySearch(r.Context(), req.Query, req.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]searchResultDTO, len(results))
	for i, res := range results {
		out[i] = searchResultDTO{Node: toNodeDTO(res.Node), Score: res.Score}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

type hybridRequest struct {
	Query     string   `json:"query"`
	AnchorIDs []string `json:"anchor_ids,omitempty"`
	Limit     int      `json:"limit"`
}

func (s *Server) handleHybridSearch(w http.ResponseWriter, r *http.Request) {
	var req hybridRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	results, err := s.engine.HybridSearch(r.Context(), req.Query, req.AnchorIDs, req.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]hybridResultDTO, len(results))
	for i, res := range results {
		out[i] = hybridResultDTO{
			Node:          toNodeDTO(res.Node),
			VectorScore:   res.VectorScore,
			GraphScore:    res.GraphScore,
			CombinedScore: res.CombinedScore,
			NearestAnchor: res.NearestAnchor,
			AnchorDepth:   res.AnchorDepth,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

type traverseRequest struct {
	StartIDs     []string `json:"start_ids"`
	MaxDepth     int      `json:"max_depth"`
	Direction    string   `json:"direction,omitempty"`
	Relations    []string `json:"relations,omitempty"`
	MinWeight    float32  `json:"min_weight,omitempty"`
	Limit        int      `json:"limit,omitempty"`
	IncludeStart *bool    `json:"include_start,omitempty"`
}

func (s *Server) handleTraverse(w http.ResponseWriter, r *http.Request) {
	var req traverseRequest
	if !s.decode(w, r, &req) {
		return
	}
	includeStart := true
	if req.IncludeStart != nil {
		includeStart = *req.IncludeStart
	}
	sub, err := s.engine.Traverse(r.Context(), graph.TraverseRequest{
		StartIDs:     req.StartIDs,
		MaxDepth:     req.MaxDepth,
		Direction:    graph.Direction(req.Direction),
		Relations:    req.Relations,
		MinWeight:    req.MinWeight,
		Limit:        req.Limit,
		IncludeStart: includeStart,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubgraphDTO(sub))
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	compact := r.URL.Query().Get("compact") == "true"
	b, err := s.engine.GetBriefing(r.Context(), chi.URLParam(r, "agent"), compact)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":        b.AgentID,
		"compact":         b.Compact,
		"rendered":        b.Rendered,
		"nodes_consulted": b.NodesConsulted,
		"cached":          b.Cached,
		"generated_at":    b.GeneratedAt,
	})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.LinkNodes(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEvents streams engine events over a websocket until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.engine.Subscribe()
	defer cancel()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// decode parses a JSON body, answering 400 on malformed input.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, core.WrapError(core.CodeInvalidArgument, err, "malformed request body"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.CodeOf(err) {
	case core.CodeInvalidArgument:
		status = http.StatusBadRequest
	case core.CodeNotFound:
		status = http.StatusNotFound
	case core.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    string(core.CodeOf(err)),
			"message": err.Error(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket upgrades hijack the connection; wrapping the writer
		// breaks the hijacker interface.
		if r.URL.Path == "/v1/events" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
