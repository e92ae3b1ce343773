// Package api exposes the orchestration engine over HTTP: order submission
// and lifecycle calls, log retrieval, an SSE event feed, and a websocket log
// stream for active runs.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
	"github.com/forgeloop/forge-orchestrator/internal/executor"
	"github.com/forgeloop/forge-orchestrator/internal/orchestrator"
	"github.com/forgeloop/forge-orchestrator/internal/repos"
	"github.com/forgeloop/forge-orchestrator/internal/state"
)

// Engine is the orchestrator surface the server calls. Satisfied by
// *orchestrator.Orchestrator.
type Engine interface {
	Submit(req orchestrator.SubmitRequest) (*domain.WorkOrder, error)
	Get(id string) (*domain.WorkOrder, error)
	List(filter state.ListFilter) ([]*domain.WorkOrder, error)
	Cancel(id string) (*domain.WorkOrder, error)
	Resume(id string) (*domain.WorkOrder, error)
	Dispatch()
	LiveStream(id string) (*executor.LogBuffer, int)
	FreeSlots() int
}

// Server is the HTTP API server
type Server struct {
	engine   Engine
	registry *repos.Registry
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
}

// NewServer creates an API server bound to addr
func NewServer(engine Engine, registry *repos.Registry, addr string) *Server {
	s := &Server{
		engine:   engine,
		registry: registry,
		addr:     addr,
		mux:      http.NewServeMux(),
		sseHub:   NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/repositories", s.listRepositoriesHandler())
	s.mux.HandleFunc("/api/orders", s.ordersHandler())
	s.mux.HandleFunc("/api/orders/", s.orderHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the routed handler, for embedding in tests
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the SSE hub and serves until the listener fails
func (s *Server) Start() error {
	go s.sseHub.Run()
	return http.ListenAndServe(s.addr, s.mux)
}

// Broadcast pushes an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
