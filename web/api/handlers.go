package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
	"github.com/forgeloop/forge-orchestrator/internal/orchestrator"
	"github.com/forgeloop/forge-orchestrator/internal/state"
)

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"free_slots":   s.engine.FreeSlots(),
			"repositories": len(s.registry.List()),
		})
	}
}

func (s *Server) listRepositoriesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.registry.List())
	}
}

// ordersHandler serves POST /api/orders (submit) and GET /api/orders (list)
func (s *Server) ordersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req orchestrator.SubmitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
				return
			}
			order, err := s.engine.Submit(req)
			if err != nil {
				var selErr *domain.InvalidStepSelectionError
				if errors.As(err, &selErr) {
					writeError(w, http.StatusUnprocessableEntity, err.Error())
					return
				}
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.engine.Dispatch()
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, order)

		case http.MethodGet:
			filter := state.ListFilter{
				Status:       domain.Status(r.URL.Query().Get("status")),
				RepositoryID: r.URL.Query().Get("repository"),
			}
			orders, err := s.engine.List(filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if orders == nil {
				orders = []*domain.WorkOrder{}
			}
			writeJSON(w, orders)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// orderHandler serves the per-order routes:
//
//	GET  /api/orders/{id}
//	GET  /api/orders/{id}/logs?since=N
//	GET  /api/orders/{id}/stream   (websocket)
//	POST /api/orders/{id}/cancel
//	POST /api/orders/{id}/resume
func (s *Server) orderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/orders/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			writeError(w, http.StatusNotFound, "missing order id")
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			s.getOrder(w, id)
		case action == "logs" && r.Method == http.MethodGet:
			s.getLogs(w, r, id)
		case action == "stream" && r.Method == http.MethodGet:
			s.streamLogs(w, r, id)
		case action == "cancel" && r.Method == http.MethodPost:
			s.lifecycle(w, id, s.engine.Cancel)
		case action == "resume" && r.Method == http.MethodPost:
			s.lifecycle(w, id, s.engine.Resume)
		default:
			writeError(w, http.StatusNotFound, "unknown route")
		}
	}
}

func (s *Server) getOrder(w http.ResponseWriter, id string) {
	order, err := s.engine.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, order)
}

// getLogs returns persisted log entries with seq >= since, for incremental
// polling
func (s *Server) getLogs(w http.ResponseWriter, r *http.Request, id string) {
	order, err := s.engine.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		since, err = strconv.Atoi(v)
		if err != nil || since < 0 {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
	}

	logs := order.Logs
	if since < len(logs) {
		logs = logs[since:]
	} else {
		logs = []domain.LogEntry{}
	}
	writeJSON(w, map[string]interface{}{
		"order_id": order.ID,
		"phase":    order.CurrentPhase,
		"status":   order.Status,
		"logs":     logs,
		"next":     len(order.Logs),
	})
}

func (s *Server) lifecycle(w http.ResponseWriter, id string, op func(string) (*domain.WorkOrder, error)) {
	order, err := op(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, order)
}
