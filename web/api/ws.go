package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to loopback; cross-origin dashboards are expected
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsLine is one streamed log line
type wsLine struct {
	Stream domain.Stream `json:"stream"`
	Text   string        `json:"text"`
}

// streamLogs upgrades to a websocket and follows the order's output. While a
// run is active it tails the live buffer; the connection closes once the
// order reaches a terminal status and the buffer is drained.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request, id string) {
	// Take the live marker before the order snapshot: the engine advances it
	// only after a save, so a snapshot read afterwards always contains every
	// line below the marker. Buffer lines from the marker on are the in-flight
	// tail not yet in the snapshot.
	buf, persisted := s.engine.LiveStream(id)

	order, err := s.engine.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	defer conn.Close()

	// Replay what is already persisted
	for _, entry := range order.Logs {
		if err := conn.WriteJSON(wsLine{Stream: entry.Stream, Text: entry.Text}); err != nil {
			return
		}
	}

	if buf == nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(order.Status)))
		return
	}

	// Lines below the marker were replayed from the persisted logs above;
	// follow the buffer from the marker to pick up mid-step output
	seen := persisted
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	done := r.Context().Done()

	for {
		for _, line := range buf.Since(seen) {
			seen++
			if err := conn.WriteJSON(wsLine{Stream: line.Stream, Text: line.Text}); err != nil {
				return
			}
		}

		// A finished run detaches its buffer; drain once more and stop
		if live, _ := s.engine.LiveStream(id); live == nil {
			for _, line := range buf.Since(seen) {
				seen++
				if err := conn.WriteJSON(wsLine{Stream: line.Stream, Text: line.Text}); err != nil {
					return
				}
			}
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
			return
		}

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}
