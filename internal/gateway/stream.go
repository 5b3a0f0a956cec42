package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// streamFrame is one event sent to a stream client.
type streamFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// handleTaskStream implements GET /api/tasks/{id}/stream.
// It returns an SSE stream of every bus event keyed to the task until the
// client goes away.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Bus.SubscribeTask(taskID)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "task_id", taskID)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(streamFrame{Type: ev.Topic, Payload: ev.Payload})
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				s.logger.Debug("sse: write failed", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// handleWS implements GET /ws?task_id=XXX. The first frame is a snapshot of
// the task's execution history; every later frame is a live bus event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id query parameter is required"})
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before the snapshot so no event falls between the two.
	sub := s.cfg.Bus.SubscribeTask(taskID)
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("ws: client connected", "task_id", taskID)
	defer func() {
		s.logger.Info("ws: client disconnecting", "task_id", taskID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	history, err := s.cfg.Core.ExecutionHistory(ctx, taskID, defaultHistoryLimit)
	if err != nil {
		s.logger.Warn("ws: load history", "task_id", taskID, "error", err)
	}
	if err := s.writeFrame(ctx, conn, streamFrame{Type: "snapshot", Payload: map[string]any{"task_id": taskID, "executions": history}}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.writeFrame(ctx, conn, streamFrame{Type: ev.Topic, Payload: ev.Payload}); err != nil {
				s.logger.Debug("ws: write failed", "task_id", taskID, "error", err)
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, f streamFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}
