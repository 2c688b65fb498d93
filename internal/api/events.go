package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"comicshelf/internal/metrics"
)

// heartbeatInterval is how often an idle event stream emits a comment so
// intermediaries keep the connection open.
const heartbeatInterval = 30 * time.Second

// sseEvent is the wire shape of one event-stream payload.
type sseEvent struct {
	Type      string    `json:"type"`
	Task      taskView  `json:"task"`
	Timestamp time.Time `json:"timestamp"`
}

// events streams task lifecycle events as server-sent events. The
// subscription ends when the client disconnects or the broadcaster drops a
// stalled connection.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(s.logger, w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, cancel := s.tasks.Subscribe()
	defer cancel()
	metrics.SetEventSubscribers(s.tasks.SubscriberCount())
	defer func() { metrics.SetEventSubscribers(s.tasks.SubscriberCount()) }()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-sub:
			if !open {
				// Dropped by the broadcaster; the client reconnects.
				return
			}
			payload, err := json.Marshal(sseEvent{
				Type:      string(evt.Type),
				Task:      viewTask(evt.Task),
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				s.logger.Warn("event marshal failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// backgroundContext detaches executor work from the request that kicked it.
func (s *Server) backgroundContext() context.Context {
	return context.Background()
}
