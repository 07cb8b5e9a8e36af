package api

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/aiverify/apigw-worker/pkg/events"
)

const heartbeatInterval = 15 * time.Second

// handleEvents streams bus events as server-sent events. The topic query
// parameter selects one topic; it defaults to every topic.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = events.AnyTopic
	}

	if topic != events.AnyTopic && !slices.Contains(events.AllTopics, topic) {
		writeJSON(w, http.StatusBadRequest, errorResponse{"unknown topic"})

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{"streaming unsupported"})

		return
	}

	feed, unsubscribe, err := s.bus.Subscribe(r.Context(), topic)
	if err != nil {
		s.log.WithError(err).Error("Failed to subscribe to events")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{"event bus unavailable"})

		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case event, ok := <-feed:
			if !ok {
				return
			}

			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n",
				event.ID, event.Topic, event.Payload); err != nil {
				return
			}
		}

		flusher.Flush()
	}
}
