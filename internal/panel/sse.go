package panel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rendis/statum/internal/eventbus"
	"github.com/rendis/statum/pkg/schema"
)

// sseBuffer bounds the events queued for one slow client. Overflow is dropped.
const sseBuffer = 64

// handleSSEGlobal streams every lifecycle event via Server-Sent Events.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, "")
}

// handleSSEInstance streams lifecycle events of one instance.
func (s *Server) handleSSEInstance(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, r.PathValue("id"))
}

// serveSSE is the common SSE implementation. An empty instanceID streams all.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, instanceID string) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := make(chan eventbus.Message, sseBuffer)
	handler := func(_ context.Context, msg eventbus.Message) {
		if instanceID != "" {
			var evt schema.LifecycleEvent
			if err := msg.Decode(&evt); err != nil || evt.InstanceID != instanceID {
				return
			}
		}
		select {
		case ch <- msg:
		case <-ctx.Done():
		default:
			s.deps.Logger.Warn("SSE client lagging, event dropped", "topic", msg.Topic)
		}
	}

	for _, topic := range schema.LifecycleTopics {
		unsub, err := s.deps.Bus.Subscribe(ctx, topic, handler)
		if err != nil {
			s.deps.Logger.Error("SSE subscribe failed", "topic", topic, "error", err)
			http.Error(w, "subscribe failed", http.StatusInternalServerError)
			return
		}
		defer unsub()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Topic, msg.Payload)
			flusher.Flush()
		}
	}
}
