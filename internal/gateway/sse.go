package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/osa-ai/osa/internal/bus"
)

// handleStream serves the per-session SSE event stream. Events are
// line-oriented "event: <name>\ndata: <json>\n\n" records; every
// payload carries session_id so clients can multiplex.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	if s.auth != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "stream token required", http.StatusUnauthorized)
			return
		}
		tokenSession, err := s.auth.VerifyStreamToken(token)
		if err != nil || tokenSession != sessionID {
			http.Error(w, "invalid stream token", http.StatusUnauthorized)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan bus.Event, 64)
	sub := s.bus.SubscribeSession(bus.TopicAll, sessionID, func(e bus.Event) {
		select {
		case events <- e:
		default:
			// The SSE writer is behind; the bus already bounds and
			// drops per-subscriber, this guards the bridge channel.
		}
	})
	defer s.bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			payload := event.Payload
			if payload == nil {
				payload = map[string]any{}
			}
			if _, ok := payload["session_id"]; !ok {
				payload["session_id"] = event.SessionID
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Topic, data)
			flusher.Flush()
		}
	}
}

// handleStreamToken mints a short-lived token for the SSE stream.
func (s *Server) handleStreamToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	if s.auth == nil {
		writeJSON(w, http.StatusOK, map[string]any{"token": ""})
		return
	}
	token, err := s.auth.MintStreamToken(req.SessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}
