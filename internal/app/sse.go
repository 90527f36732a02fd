package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"helpdesk/api/internal/events"
)

const heartbeatInterval = 15 * time.Second

// handleEvents streams a request's lifecycle as server-sent events. The first
// frame is a snapshot of the current state; Last-Event-ID resumes the replay.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, caller Caller, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}
	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("lastEventId")
	}

	stream, err := s.service.OpenStream(r.Context(), caller, requestID, lastEventID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeFrame(w, "", "snapshot", stream.Snapshot); err != nil {
		return
	}
	for _, ev := range stream.History {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()
	if stream.Done {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-stream.Live:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type.Final() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	return writeFrame(w, ev.ID, string(ev.Type), ev)
}

func writeFrame(w http.ResponseWriter, id, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
