package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/cobalt/internal/events"
)

const sseKeepAlive = 15 * time.Second

// sseStream frames hub events as text/event-stream records.
type sseStream struct {
	w http.ResponseWriter
}

func (s sseStream) send(ev events.Event) error {
	// Payloads are single-line JSON, so one data: line suffices.
	_, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}

func (s sseStream) ping() error {
	_, err := fmt.Fprint(s.w, ": keep-alive\n\n")
	return err
}

// handleEvents streams hub events. ?type= narrows to a dotted prefix
// ("worker", "instance.launch_instance"); Last-Event-ID resumes after a
// reconnect from whatever the hub still buffers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	stream := sseStream{w: w}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	prefix := r.URL.Query().Get("type")
	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.events.Subscribe(prefix)
	defer cancel()

	var lastSent int64
	for _, ev := range s.events.SnapshotSince(parseLastEventID(r.Header.Get("Last-Event-ID")), prefix) {
		if err := stream.send(ev); err != nil {
			return
		}
		lastSent = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastSent {
				continue
			}
			err = stream.send(ev)
		case <-keepAlive.C:
			err = stream.ping()
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
