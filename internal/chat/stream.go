package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gastro-chat/internal/identity"
)

const streamWriteWait = 10 * time.Second

// ServeStream handles GET /api/stream: a text/event-stream of
// "data: <json>\n\n" frames. It starts with a connected frame, then the replay
// backlog, then live events, with a heartbeat frame every cfg.Heartbeat.
// An optional ?conversation= restricts frames to one conversation.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	filter := identity.Normalize(r.URL.Query().Get("conversation"))

	sub, err := h.hub.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	// Closing the HTTP connection ends this handler, which unsubscribes.
	defer h.hub.Unsubscribe(sub.ID)

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(ev Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_ = rc.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		return rc.Flush()
	}

	log := h.log.With(slog.String("connection", sub.ID))
	if err := write(Event{Type: EventConnected, ConnectionID: sub.ID, Time: time.Now().UTC()}); err != nil {
		return
	}
	log.Debug("stream opened", slog.String("conversation", filter))

	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("stream closed by client")
			return

		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped by the hub; the client reconnects and gets the replay.
				log.Debug("stream dropped by hub")
				return
			}
			if !matchesFilter(filter, ev) {
				continue
			}
			if err := write(ev); err != nil {
				log.Debug("stream write failed", slog.Any("error", err))
				return
			}

		case <-ticker.C:
			if err := write(Event{Type: EventHeartbeat, ConnectionID: sub.ID, Time: time.Now().UTC()}); err != nil {
				return
			}
			h.hub.Touch(sub.ID)
		}
	}
}

func matchesFilter(filter string, ev Event) bool {
	if filter == "" {
		return true
	}
	key := ev.Key()
	return key == "" || key == filter
}
