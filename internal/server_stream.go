package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"roomrelay/internal/relay"
)

const streamKeepAlive = 15 * time.Second

// HandleStream serves the subscriber mailbox as server-sent events, history
// first. The subscriber is detached when the client goes away.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	roomID := chi.URLParam(r, "id")
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	sub, _, err := s.registry.Join(roomID, clientID)
	if err != nil {
		writeError(w, statusFor(err), relay.ErrNotFound)
		return
	}
	s.metrics.IncConn()
	log := s.logger.With(slog.String("room_id", roomID), slog.String("subscriber_id", sub.ID()))
	log.Info("stream attached")
	defer func() {
		s.registry.Detach(sub)
		s.metrics.DecConn()
		log.Info("stream detached")
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Subscriber-ID", sub.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.Mailbox():
			if !ok {
				return
			}
			encoded, err := relay.Encode(msg)
			if err != nil {
				log.Warn("encode failed", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", encoded); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
