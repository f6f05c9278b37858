package internal

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"roomrelay/internal/relay"
)

// HandleRelay is the token gated channel. The token subject becomes the
// subscriber id and binary frames carry raw chunk bytes.
func (s *Server) HandleRelay(w http.ResponseWriter, r *http.Request) {
	subject, err := s.gate.Authorize(r.Context(), bearerToken(r))
	if err != nil {
		s.logger.Info("relay connection refused", slog.String("remote", s.clientIP(r)), slog.Any("error", err))
		w.Header().Set("WWW-Authenticate", `Bearer realm="roomrelay"`)
		writeError(w, http.StatusUnauthorized, relay.ErrUnauthorized)
		return
	}

	roomID := chi.URLParam(r, "id")
	if !s.registry.Exists(roomID) {
		writeError(w, http.StatusNotFound, relay.ErrNotFound)
		return
	}
	s.serveWS(w, r, roomID, subject, true)
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
