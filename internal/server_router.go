package internal

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"roomrelay/internal/logger"
)

// Routes builds the HTTP surface of the relay.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogging)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Post("/create", s.HandleCreateRoom)
	r.Route("/rooms", func(rt chi.Router) {
		rt.Post("/", s.HandleCreateRoom)
		rt.Get("/", s.HandleListRooms)

		rt.Route("/{id}", func(rr chi.Router) {
			rr.Get("/", s.HandleRoomExists)
			rr.Post("/send", s.HandleSend)
			rr.Get("/stream", s.HandleStream)
			rr.Get("/transfers", s.HandleTransfers)
			rr.Post("/files", s.HandleFileUpload)
		})
	})

	r.Get("/ws/rooms/{id}", s.HandleWS)
	r.Get("/relay/rooms/{id}", s.HandleRelay)

	return r
}

// requestLogging logs one line per request. The wrapped writer keeps
// Flusher and Hijacker so streams and websocket upgrades still work.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		attrs := []slog.Attr{
			slog.String("req_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote", s.clientIP(r)),
		}
		attrs = append(attrs, logger.AttrsFromCtx(r.Context())...)
		s.logger.LogAttrs(r.Context(), slog.LevelInfo, "http request", attrs...)
	})
}
