package internal

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomrelay/internal/relay"
)

// Limits bounds what a single client may do.
type Limits struct {
	CreatePerMinute   int
	MessagesPerWindow int
	MessageWindow     time.Duration
	MaxMessageBytes   int64
	MaxUploadBytes    int64
	ChunkSize         int
	// UploadStallTimeout is how long an upload waits for a full receiver
	// to drain before publishing anyway, which drops that receiver.
	UploadStallTimeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		CreatePerMinute:   10,
		MessagesPerWindow: 20,
		MessageWindow:     3 * time.Second,
		MaxMessageBytes:   1 << 20,
		MaxUploadBytes:    10 << 20,
		ChunkSize:         32 << 10,

		UploadStallTimeout: 10 * time.Second,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.CreatePerMinute == 0 {
		l.CreatePerMinute = def.CreatePerMinute
	}
	if l.MessagesPerWindow == 0 {
		l.MessagesPerWindow = def.MessagesPerWindow
	}
	if l.MessageWindow <= 0 {
		l.MessageWindow = def.MessageWindow
	}
	if l.MaxMessageBytes <= 0 {
		l.MaxMessageBytes = def.MaxMessageBytes
	}
	if l.MaxUploadBytes <= 0 {
		l.MaxUploadBytes = def.MaxUploadBytes
	}
	if l.ChunkSize <= 0 {
		l.ChunkSize = def.ChunkSize
	}
	if l.UploadStallTimeout <= 0 {
		l.UploadStallTimeout = def.UploadStallTimeout
	}
	return l
}

type ServerOptions struct {
	Gate           *relay.Gate
	Metrics        *Metrics
	Limits         Limits
	AllowedOrigins []string
	Logger         *slog.Logger
	// Relay configures the registry NewServer builds. Metrics is always
	// installed as its observer, replacing any WithObserver given here.
	Relay []relay.Option
}

// Server binds the relay registry to HTTP, SSE, websocket and raw TCP
// transports. It holds no room state of its own.
type Server struct {
	registry *relay.Registry
	gate     *relay.Gate
	metrics  *Metrics
	limits   Limits
	origins  []string
	logger   *slog.Logger

	createLimiter  *RateLimiter
	messageLimiter *RateLimiter
	upgrader       websocket.Upgrader
}

// NewServer builds the registry and the transports around it.
func NewServer(opts ServerOptions) *Server {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	relayOpts := append(append([]relay.Option{}, opts.Relay...), relay.WithObserver(opts.Metrics))
	limits := opts.Limits.withDefaults()
	s := &Server{
		registry:       relay.NewRegistry(relayOpts...),
		gate:           opts.Gate,
		metrics:        opts.Metrics,
		limits:         limits,
		origins:        opts.AllowedOrigins,
		logger:         opts.Logger,
		createLimiter:  NewRateLimiter(limits.CreatePerMinute, time.Minute),
		messageLimiter: NewRateLimiter(limits.MessagesPerWindow, limits.MessageWindow),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *relay.Registry {
	return s.registry
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFor maps relay errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, relay.ErrMalformedMessage):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrIDExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
