package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	intrnl "roomrelay/internal"
	"roomrelay/internal/auth"
	"roomrelay/internal/logger"
	"roomrelay/internal/relay"
	"roomrelay/internal/storage"
)

const sessionPurgeInterval = 10 * time.Minute

// ServerHandle represents a running relay instance.
type ServerHandle struct {
	addr     string
	server   *http.Server
	socket   *intrnl.SocketServer
	reaper   *relay.Reaper
	store    *storage.Store
	registry *relay.Registry
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// SocketAddr returns the TCP relay address, or "" when it is disabled.
func (h *ServerHandle) SocketAddr() string {
	if h.socket == nil {
		return ""
	}
	return h.socket.Addr()
}

func (h *ServerHandle) Registry() *relay.Registry {
	return h.registry
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.stopOnce.Do(func() { close(h.stop) })
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the session store, wires the relay registry, reaper, gate
// and transports, and starts serving in the background. Call Stop/Wait to
// manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.sanitize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := logger.Init(cfg.LoggerConfig())

	store, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	verifiers := auth.Chain{}
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier(cfg.JWTConfig())
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		verifiers = append(verifiers, jwtVerifier)
	}
	verifiers = append(verifiers, auth.NewSessionVerifier(store))

	metrics := intrnl.NewMetrics()
	server := intrnl.NewServer(intrnl.ServerOptions{
		Gate:           relay.NewGate(verifiers),
		Metrics:        metrics,
		Limits:         cfg.ServerLimits(),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         log,
		Relay:          cfg.RegistryOptions(log),
	})
	registry := server.Registry()

	listener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	var socket *intrnl.SocketServer
	if cfg.Socket.Addr != "" {
		socket, err = server.ListenSocket(cfg.Socket.Addr)
		if err != nil {
			_ = listener.Close()
			_ = store.Close()
			return nil, err
		}
	}

	handle := &ServerHandle{
		addr: listener.Addr().String(),
		server: &http.Server{
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		socket:   socket,
		reaper:   relay.NewReaper(registry, cfg.ReaperConfig(), log),
		store:    store,
		registry: registry,
		logger:   log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	handle.reaper.Start(ctx)

	go func() {
		select {
		case <-ctx.Done():
		case <-handle.stop:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server shutdown error", slog.Any("error", err))
		}
	}()

	go handle.purgeSessions()
	if socket != nil {
		go func() {
			if err := socket.Serve(); err != nil {
				log.Error("socket listener stopped", slog.Any("error", err))
			}
		}()
	}
	go handle.serve(listener)

	log.Info("relay started",
		slog.String("addr", handle.addr),
		slog.String("socket_addr", handle.SocketAddr()),
		slog.String("db", cfg.DBPath),
		slog.Bool("jwt", cfg.Auth.JWTSecret != ""),
	)
	return handle, nil
}

func openStore(ctx context.Context, path string) (*storage.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.stopOnce.Do(func() { close(h.stop) })
	if h.socket != nil {
		if err := h.socket.Close(); err != nil {
			h.logger.Warn("socket close error", slog.Any("error", err))
		}
	}
	h.reaper.Stop()
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close error", slog.Any("error", err))
	}
	h.logger.Info("relay stopped")
	h.err = err
}

// purgeSessions drops expired opaque tokens until the handle stops.
func (h *ServerHandle) purgeSessions() {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			n, err := h.store.PurgeExpired(context.Background(), now)
			if err != nil {
				h.logger.Warn("session purge failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				h.logger.Debug("expired sessions purged", slog.Int64("count", n))
			}
		}
	}
}

// IssueSessionToken stores a new opaque relay token for subject.
func IssueSessionToken(ctx context.Context, cfg ServerConfig, subject string, ttl time.Duration) (string, time.Time, error) {
	cfg.sanitize()
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	store, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return "", time.Time{}, err
	}
	defer store.Close()
	return auth.NewSessionVerifier(store).Issue(ctx, subject, ttl)
}

// RevokeSessionToken deletes an opaque relay token. Unknown tokens are not
// an error.
func RevokeSessionToken(ctx context.Context, cfg ServerConfig, token string) error {
	cfg.sanitize()
	store, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.DeleteSession(ctx, token)
}

// ListSessionTokens returns the sessions issued to subject, newest expiry
// first. Only token hashes are stored, so the tokens themselves are not
// recoverable.
func ListSessionTokens(ctx context.Context, cfg ServerConfig, subject string) ([]storage.Session, error) {
	cfg.sanitize()
	store, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ListSessions(ctx, subject)
}

// SignToken mints an HS256 relay token with the configured secret.
func SignToken(cfg ServerConfig, subject string, ttl time.Duration) (string, error) {
	cfg.sanitize()
	jwtCfg := cfg.JWTConfig()
	if ttl > 0 {
		jwtCfg.TTL = ttl
	}
	verifier, err := auth.NewJWTVerifier(jwtCfg)
	if err != nil {
		return "", err
	}
	return verifier.Sign(subject)
}
