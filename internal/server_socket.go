package internal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"roomrelay/internal/relay"
)

// socketHandshake is the first line a TCP client sends.
type socketHandshake struct {
	Action   string `json:"action"`
	RoomID   string `json:"room_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

type socketReply struct {
	Status   string `json:"status"`
	RoomID   string `json:"room_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SocketServer relays newline delimited JSON envelopes over raw TCP.
type SocketServer struct {
	server   *Server
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ListenSocket binds addr. Call Serve to accept and Close to stop.
func (s *Server) ListenSocket(addr string) (*SocketServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen socket: %w", err)
	}
	return &SocketServer{server: s, listener: ln, conns: make(map[net.Conn]struct{})}, nil
}

func (ss *SocketServer) Addr() string {
	return ss.listener.Addr().String()
}

// Serve accepts connections until Close is called.
func (ss *SocketServer) Serve() error {
	ss.server.logger.Info("socket listener started", slog.String("addr", ss.Addr()))
	for {
		conn, err := ss.listener.Accept()
		if err != nil {
			if ss.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			ss.server.logger.Warn("socket accept failed", slog.Any("error", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !ss.track(conn) {
			_ = conn.Close()
			return nil
		}
		ss.wg.Add(1)
		go func() {
			defer ss.wg.Done()
			defer ss.untrack(conn)
			ss.handle(conn)
		}()
	}
}

// Close stops accepting, drops every open connection and waits for their
// handlers to detach.
func (ss *SocketServer) Close() error {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return nil
	}
	ss.closed = true
	err := ss.listener.Close()
	for conn := range ss.conns {
		_ = conn.Close()
	}
	ss.mu.Unlock()
	ss.wg.Wait()
	return err
}

func (ss *SocketServer) isClosed() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.closed
}

func (ss *SocketServer) track(conn net.Conn) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return false
	}
	ss.conns[conn] = struct{}{}
	return true
}

func (ss *SocketServer) untrack(conn net.Conn) {
	ss.mu.Lock()
	delete(ss.conns, conn)
	ss.mu.Unlock()
	_ = conn.Close()
}

func (ss *SocketServer) handle(conn net.Conn) {
	s := ss.server
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), int(s.limits.MaxMessageBytes))

	if !scanner.Scan() {
		return
	}
	var hs socketHandshake
	if err := decodeJSON(bytes.NewReader(scanner.Bytes()), &hs); err != nil {
		_ = writeLine(conn, socketReply{Status: "error", Error: "invalid handshake"})
		return
	}

	roomID := strings.TrimSpace(hs.RoomID)
	switch hs.Action {
	case "create":
		if !s.createLimiter.Allow(remoteHost(conn)) {
			_ = writeLine(conn, socketReply{Status: "error", Error: "Too many rooms created"})
			return
		}
		id, err := s.registry.CreateRoom()
		if err != nil {
			_ = writeLine(conn, socketReply{Status: "error", Error: err.Error()})
			return
		}
		roomID = id
	case "join":
	default:
		_ = writeLine(conn, socketReply{Status: "error", Error: "unknown action"})
		return
	}

	sub, _, err := s.registry.Join(roomID, strings.TrimSpace(hs.ClientID))
	if err != nil {
		_ = writeLine(conn, socketReply{Status: "error", Error: "Room not found"})
		return
	}
	s.metrics.IncConn()
	log := s.logger.With(slog.String("room_id", roomID), slog.String("subscriber_id", sub.ID()))
	log.Info("socket attached", slog.String("action", hs.Action))

	notices := make(chan relay.Message, 4)
	writerDone := make(chan struct{})
	if err := writeLine(conn, socketReply{Status: "ok", RoomID: roomID, ClientID: sub.ID()}); err != nil {
		s.registry.Detach(sub)
		s.metrics.DecConn()
		return
	}
	go func() {
		defer close(writerDone)
		socketWriter(conn, sub, notices)
	}()

	limiterKey := roomID + "/" + sub.ID()
	defer func() {
		s.registry.Detach(sub)
		s.messageLimiter.Forget(limiterKey)
		s.metrics.DecConn()
		_ = conn.Close()
		<-writerDone
		log.Info("socket detached")
	}()

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := relay.DecodeInbound(line)
		if err != nil {
			s.metrics.IncRejected()
			log.Info("dropping socket on malformed line", slog.Any("error", err))
			return
		}
		if limited(msg.Kind()) && !s.messageLimiter.Allow(limiterKey) {
			s.metrics.IncRejected()
			select {
			case notices <- relay.System{Data: rateLimitNotice, Ts: time.Now().Unix()}:
			default:
			}
			continue
		}
		if msg.Kind() == relay.KindFileChunk {
			_ = s.awaitDrain(context.Background(), roomID, sub.ID(), true)
		}
		if _, err := s.registry.Publish(roomID, sub.ID(), msg, true); err != nil {
			log.Info("publish failed", slog.Any("error", err))
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug("socket read failed", slog.Any("error", err))
	}
}

func socketWriter(conn net.Conn, sub *relay.Subscriber, notices <-chan relay.Message) {
	defer conn.Close()
	for {
		var msg relay.Message
		select {
		case m, ok := <-sub.Mailbox():
			if !ok {
				return
			}
			msg = m
		case m := <-notices:
			msg = m
		}
		encoded, err := relay.Encode(msg)
		if err != nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := conn.Write(append(encoded, '\n')); err != nil {
			return
		}
	}
}

func writeLine(conn net.Conn, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err = conn.Write(append(encoded, '\n'))
	return err
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
