package internal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"roomrelay/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	rateLimitNotice = "You're sending messages too quickly. Please wait a moment and try again."
)

// wsConn is one websocket subscriber. readPump feeds the registry and
// writePump drains the subscriber mailbox; only writePump writes to conn.
type wsConn struct {
	server  *Server
	conn    *websocket.Conn
	sub     *relay.Subscriber
	roomID  string
	logger  *slog.Logger
	notices chan relay.Message

	// binary enables raw chunk frames for the gated relay.
	binary      bool
	currentFile string
}

func (s *Server) newWSConn(conn *websocket.Conn, sub *relay.Subscriber, binary bool) *wsConn {
	return &wsConn{
		server:  s,
		conn:    conn,
		sub:     sub,
		roomID:  sub.RoomID(),
		logger:  s.logger.With(slog.String("room_id", sub.RoomID()), slog.String("subscriber_id", sub.ID())),
		notices: make(chan relay.Message, 4),
		binary:  binary,
	}
}

// HandleWS attaches a websocket client to an existing room.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !s.registry.Exists(roomID) {
		writeError(w, http.StatusNotFound, relay.ErrNotFound)
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	s.serveWS(w, r, roomID, clientID, false)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, roomID, clientID string, binary bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", slog.Any("error", err))
		return
	}

	sub, _, err := s.registry.Join(roomID, clientID)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		_ = conn.Close()
		return
	}

	s.metrics.IncConn()
	c := s.newWSConn(conn, sub, binary)
	c.logger.Info("websocket attached", slog.Bool("binary", binary))
	go c.writePump()
	c.readPump()
}

func (c *wsConn) readPump() {
	limiterKey := c.roomID + "/" + c.sub.ID()
	defer func() {
		c.server.registry.Detach(c.sub)
		c.server.messageLimiter.Forget(limiterKey)
		c.server.metrics.DecConn()
		_ = c.conn.Close()
		c.logger.Info("websocket detached")
	}()

	c.conn.SetReadLimit(c.server.limits.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		frameType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", slog.Any("error", err))
			}
			return
		}

		msg, err := c.decodeFrame(frameType, payload)
		if err != nil {
			c.server.metrics.IncRejected()
			c.logger.Info("dropping connection on malformed frame", slog.Any("error", err))
			c.closeFromReader(websocket.CloseUnsupportedData, "malformed message")
			return
		}
		if msg == nil {
			continue
		}

		if limited(msg.Kind()) && !c.server.messageLimiter.Allow(limiterKey) {
			c.server.metrics.IncRejected()
			c.notify(relay.System{Data: rateLimitNotice, Ts: time.Now().Unix()})
			continue
		}

		if msg.Kind() == relay.KindFileChunk {
			// Hold the sender back while a receiver catches up.
			_ = c.server.awaitDrain(context.Background(), c.roomID, c.sub.ID(), true)
		}
		if _, err := c.server.registry.Publish(c.roomID, c.sub.ID(), msg, true); err != nil {
			c.logger.Info("publish failed", slog.Any("error", err))
			return
		}
	}
}

// decodeFrame turns one frame into a message. A nil message with a nil
// error means the frame is ignored.
func (c *wsConn) decodeFrame(frameType int, payload []byte) (relay.Message, error) {
	switch frameType {
	case websocket.TextMessage:
		msg, err := relay.DecodeInbound(payload)
		if err != nil {
			return nil, err
		}
		if c.binary {
			c.trackCurrentFile(msg)
		}
		return msg, nil
	case websocket.BinaryMessage:
		if !c.binary {
			return nil, errors.New("binary frames are only accepted on the relay channel")
		}
		if c.currentFile == "" {
			c.logger.Debug("binary frame without file-start dropped", slog.Int("bytes", len(payload)))
			return nil, nil
		}
		return relay.FileChunk{Filename: c.currentFile, Data: payload}, nil
	default:
		return nil, nil
	}
}

func (c *wsConn) trackCurrentFile(msg relay.Message) {
	switch m := msg.(type) {
	case relay.FileStart:
		c.currentFile = m.Filename
	case relay.FileEnd:
		if m.Filename == c.currentFile {
			c.currentFile = ""
		}
	case relay.FileCancel:
		if m.Filename == c.currentFile {
			c.currentFile = ""
		}
	}
}

func limited(kind relay.Kind) bool {
	return kind == relay.KindChat || kind == relay.KindTyping
}

func (c *wsConn) notify(msg relay.Message) {
	select {
	case c.notices <- msg:
	default:
	}
}

// closeFromReader sends a close frame with a reason and closes the
// subscriber so writePump exits. WriteControl may run alongside writePump.
func (c *wsConn) closeFromReader(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.sub.Close()
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.sub.Mailbox():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(msg); err != nil {
				c.logger.Debug("websocket write failed", slog.Any("error", err))
				return
			}
		case msg := <-c.notices:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(msg relay.Message) error {
	encoded, err := relay.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, encoded)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
