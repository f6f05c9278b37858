package internal

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/relay"
)

func startHTTP(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) relay.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frameType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, frameType)
	msg, err := relay.Decode(payload)
	require.NoError(t, err)
	return msg
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg relay.Message) {
	t.Helper()
	encoded, err := relay.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encoded))
}

func TestWebsocketBroadcastSkipsSender(t *testing.T) {
	srv := newTestServer(t, ServerOptions{})
	ts := startHTTP(t, srv)
	id, err := srv.Registry().CreateRoom()
	require.NoError(t, err)

	u1 := dial(t, wsURL(ts, "/ws/rooms/"+id+"?client_id=u1"), nil)
	assert.Equal(t, relay.PresenceCount{Count: 1}, readMsg(t, u1))

	u2 := dial(t, wsURL(ts, "/ws/rooms/"+id+"?client_id=u2"), nil)
	assert.Equal(t, relay.PresenceCount{Count: 2}, readMsg(t, u2))
	assert.Equal(t, relay.PresenceCount{Count: 2}, readMsg(t, u1))

	sendMsg(t, u1, relay.Chat{Data: "hello"})
	got := readMsg(t, u2)
	chat, ok := got.(relay.Chat)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "u1", chat.ClientID)
	assert.Equal(t, "hello", chat.Data)

	// u1 never sees its own chat: the next thing it reads is u2's reply.
	sendMsg(t, u2, relay.Chat{Data: "hi back"})
	got = readMsg(t, u1)
	chat, ok = got.(relay.Chat)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "u2", chat.ClientID)

	sendMsg(t, u2, relay.Typing{})
	assert.Equal(t, relay.Typing{ClientID: "u2"}, readMsg(t, u1))

	require.NoError(t, u2.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, relay.PresenceCount{Count: 1}, readMsg(t, u1))
}

func TestWebsocketReplaysHistory(t *testing.T) {
	srv := newTestServer(t, ServerOptions{})
	ts := startHTTP(t, srv)
	id, err := srv.Registry().CreateRoom()
	require.NoError(t, err)

	_, err = srv.Registry().Publish(id, "alice", relay.Chat{Data: "first"}, false)
	require.NoError(t, err)
	_, err = srv.Registry().Publish(id, "alice", relay.Typing{}, false)
	require.NoError(t, err)
	_, err = srv.Registry().Publish(id, "alice", relay.Chat{Data: "second"}, false)
	require.NoError(t, err)

	late := dial(t, wsURL(ts, "/ws/rooms/"+id+"?client_id=late"), nil)
	first, ok := readMsg(t, late).(relay.Chat)
	require.True(t, ok)
	assert.Equal(t, "first", first.Data)
	second, ok := readMsg(t, late).(relay.Chat)
	require.True(t, ok)
	assert.Equal(t, "second", second.Data)
	assert.Equal(t, relay.PresenceCount{Count: 1}, readMsg(t, late))
}

func TestWebsocketUnknownRoom(t *testing.T) {
	srv := newTestServer(t, ServerOptions{})
	ts := startHTTP(t, srv)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/rooms/zzzzzz"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketMalformedFrameDropsConnection(t *testing.T) {
	srv := newTestServer(t, ServerOptions{})
	ts := startHTTP(t, srv)
	id, err := srv.Registry().CreateRoom()
	require.NoError(t, err)

	bad := dial(t, wsURL(ts, "/ws/rooms/"+id+"?client_id=bad"), nil)
	readMsg(t, bad)
	good := dial(t, wsURL(ts, "/ws/rooms/"+id+"?client_id=good"), nil)
	readMsg(t, good)
	readMsg(t, bad)

	require.NoError(t, bad.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, bad.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = bad.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)

	assert.Equal(t, relay.PresenceCount{Count: 1}, readMsg(t, good))
	assert.EqualValues(t, 1, srv.Metrics().Snapshot()["rejected_total"])
}

func TestWebsocketRejectsBinaryFrames(t *testing.T) {
	srv := newTestServer(t, ServerOptions{})
	ts := startHTTP(t, srv)
	id, err := srv.Registry().CreateRoom()
	require.NoError(t, err)

	conn := dial(t, wsURL(ts, "/ws/rooms/"+id+"?client_id=u1"), nil)
	readMsg(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
}

func TestWebsocketRateLimitNotice(t *testing.T) {
	srv := newTestServer(t, ServerOptions{Limits: Limits{MessagesPerWindow: 1, MessageWindow: time.Minute}})
	ts := startHTTP(t, srv)
	id, err := srv.Registry().CreateRoom()
	require.NoError(t, err)

	conn := dial(t, wsURL(ts, "/ws/rooms/"+id+"?client_id=chatty"), nil)
	readMsg(t, conn)
	sendMsg(t, conn, relay.Chat{Data: "one"})
	sendMsg(t, conn, relay.Chat{Data: "two"})

	notice, ok := readMsg(t, conn).(relay.System)
	require.True(t, ok)
	assert.Equal(t, rateLimitNotice, notice.Data)

	room, err := srv.Registry().Lookup(id)
	require.NoError(t, err)
	assert.Len(t, room.History(), 1)
}

func allowToken(token, subject string) *relay.Gate {
	return relay.NewGate(relay.VerifierFunc(func(_ context.Context, got string) (string, error) {
		if got != token {
			return "", errors.New("unknown token")
		}
		return subject, nil
	}))
}

func TestRelayRequiresToken(t *testing.T) {
	srv := newTestServer(t, ServerOptions{Gate: allowToken("good-token", "carol")})
	ts := startHTTP(t, srv)
	id, err := srv.Registry().CreateRoom()
	require.NoError(t, err)

	for _, header := range []http.Header{nil, {"Authorization": {"Bearer wrong"}}, {"Authorization": {"Basic good-token"}}} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/relay/rooms/"+id), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	}

	room, err := srv.Registry().Lookup(id)
	require.NoError(t, err)
	assert.Zero(t, room.Size(), "refused connections never register")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/relay/rooms/zzzzzz?access_token=good-token"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayWithoutGateRefuses(t *testing.T) {
	srv := newTestServer(t, ServerOptions{})
	ts := startHTTP(t, srv)
	id, err := srv.Registry().CreateRoom()
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/relay/rooms/"+id+"?access_token=anything"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelayBinaryChunks(t *testing.T) {
	srv := newTestServer(t, ServerOptions{Gate: allowToken("good-token", "carol")})
	ts := startHTTP(t, srv)
	id, err := srv.Registry().CreateRoom()
	require.NoError(t, err)

	watcher := dial(t, wsURL(ts, "/ws/rooms/"+id+"?client_id=watcher"), nil)
	readMsg(t, watcher)

	sender := dial(t, wsURL(ts, "/relay/rooms/"+id), http.Header{"Authorization": {"Bearer good-token"}})
	assert.Equal(t, relay.PresenceCount{Count: 2}, readMsg(t, sender))
	assert.Equal(t, relay.PresenceCount{Count: 2}, readMsg(t, watcher))

	// Dropped: no transfer is current yet.
	require.NoError(t, sender.WriteMessage(websocket.BinaryMessage, []byte{9, 9}))

	sendMsg(t, sender, relay.FileStart{Filename: "blob.bin", Size: 5, ClientID: "mallory"})
	require.NoError(t, sender.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, sender.WriteMessage(websocket.BinaryMessage, []byte{4, 5}))
	sendMsg(t, sender, relay.FileEnd{Filename: "blob.bin"})

	assert.Equal(t, relay.FileStart{Filename: "blob.bin", Size: 5, ClientID: "carol"}, readMsg(t, watcher))
	assert.Equal(t, relay.FileChunk{Filename: "blob.bin", Data: []byte{1, 2, 3}, ClientID: "carol", Received: 3, Tracked: true}, readMsg(t, watcher))
	assert.Equal(t, relay.FileChunk{Filename: "blob.bin", Data: []byte{4, 5}, ClientID: "carol", Received: 5, Tracked: true}, readMsg(t, watcher))
	assert.Equal(t, relay.FileEnd{Filename: "blob.bin", ClientID: "carol"}, readMsg(t, watcher))
}

func TestRelayChunkBurstReachesSlowReceiver(t *testing.T) {
	srv := newTestServer(t, ServerOptions{
		Gate:  allowToken("good-token", "carol"),
		Relay: []relay.Option{relay.WithHistoryLimit(1), relay.WithMailboxSize(1)},
	})
	ts := startHTTP(t, srv)
	id, err := srv.Registry().CreateRoom()
	require.NoError(t, err)

	watcher := dial(t, wsURL(ts, "/ws/rooms/"+id+"?client_id=watcher"), nil)
	readMsg(t, watcher)
	sender := dial(t, wsURL(ts, "/relay/rooms/"+id), http.Header{"Authorization": {"Bearer good-token"}})
	readMsg(t, sender)
	readMsg(t, watcher)
	done := readTransfer(watcher, time.Millisecond)

	const frames = 400
	frame := bytes.Repeat([]byte{42}, 16<<10)
	sendMsg(t, sender, relay.FileStart{Filename: "burst.bin", Size: frames * int64(len(frame))})
	for i := 0; i < frames; i++ {
		require.NoError(t, sender.WriteMessage(websocket.BinaryMessage, frame))
	}
	sendMsg(t, sender, relay.FileEnd{Filename: "burst.bin"})

	var got receivedTransfer
	select {
	case got = <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("watcher never finished")
	}
	require.NoError(t, got.err)
	assert.True(t, got.ended)
	assert.Equal(t, frames, got.chunks)
	assert.Len(t, got.data, frames*len(frame))
	assert.EqualValues(t, 0, srv.Metrics().Snapshot()["delivery_failures_total"])
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/relay/rooms/abc?access_token=q", nil)
	assert.Equal(t, "q", bearerToken(req))
	req.Header.Set("Authorization", "bearer  h ")
	assert.Equal(t, "h", bearerToken(req))
	req.Header.Set("Authorization", "Token h")
	assert.Empty(t, bearerToken(req))
}
