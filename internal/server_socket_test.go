package internal

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/relay"
)

type socketClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func startSocket(t *testing.T, srv *Server) *SocketServer {
	t.Helper()
	ss, err := srv.ListenSocket("127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = ss.Serve() }()
	t.Cleanup(func() { _ = ss.Close() })
	return ss
}

func dialSocket(t *testing.T, ss *SocketServer, handshake string) (*socketClient, socketReply) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ss.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &socketClient{conn: conn, reader: bufio.NewReader(conn)}
	c.writeLine(t, handshake)

	var reply socketReply
	require.NoError(t, json.Unmarshal(c.readLine(t), &reply))
	return c, reply
}

func (c *socketClient) writeLine(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *socketClient) readLine(t *testing.T) []byte {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)
	return line
}

func (c *socketClient) readMsg(t *testing.T) relay.Message {
	t.Helper()
	msg, err := relay.Decode(c.readLine(t))
	require.NoError(t, err)
	return msg
}

func TestSocketCreateJoinAndRelay(t *testing.T) {
	srv := newTestServer(t, ServerOptions{})
	ss := startSocket(t, srv)

	a, reply := dialSocket(t, ss, `{"action":"create","client_id":"a"}`)
	require.Equal(t, "ok", reply.Status)
	require.Len(t, reply.RoomID, relay.DefaultRoomIDLength)
	assert.Equal(t, "a", reply.ClientID)
	assert.Equal(t, relay.PresenceCount{Count: 1}, a.readMsg(t))

	b, reply := dialSocket(t, ss, `{"action":"join","room_id":"`+reply.RoomID+`","client_id":"b"}`)
	require.Equal(t, "ok", reply.Status)
	assert.Equal(t, relay.PresenceCount{Count: 2}, b.readMsg(t))
	assert.Equal(t, relay.PresenceCount{Count: 2}, a.readMsg(t))

	a.writeLine(t, `{"type":"chat","data":"over tcp"}`)
	got, ok := b.readMsg(t).(relay.Chat)
	require.True(t, ok)
	assert.Equal(t, "a", got.ClientID)
	assert.Equal(t, "over tcp", got.Data)

	// Malformed lines drop the sender; the survivor sees the new count.
	a.writeLine(t, `nonsense`)
	assert.Equal(t, relay.PresenceCount{Count: 1}, b.readMsg(t))
}

func TestSocketHandshakeErrors(t *testing.T) {
	srv := newTestServer(t, ServerOptions{})
	ss := startSocket(t, srv)

	_, reply := dialSocket(t, ss, `{"action":"join","room_id":"zzzzzz"}`)
	assert.Equal(t, socketReply{Status: "error", Error: "Room not found"}, reply)

	_, reply = dialSocket(t, ss, `{"action":"dance"}`)
	assert.Equal(t, "error", reply.Status)

	_, reply = dialSocket(t, ss, `not json`)
	assert.Equal(t, socketReply{Status: "error", Error: "invalid handshake"}, reply)
}

func TestSocketCloseDetachesClients(t *testing.T) {
	srv := newTestServer(t, ServerOptions{})
	ss, err := srv.ListenSocket("127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = ss.Serve() }()

	c, reply := dialSocket(t, ss, `{"action":"create","client_id":"a"}`)
	require.Equal(t, "ok", reply.Status)
	c.readMsg(t)

	require.NoError(t, ss.Close())
	room, err := srv.Registry().Lookup(reply.RoomID)
	require.NoError(t, err)
	assert.Zero(t, room.Size())
	assert.NoError(t, ss.Close())
}
