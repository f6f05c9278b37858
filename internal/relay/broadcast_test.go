package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwoPeerScenario(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(WithRoomIDGenerator(fixedIDs("a1b2c3")), WithClock(clock.Now))

	roomID, err := reg.CreateRoom()
	require.NoError(t, err)
	require.Equal(t, "a1b2c3", roomID)

	u1, res, err := reg.Join(roomID, "u1")
	require.NoError(t, err)
	assert.Empty(t, res.History)
	assert.Equal(t, 1, res.Presence)

	u2, res, err := reg.Join(roomID, "u2")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Presence)

	assert.Equal(t, []Message{PresenceCount{Count: 1}, PresenceCount{Count: 2}}, drain(u1))
	assert.Equal(t, []Message{PresenceCount{Count: 2}}, drain(u2))

	_, err = reg.Publish(roomID, "u1", Chat{Data: "hi"}, true)
	require.NoError(t, err)
	assert.Empty(t, drain(u1))
	assert.Equal(t, []Message{Chat{ClientID: "u1", Data: "hi", Ts: clock.Now().Unix()}}, drain(u2))

	reg.Detach(u2)
	assert.Equal(t, []Message{PresenceCount{Count: 1}}, drain(u1))
}

func TestPublishWithoutExcludeEchoes(t *testing.T) {
	reg, roomID := newTestRoom(t)
	u1 := join(t, reg, roomID, "u1")
	drain(u1)

	_, err := reg.Publish(roomID, "u1", Typing{}, false)
	require.NoError(t, err)
	assert.Equal(t, []Message{Typing{ClientID: "u1"}}, drain(u1))
}

func TestPartialDeliveryFailure(t *testing.T) {
	reg, roomID := newTestRoom(t)
	s1 := join(t, reg, roomID, "s1")
	s2 := join(t, reg, roomID, "s2")
	s3 := join(t, reg, roomID, "s3")
	drain(s1)
	drain(s2)
	s3.Close()

	_, err := reg.Publish(roomID, "", Chat{Data: "hello"}, true)
	require.NoError(t, err)

	for _, sub := range []*Subscriber{s1, s2} {
		got := drain(sub)
		require.Len(t, got, 2)
		chat, ok := got[0].(Chat)
		require.True(t, ok)
		assert.Equal(t, "hello", chat.Data)
		assert.Equal(t, PresenceCount{Count: 2}, got[1])
	}

	room, err := reg.Lookup(roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, room.Size())
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	reg, roomID := newTestRoom(t, WithHistoryLimit(1), WithMailboxSize(1))
	slow := join(t, reg, roomID, "slow")
	fast := join(t, reg, roomID, "fast")
	drain(fast)

	for i := 0; i < 2*(1+mailboxHeadroom); i++ {
		_, err := reg.Publish(roomID, "fast", Chat{Data: fmt.Sprint(i)}, true)
		require.NoError(t, err)
	}

	assert.True(t, slow.Closed())
	assert.Equal(t, []Message{PresenceCount{Count: 1}}, drain(fast))

	// Whatever was buffered before the drop can still be read.
	assert.Len(t, drain(slow), 1+mailboxHeadroom)
}

func TestHistoryBoundAndFiltering(t *testing.T) {
	reg, roomID := newTestRoom(t)
	for i := 0; i < 70; i++ {
		_, err := reg.Publish(roomID, "u1", Chat{Data: fmt.Sprintf("msg-%d", i)}, true)
		require.NoError(t, err)
		_, err = reg.Publish(roomID, "u1", Typing{}, true)
		require.NoError(t, err)
	}

	room, err := reg.Lookup(roomID)
	require.NoError(t, err)
	hist := room.History()
	require.Len(t, hist, DefaultHistoryLimit)
	for i, msg := range hist {
		chat, ok := msg.(Chat)
		require.True(t, ok, "unexpected %T in history", msg)
		assert.Equal(t, fmt.Sprintf("msg-%d", 20+i), chat.Data)
	}

	// Presence counts from joins are never stored either.
	join(t, reg, roomID, "u2")
	assert.Len(t, room.History(), DefaultHistoryLimit)
	for _, msg := range room.History() {
		assert.NotEqual(t, KindPresenceCount, msg.Kind())
	}
}

func TestJoinReplaysHistoryBeforeLiveMessages(t *testing.T) {
	reg, roomID := newTestRoom(t)
	for i := 0; i < 3; i++ {
		_, err := reg.Publish(roomID, "u1", Chat{Data: fmt.Sprint(i)}, true)
		require.NoError(t, err)
	}

	late, res, err := reg.Join(roomID, "late")
	require.NoError(t, err)
	require.Len(t, res.History, 3)

	_, err = reg.Publish(roomID, "u1", Chat{Data: "live"}, true)
	require.NoError(t, err)

	got := drain(late)
	require.Len(t, got, 5)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprint(i), got[i].(Chat).Data)
	}
	assert.Equal(t, PresenceCount{Count: 1}, got[3])
	assert.Equal(t, "live", got[4].(Chat).Data)
}

func TestConcurrentJoinNeverInterleavesReplay(t *testing.T) {
	reg, roomID := newTestRoom(t)
	for i := 0; i < 10; i++ {
		_, err := reg.Publish(roomID, "seed", Chat{Data: fmt.Sprintf("h%d", i)}, true)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = reg.Publish(roomID, "writer", Chat{Data: fmt.Sprintf("live%d", i)}, true)
		}
	}()

	sub, res, err := reg.Join(roomID, "joiner")
	close(stop)
	wg.Wait()
	require.NoError(t, err)

	got := drain(sub)
	require.GreaterOrEqual(t, len(got), len(res.History)+1)
	for i, msg := range res.History {
		assert.Equal(t, msg, got[i])
	}
	assert.Equal(t, KindPresenceCount, got[len(res.History)].Kind())
}

func TestPublishTracksFileTransfer(t *testing.T) {
	reg, roomID := newTestRoom(t)
	u1 := join(t, reg, roomID, "u1")
	u2 := join(t, reg, roomID, "u2")
	drain(u1)
	drain(u2)

	_, err := reg.Publish(roomID, "u1", FileStart{Filename: "f", Size: 8}, true)
	require.NoError(t, err)

	out, err := reg.Publish(roomID, "u1", FileChunk{Filename: "f", Data: []byte("abc")}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, out.(FileChunk).Received)

	out, err = reg.Publish(roomID, "u1", FileChunk{Filename: "f", Data: []byte("defgh")}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 8, out.(FileChunk).Received)

	inFlight, err := reg.QueryInFlight(roomID, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"f": 8}, inFlight)

	inFlight, err = reg.QueryInFlight(roomID, "u2")
	require.NoError(t, err)
	assert.Empty(t, inFlight)

	_, err = reg.Publish(roomID, "u1", FileEnd{Filename: "f"}, true)
	require.NoError(t, err)
	inFlight, err = reg.QueryInFlight(roomID, "u1")
	require.NoError(t, err)
	assert.NotContains(t, inFlight, "f")

	got := drain(u2)
	require.Len(t, got, 4)
	assert.Equal(t, FileChunk{Filename: "f", Data: []byte("abc"), ClientID: "u1", Received: 3, Tracked: true}, got[1])
	assert.Empty(t, drain(u1))
}

func TestChunkWithoutStartIsRelayedUnannotated(t *testing.T) {
	reg, roomID := newTestRoom(t)
	u2 := join(t, reg, roomID, "u2")
	drain(u2)

	out, err := reg.Publish(roomID, "u1", FileChunk{Filename: "orphan", Data: []byte("zz"), Received: 77, Tracked: true}, true)
	require.NoError(t, err)
	assert.False(t, out.(FileChunk).Tracked)
	assert.Equal(t, []Message{FileChunk{Filename: "orphan", Data: []byte("zz"), ClientID: "u1"}}, drain(u2))
}

func TestBacklogTracksDeepestReceiver(t *testing.T) {
	reg, roomID := newTestRoom(t)
	u1 := join(t, reg, roomID, "u1")
	u2 := join(t, reg, roomID, "u2")
	drain(u1)
	drain(u2)

	for i := 0; i < 3; i++ {
		_, err := reg.Publish(roomID, "u1", Chat{Data: fmt.Sprint(i)}, true)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, u2.Pending())
	assert.Zero(t, u1.Pending())

	backlog, err := reg.Backlog(roomID, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, 3, backlog)

	drain(u2)
	_, err = reg.Publish(roomID, "u2", Chat{Data: "back"}, false)
	require.NoError(t, err)
	backlog, err = reg.Backlog(roomID, "u2", true)
	require.NoError(t, err)
	assert.Equal(t, 1, backlog, "only u1 is counted")

	_, err = reg.Backlog("zzzzzz", "u1", true)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, DefaultMailboxSize, reg.MailboxSize())
}
