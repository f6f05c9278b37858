package relay

import (
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomRoomID(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-z0-9]{6}$`)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := RandomRoomID(DefaultRoomIDLength)
		require.NoError(t, err)
		require.Regexp(t, pattern, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestCreateRoomRetriesOnCollision(t *testing.T) {
	reg := NewRegistry(WithRoomIDGenerator(fixedIDs("aaaaaa", "aaaaaa", "bbbbbb")))

	first, err := reg.CreateRoom()
	require.NoError(t, err)
	second, err := reg.CreateRoom()
	require.NoError(t, err)

	assert.Equal(t, "aaaaaa", first)
	assert.Equal(t, "bbbbbb", second)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, reg.Rooms())
}

func TestCreateRoomExhausted(t *testing.T) {
	reg := NewRegistry(WithRoomIDGenerator(fixedIDs("same")))
	_, err := reg.CreateRoom()
	require.NoError(t, err)

	_, err = reg.CreateRoom()
	require.ErrorIs(t, err, ErrIDExhausted)
	assert.Equal(t, 1, reg.Len())
}

func TestCreateRoomConcurrentIDsAreUnique(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	ids := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.CreateRoom()
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, 64)
	assert.Equal(t, 64, reg.Len())
}

func TestUnknownRoom(t *testing.T) {
	reg := NewRegistry()

	_, _, err := reg.Join("nope", "u1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Publish("nope", "u1", Chat{Data: "hi"}, true)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = reg.QueryInFlight("nope", "u1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Lookup("nope")
	require.ErrorIs(t, err, ErrNotFound)

	assert.False(t, reg.Exists("nope"))
	assert.False(t, reg.DeleteIfEmpty("nope"))
	reg.Leave("nope", "u1")
	assert.Zero(t, reg.Len())
}

func TestJoinAssignsIDWhenEmpty(t *testing.T) {
	reg, roomID := newTestRoom(t, WithSubscriberIDGenerator(func() string { return "generated" }))
	sub := join(t, reg, roomID, "")
	assert.Equal(t, "generated", sub.ID())
	assert.Equal(t, roomID, sub.RoomID())
}

func TestDeleteIfEmpty(t *testing.T) {
	reg, roomID := newTestRoom(t)
	join(t, reg, roomID, "u1")

	assert.False(t, reg.DeleteIfEmpty(roomID))
	assert.True(t, reg.Exists(roomID))

	reg.Leave(roomID, "u1")
	assert.True(t, reg.DeleteIfEmpty(roomID))
	assert.False(t, reg.Exists(roomID))
	assert.False(t, reg.DeleteIfEmpty(roomID))

	_, _, err := reg.Join(roomID, "u2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJoinLosingRaceWithDeleteSeesNotFound(t *testing.T) {
	reg, roomID := newTestRoom(t)
	room, err := reg.Lookup(roomID)
	require.NoError(t, err)

	require.True(t, reg.DeleteIfEmpty(roomID))

	// A joiner that looked the room up before the delete holds a stale handle.
	_, _, err = room.join("late")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = room.publish("late", Chat{Data: "hi"}, true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRejoinReplacesSubscriber(t *testing.T) {
	reg, roomID := newTestRoom(t)
	old := join(t, reg, roomID, "u1")
	fresh := join(t, reg, roomID, "u1")

	room, err := reg.Lookup(roomID)
	require.NoError(t, err)
	assert.True(t, old.Closed())
	assert.False(t, fresh.Closed())
	assert.Equal(t, 1, room.Size())

	// Tearing down the stale connection must not evict the new one.
	reg.Detach(old)
	assert.Equal(t, 1, room.Size())
	assert.False(t, fresh.Closed())

	reg.Detach(fresh)
	assert.Zero(t, room.Size())
	assert.True(t, fresh.Closed())
}

func TestLeaveIsIdempotent(t *testing.T) {
	reg, roomID := newTestRoom(t)
	u1 := join(t, reg, roomID, "u1")
	u2 := join(t, reg, roomID, "u2")
	drain(u1)

	reg.Leave(roomID, "u2")
	reg.Leave(roomID, "u2")

	assert.True(t, u2.Closed())
	assert.Equal(t, []Message{PresenceCount{Count: 1}}, drain(u1))
}

type recordingObserver struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	published []Kind
	failed    []string
}

func (o *recordingObserver) RoomCreated(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, id)
}

func (o *recordingObserver) RoomDeleted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, id)
}

func (o *recordingObserver) MessagePublished(_ string, kind Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published = append(o.published, kind)
}

func (o *recordingObserver) DeliveryFailed(_ string, subID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, subID)
}

func TestObserverSeesLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	reg, roomID := newTestRoom(t, WithObserver(obs), WithRoomIDGenerator(fixedIDs("r00001")))
	dead := join(t, reg, roomID, "dead")
	join(t, reg, roomID, "live")
	dead.Close()

	_, err := reg.Publish(roomID, "live", Chat{Data: "x"}, true)
	require.NoError(t, err)
	reg.Leave(roomID, "live")
	require.True(t, reg.DeleteIfEmpty(roomID))

	assert.Equal(t, []string{"r00001"}, obs.created)
	assert.Equal(t, []string{"r00001"}, obs.deleted)
	assert.Equal(t, []Kind{KindChat}, obs.published)
	assert.Equal(t, []string{"dead"}, obs.failed)
}

func TestMembershipNotices(t *testing.T) {
	clock := newFakeClock()
	reg, roomID := newTestRoom(t, WithMembershipNotices(true), WithClock(clock.Now))
	u1 := join(t, reg, roomID, "u1")
	join(t, reg, roomID, "u2")

	ts := clock.Now().Unix()
	assert.Equal(t, []Message{
		PresenceCount{Count: 1},
		System{Data: "u1 joined the room", Ts: ts},
		PresenceCount{Count: 2},
		System{Data: "u2 joined the room", Ts: ts},
	}, drain(u1))

	reg.Leave(roomID, "u2")
	assert.Equal(t, []Message{
		PresenceCount{Count: 1},
		System{Data: "u2 left the room", Ts: ts},
	}, drain(u1))

	room, err := reg.Lookup(roomID)
	require.NoError(t, err)
	assert.Len(t, room.History(), 3)
}
