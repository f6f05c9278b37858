package relay

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultRoomIDLength gives 36^6 (about 2.2e9) possible ids.
	DefaultRoomIDLength = 6
	maxIDAttempts       = 32
	roomIDAlphabet      = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// RandomRoomID returns n characters drawn uniformly from [a-z0-9].
func RandomRoomID(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	// 252 is the largest multiple of 36 below 256; bytes above it are
	// rejected to keep the distribution uniform.
	const limit = 256 - 256%len(roomIDAlphabet)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, roomIDAlphabet[int(b)%len(roomIDAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// Registry owns every live room. Its lock guards only the id -> room map;
// room state is guarded by each room's own lock.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	opts  options
}

func NewRegistry(opts ...Option) *Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.sanitize()
	return &Registry{
		rooms: make(map[string]*Room),
		opts:  o,
	}
}

// CreateRoom registers a new empty room under a fresh id. The id is checked
// against live rooms under the registry lock, so it is unique by
// construction; ErrIDExhausted is returned only if every attempt collides.
func (g *Registry) CreateRoom() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := g.opts.newRoomID()
		if err != nil {
			return "", fmt.Errorf("create room: %w", err)
		}
		if id == "" {
			continue
		}
		if _, taken := g.rooms[id]; taken {
			continue
		}
		g.rooms[id] = newRoom(id, &g.opts)
		g.opts.observer.RoomCreated(id)
		g.opts.logger.Info("room created", slog.String("room_id", id))
		return id, nil
	}
	return "", fmt.Errorf("create room after %d attempts: %w", maxIDAttempts, ErrIDExhausted)
}

func (g *Registry) Lookup(id string) (*Room, error) {
	g.mu.RLock()
	room, ok := g.rooms[id]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("room %q: %w", id, ErrNotFound)
	}
	return room, nil
}

func (g *Registry) Exists(id string) bool {
	_, err := g.Lookup(id)
	return err == nil
}

// Rooms returns the ids of all live rooms, sorted.
func (g *Registry) Rooms() []string {
	g.mu.RLock()
	ids := make([]string, 0, len(g.rooms))
	for id := range g.rooms {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Join attaches a subscriber to roomID. An empty subID is replaced by a
// server-assigned id. The returned subscriber's mailbox already holds the
// room history followed by the presence count.
func (g *Registry) Join(roomID, subID string) (*Subscriber, JoinResult, error) {
	room, err := g.Lookup(roomID)
	if err != nil {
		return nil, JoinResult{}, err
	}
	if subID == "" {
		subID = g.opts.newSubscriberID()
	}
	sub, result, err := room.join(subID)
	if err != nil {
		return nil, JoinResult{}, fmt.Errorf("room %q: %w", roomID, err)
	}
	return sub, result, nil
}

// Publish fans msg out to the room and returns the copy that was delivered,
// stamped with senderID and annotated with transfer progress. When
// excludeSender is set the subscriber whose id equals senderID is skipped.
// An unknown room yields ErrNotFound with no side effects.
func (g *Registry) Publish(roomID, senderID string, msg Message, excludeSender bool) (Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("publish nil message: %w", ErrMalformedMessage)
	}
	room, err := g.Lookup(roomID)
	if err != nil {
		return nil, err
	}
	out, err := room.publish(senderID, msg, excludeSender)
	if err != nil {
		return nil, fmt.Errorf("room %q: %w", roomID, err)
	}
	return out, nil
}

// Leave removes subID from roomID. Unknown rooms and subscribers are ignored.
func (g *Registry) Leave(roomID, subID string) {
	room, err := g.Lookup(roomID)
	if err != nil {
		return
	}
	room.leave(subID)
}

// Detach removes exactly sub from its room, leaving any newer subscriber that
// reconnected under the same id in place. Adapters call it on disconnect.
func (g *Registry) Detach(sub *Subscriber) {
	if sub == nil {
		return
	}
	room, err := g.Lookup(sub.roomID)
	if err != nil {
		sub.Close()
		return
	}
	room.detach(sub)
}

// QueryInFlight returns the transfers senderID has in flight in roomID.
func (g *Registry) QueryInFlight(roomID, senderID string) (map[string]int64, error) {
	room, err := g.Lookup(roomID)
	if err != nil {
		return nil, err
	}
	return room.queryInFlight(senderID), nil
}

// Backlog returns the deepest mailbox queue among the subscribers a publish
// from senderID to roomID would reach. Producers of long bursts, such as
// file uploads, wait for it to fall before publishing more.
func (g *Registry) Backlog(roomID, senderID string, excludeSender bool) (int, error) {
	room, err := g.Lookup(roomID)
	if err != nil {
		return 0, err
	}
	return room.MaxPending(senderID, excludeSender), nil
}

// MailboxSize is the capacity of every subscriber mailbox.
func (g *Registry) MailboxSize() int {
	return g.opts.mailboxSize
}

// DeleteIfEmpty removes roomID if it has no subscribers right now.
func (g *Registry) DeleteIfEmpty(roomID string) bool {
	return g.DeleteIfIdle(roomID, 0)
}

// DeleteIfIdle removes roomID if it has had no subscribers for at least
// grace. The emptiness check and the closed mark happen under the room
// lock, so a concurrent Join either lands first and keeps the room alive or
// observes the closed room and fails with ErrNotFound.
func (g *Registry) DeleteIfIdle(roomID string, grace time.Duration) bool {
	room, err := g.Lookup(roomID)
	if err != nil {
		return false
	}
	if !room.closeIfIdle(g.opts.now(), grace) {
		return false
	}

	g.mu.Lock()
	if cur, ok := g.rooms[roomID]; ok && cur == room {
		delete(g.rooms, roomID)
	}
	g.mu.Unlock()

	g.opts.observer.RoomDeleted(roomID)
	g.opts.logger.Info("room deleted", slog.String("room_id", roomID))
	return true
}
