package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Room is an isolated broadcast domain. All of its state is guarded by mu, so
// unrelated rooms never contend.
type Room struct {
	id   string
	opts *options

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	history     *history
	transfers   *Tracker
	createdAt   time.Time
	emptySince  time.Time
	closed      bool
}

// JoinResult is what a joiner was handed: the replayed history and the
// presence count broadcast after it was added.
type JoinResult struct {
	History  []Message
	Presence int
}

func newRoom(id string, opts *options) *Room {
	now := opts.now()
	return &Room{
		id:          id,
		opts:        opts,
		subscribers: make(map[string]*Subscriber),
		history:     newHistory(opts.historyLimit),
		transfers:   NewTracker(),
		createdAt:   now,
		emptySince:  now,
	}
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

// Size is the current number of subscribers.
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// History returns the stored messages oldest first.
func (r *Room) History() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.snapshot()
}

func (r *Room) logger() *slog.Logger {
	return r.opts.logger.With(slog.String("room_id", r.id))
}

// join registers a subscriber, replays history into its mailbox and
// broadcasts the new presence count, all under one critical section so no
// live message can land between the replay and registration.
func (r *Room) join(subID string) (*Subscriber, JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, JoinResult{}, ErrNotFound
	}

	if prev, ok := r.subscribers[subID]; ok {
		delete(r.subscribers, subID)
		prev.Close()
		r.logger().Debug("subscriber replaced", slog.String("subscriber_id", subID))
	}

	sub := newSubscriber(subID, r.id, r.opts.mailboxSize)
	r.subscribers[subID] = sub
	r.emptySince = time.Time{}

	backlog := r.history.snapshot()
	for _, msg := range backlog {
		if err := sub.deliver(msg); err != nil {
			break
		}
	}

	r.fanOut(PresenceCount{Count: len(r.subscribers)}, "", false)
	result := JoinResult{History: backlog, Presence: len(r.subscribers)}
	if r.opts.notices {
		r.publishLocked("", System{Data: fmt.Sprintf("%s joined the room", subID)}, false)
	}
	r.logger().Debug("subscriber joined",
		slog.String("subscriber_id", subID),
		slog.Int("presence", result.Presence),
		slog.Int("replayed", len(backlog)))
	return sub, result, nil
}

func (r *Room) publish(senderID string, msg Message, excludeSender bool) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrNotFound
	}
	return r.publishLocked(senderID, msg, excludeSender), nil
}

func (r *Room) publishLocked(senderID string, msg Message, excludeSender bool) Message {
	out, owner := attribute(msg, senderID, r.opts.now().Unix())
	switch out.Kind() {
	case KindFileStart, KindFileChunk, KindFileEnd, KindFileCancel:
		out = r.transfers.apply(out, owner)
	}
	if out.Kind().Stored() {
		r.history.push(out)
	}
	r.fanOut(out, senderID, excludeSender)
	r.opts.observer.MessagePublished(r.id, out.Kind())
	return out
}

// leave removes subID if present. It reports whether anything was removed.
func (r *Room) leave(subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscribers[subID]
	if !ok {
		return false
	}
	r.removeLocked(sub)
	return true
}

// detach removes sub only if it is still the registered subscriber for its
// id; a subscriber replaced by a reconnect is just closed.
func (r *Room) detach(sub *Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subscribers[sub.id]; !ok || cur != sub {
		sub.Close()
		return false
	}
	r.removeLocked(sub)
	return true
}

func (r *Room) removeLocked(sub *Subscriber) {
	r.dropLocked(sub)
	if r.closed {
		return
	}
	r.fanOut(PresenceCount{Count: len(r.subscribers)}, "", false)
	if r.opts.notices {
		r.publishLocked("", System{Data: fmt.Sprintf("%s left the room", sub.id)}, false)
	}
	r.logger().Debug("subscriber left",
		slog.String("subscriber_id", sub.id),
		slog.Int("presence", len(r.subscribers)))
}

func (r *Room) dropLocked(sub *Subscriber) {
	if cur, ok := r.subscribers[sub.id]; ok && cur == sub {
		delete(r.subscribers, sub.id)
	}
	sub.Close()
	if len(r.subscribers) == 0 && r.emptySince.IsZero() {
		r.emptySince = r.opts.now()
	}
}

// fanOut delivers msg to a snapshot of the subscriber set. Subscribers whose
// mailbox is closed or full are dropped and the rest still receive msg; the
// survivors are then sent a fresh presence count.
func (r *Room) fanOut(msg Message, senderID string, excludeSender bool) {
	dropped := r.deliverAll(msg, senderID, excludeSender)
	for dropped > 0 && len(r.subscribers) > 0 {
		dropped = r.deliverAll(PresenceCount{Count: len(r.subscribers)}, "", false)
	}
}

func (r *Room) deliverAll(msg Message, senderID string, excludeSender bool) int {
	targets := make([]*Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		if excludeSender && sub.id == senderID {
			continue
		}
		targets = append(targets, sub)
	}

	dropped := 0
	for _, sub := range targets {
		if err := sub.deliver(msg); err != nil {
			r.dropLocked(sub)
			r.opts.observer.DeliveryFailed(r.id, sub.id)
			r.logger().Info("subscriber dropped",
				slog.String("subscriber_id", sub.id),
				slog.String("kind", string(msg.Kind())),
				slog.Any("error", err))
			dropped++
		}
	}
	return dropped
}

// MaxPending returns the deepest mailbox queue among the subscribers a
// publish from senderID would reach.
func (r *Room) MaxPending(senderID string, excludeSender bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	deepest := 0
	for id, sub := range r.subscribers {
		if excludeSender && id == senderID {
			continue
		}
		if n := sub.Pending(); n > deepest {
			deepest = n
		}
	}
	return deepest
}

func (r *Room) queryInFlight(senderID string) map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers.QueryInFlight(senderID)
}

// closeIfIdle marks the room closed when it has no subscribers and has been
// empty for at least grace. Once closed, join and publish report ErrNotFound.
func (r *Room) closeIfIdle(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.subscribers) > 0 {
		return false
	}
	if grace > 0 && now.Sub(r.emptySince) < grace {
		return false
	}
	r.closed = true
	return true
}
