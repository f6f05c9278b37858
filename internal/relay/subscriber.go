package relay

import "sync"

// DefaultMailboxSize is the mailbox capacity used when none is configured.
const DefaultMailboxSize = 256

// Subscriber is one connected client attached to a room. The room is the
// only producer for its mailbox and the owning connection the only consumer.
type Subscriber struct {
	id     string
	roomID string

	mu      sync.Mutex
	mailbox chan Message
	closed  bool
}

func newSubscriber(id, roomID string, capacity int) *Subscriber {
	return &Subscriber{
		id:      id,
		roomID:  roomID,
		mailbox: make(chan Message, capacity),
	}
}

func (s *Subscriber) ID() string {
	return s.id
}

func (s *Subscriber) RoomID() string {
	return s.roomID
}

// Mailbox yields outbound messages in delivery order. It is closed once the
// subscriber leaves or is dropped; buffered messages can still be drained.
func (s *Subscriber) Mailbox() <-chan Message {
	return s.mailbox
}

// Close marks the subscriber dead and closes its mailbox. Adapters call it
// when their connection fails; the room removes it on the next delivery.
// Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.mailbox)
}

// Closed reports whether Close has been called.
func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver enqueues msg without blocking. A closed or full mailbox is a
// delivery failure; the room never waits on a slow reader.
func (s *Subscriber) deliver(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeliveryFailure
	}
	select {
	case s.mailbox <- msg:
		return nil
	default:
		return ErrDeliveryFailure
	}
}

// Pending is the number of messages queued but not yet read.
func (s *Subscriber) Pending() int {
	return len(s.mailbox)
}
