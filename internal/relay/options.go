package relay

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Observer receives registry events. Metrics adapters implement it.
type Observer interface {
	RoomCreated(roomID string)
	RoomDeleted(roomID string)
	MessagePublished(roomID string, kind Kind)
	DeliveryFailed(roomID, subscriberID string)
}

type nopObserver struct{}

func (nopObserver) RoomCreated(string) {}
func (nopObserver) RoomDeleted(string) {}
func (nopObserver) MessagePublished(string, Kind) {}
func (nopObserver) DeliveryFailed(string, string) {}

type options struct {
	historyLimit    int
	mailboxSize     int
	newRoomID       func() (string, error)
	newSubscriberID func() string
	logger          *slog.Logger
	observer        Observer
	notices         bool
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		historyLimit:    DefaultHistoryLimit,
		mailboxSize:     DefaultMailboxSize,
		newRoomID:       func() (string, error) { return RandomRoomID(DefaultRoomIDLength) },
		newSubscriberID: uuid.NewString,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer:        nopObserver{},
		now:             time.Now,
	}
}

// Option configures a Registry.
type Option func(*options)

// WithHistoryLimit sets how many messages each room keeps for replay.
func WithHistoryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

// WithMailboxSize sets the subscriber mailbox capacity. It is raised to at
// least the history limit plus headroom so a full replay always fits.
func WithMailboxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mailboxSize = n
		}
	}
}

// WithRoomIDGenerator replaces the random room id source.
func WithRoomIDGenerator(gen func() (string, error)) Option {
	return func(o *options) {
		if gen != nil {
			o.newRoomID = gen
		}
	}
}

// WithSubscriberIDGenerator replaces the id source for anonymous joins.
func WithSubscriberIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newSubscriberID = gen
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithMembershipNotices makes joins and leaves publish a system message.
func WithMembershipNotices(enabled bool) Option {
	return func(o *options) {
		o.notices = enabled
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

const mailboxHeadroom = 16

func (o *options) sanitize() {
	if floor := o.historyLimit + mailboxHeadroom; o.mailboxSize < floor {
		o.mailboxSize = floor
	}
}
