package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source shared by a registry under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fixedIDs(ids ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id, nil
	}
}

// drain returns everything currently buffered in the subscriber's mailbox.
func drain(sub *Subscriber) []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-sub.Mailbox():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func newTestRoom(t *testing.T, opts ...Option) (*Registry, string) {
	t.Helper()
	reg := NewRegistry(opts...)
	id, err := reg.CreateRoom()
	require.NoError(t, err)
	return reg, id
}

func join(t *testing.T, reg *Registry, roomID, subID string) *Subscriber {
	t.Helper()
	sub, _, err := reg.Join(roomID, subID)
	require.NoError(t, err)
	return sub
}
