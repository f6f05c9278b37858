package relay

// DefaultHistoryLimit is the number of messages replayed to late joiners.
const DefaultHistoryLimit = 50

// history is a fixed size FIFO ring. The owning room serializes access.
type history struct {
	buf   []Message
	start int
	size  int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{buf: make([]Message, limit)}
}

// push appends msg, evicting the oldest entry once the ring is full.
func (h *history) push(msg Message) {
	limit := len(h.buf)
	if h.size < limit {
		h.buf[(h.start+h.size)%limit] = msg
		h.size++
		return
	}
	h.buf[h.start] = msg
	h.start = (h.start + 1) % limit
}

// snapshot returns the stored messages oldest first.
func (h *history) snapshot() []Message {
	out := make([]Message, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(h.start+i)%len(h.buf)])
	}
	return out
}

func (h *history) len() int {
	return h.size
}
