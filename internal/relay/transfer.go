package relay

// FileTransfer is the progress of one in-flight file within a room.
type FileTransfer struct {
	Filename      string
	SenderID      string
	BytesReceived int64
}

// Tracker derives running byte totals per filename from the chunk stream of
// a room. It is not safe for concurrent use; the room's lock serializes it.
type Tracker struct {
	transfers map[string]*FileTransfer
}

func NewTracker() *Tracker {
	return &Tracker{transfers: make(map[string]*FileTransfer)}
}

// OnFileStart begins tracking filename, resetting any stale entry.
func (t *Tracker) OnFileStart(filename, senderID string) {
	t.transfers[filename] = &FileTransfer{Filename: filename, SenderID: senderID}
}

// OnFileChunk adds n bytes to filename and returns the new total. ok is
// false when no transfer is in flight for filename; the chunk is still
// relayed by the caller, just without a progress annotation.
func (t *Tracker) OnFileChunk(filename string, n int) (total int64, ok bool) {
	ft, exists := t.transfers[filename]
	if !exists {
		return 0, false
	}
	if n > 0 {
		ft.BytesReceived += int64(n)
	}
	return ft.BytesReceived, true
}

func (t *Tracker) OnFileEnd(filename string) {
	delete(t.transfers, filename)
}

func (t *Tracker) OnFileCancel(filename string) {
	delete(t.transfers, filename)
}

// QueryInFlight returns filename -> bytes received for transfers started by
// senderID only.
func (t *Tracker) QueryInFlight(senderID string) map[string]int64 {
	out := make(map[string]int64)
	for name, ft := range t.transfers {
		if ft.SenderID == senderID {
			out[name] = ft.BytesReceived
		}
	}
	return out
}

// Len is the number of transfers in flight.
func (t *Tracker) Len() int {
	return len(t.transfers)
}

// apply updates the tracker for file variants and returns the outgoing copy,
// annotated with the running total for tracked chunks.
func (t *Tracker) apply(msg Message, senderID string) Message {
	switch m := msg.(type) {
	case FileStart:
		t.OnFileStart(m.Filename, senderID)
	case FileChunk:
		if total, ok := t.OnFileChunk(m.Filename, len(m.Data)); ok {
			m.Received, m.Tracked = total, true
		}
		return m
	case FileEnd:
		t.OnFileEnd(m.Filename)
	case FileCancel:
		t.OnFileCancel(m.Filename)
	}
	return msg
}
