package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Kind is the wire tag of a message variant.
type Kind string

const (
	KindChat          Kind = "chat"
	KindSystem        Kind = "system"
	KindTyping        Kind = "typing"
	KindFileStart     Kind = "file-start"
	KindFileChunk     Kind = "file-chunk"
	KindFileEnd       Kind = "file-end"
	KindFileCancel    Kind = "file-cancel"
	KindPresenceCount Kind = "presence-count"
)

// Stored reports whether messages of this kind are kept in the room history.
func (k Kind) Stored() bool {
	return k != KindTyping && k != KindPresenceCount
}

// ServerOnly reports whether the kind is generated by the server and must be
// rejected when a client sends it.
func (k Kind) ServerOnly() bool {
	return k == KindSystem || k == KindPresenceCount
}

// Message is one of Chat, System, Typing, FileStart, FileChunk, FileEnd,
// FileCancel or PresenceCount.
type Message interface {
	Kind() Kind
	isMessage()
}

// Chat is free text. ClientID and Ts are stamped by the server.
type Chat struct {
	ClientID string
	Data     string
	Ts       int64
}

// System is a server notice such as a join or leave announcement.
type System struct {
	Data string
	Ts   int64
}

type Typing struct {
	ClientID string
}

// FileStart announces a transfer. Size is the size the sender declared.
type FileStart struct {
	Filename string
	Size     int64
	ClientID string
}

// FileChunk carries one fragment. Received is the running total for the
// filename after this chunk and is only meaningful when Tracked is true.
type FileChunk struct {
	Filename string
	Data     []byte
	ClientID string
	Received int64
	Tracked  bool
}

type FileEnd struct {
	Filename string
	ClientID string
}

type FileCancel struct {
	Filename string
	ClientID string
}

// PresenceCount is the current number of subscribers in the room.
type PresenceCount struct {
	Count int
}

func (Chat) Kind() Kind { return KindChat }
func (System) Kind() Kind { return KindSystem }
func (Typing) Kind() Kind { return KindTyping }
func (FileStart) Kind() Kind { return KindFileStart }
func (FileChunk) Kind() Kind { return KindFileChunk }
func (FileEnd) Kind() Kind { return KindFileEnd }
func (FileCancel) Kind() Kind { return KindFileCancel }
func (PresenceCount) Kind() Kind { return KindPresenceCount }

func (Chat) isMessage() {}
func (System) isMessage() {}
func (Typing) isMessage() {}
func (FileStart) isMessage() {}
func (FileChunk) isMessage() {}
func (FileEnd) isMessage() {}
func (FileCancel) isMessage() {}
func (PresenceCount) isMessage() {}

// envelope is the JSON shape shared by every transport.
type envelope struct {
	Type     Kind    `json:"type"`
	Data     *string `json:"data,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Size     *int64  `json:"size,omitempty"`
	ClientID string  `json:"client_id,omitempty"`
	Received *int64  `json:"received,omitempty"`
	Count    *int    `json:"count,omitempty"`
	Ts       int64   `json:"ts,omitempty"`
}

// Encode renders a message as its JSON envelope. File chunk payloads are
// base64 encoded.
func Encode(msg Message) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case Chat:
		env = envelope{Type: KindChat, Data: &m.Data, ClientID: m.ClientID, Ts: m.Ts}
	case System:
		env = envelope{Type: KindSystem, Data: &m.Data, Ts: m.Ts}
	case Typing:
		env = envelope{Type: KindTyping, ClientID: m.ClientID}
	case FileStart:
		env = envelope{Type: KindFileStart, Filename: m.Filename, Size: &m.Size, ClientID: m.ClientID}
	case FileChunk:
		data := base64.StdEncoding.EncodeToString(m.Data)
		env = envelope{Type: KindFileChunk, Filename: m.Filename, Data: &data, ClientID: m.ClientID}
		if m.Tracked {
			received := m.Received
			env.Received = &received
		}
	case FileEnd:
		env = envelope{Type: KindFileEnd, Filename: m.Filename, ClientID: m.ClientID}
	case FileCancel:
		env = envelope{Type: KindFileCancel, Filename: m.Filename, ClientID: m.ClientID}
	case PresenceCount:
		env = envelope{Type: KindPresenceCount, Count: &m.Count}
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, ErrMalformedMessage)
	}
	return json.Marshal(env)
}

// Decode parses a JSON envelope into its variant. Missing required fields,
// unknown types and undecodable chunk payloads yield ErrMalformedMessage.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch env.Type {
	case KindChat:
		if env.Data == nil {
			return nil, malformed(env.Type, "data")
		}
		return Chat{ClientID: env.ClientID, Data: *env.Data, Ts: env.Ts}, nil
	case KindSystem:
		if env.Data == nil {
			return nil, malformed(env.Type, "data")
		}
		return System{Data: *env.Data, Ts: env.Ts}, nil
	case KindTyping:
		return Typing{ClientID: env.ClientID}, nil
	case KindFileStart:
		if env.Filename == "" {
			return nil, malformed(env.Type, "filename")
		}
		var size int64
		if env.Size != nil {
			if *env.Size < 0 {
				return nil, malformed(env.Type, "size")
			}
			size = *env.Size
		}
		return FileStart{Filename: env.Filename, Size: size, ClientID: env.ClientID}, nil
	case KindFileChunk:
		if env.Filename == "" {
			return nil, malformed(env.Type, "filename")
		}
		if env.Data == nil {
			return nil, malformed(env.Type, "data")
		}
		data, err := base64.StdEncoding.DecodeString(*env.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: file-chunk data: %v", ErrMalformedMessage, err)
		}
		chunk := FileChunk{Filename: env.Filename, Data: data, ClientID: env.ClientID}
		if env.Received != nil {
			chunk.Received, chunk.Tracked = *env.Received, true
		}
		return chunk, nil
	case KindFileEnd:
		if env.Filename == "" {
			return nil, malformed(env.Type, "filename")
		}
		return FileEnd{Filename: env.Filename, ClientID: env.ClientID}, nil
	case KindFileCancel:
		if env.Filename == "" {
			return nil, malformed(env.Type, "filename")
		}
		return FileCancel{Filename: env.Filename, ClientID: env.ClientID}, nil
	case KindPresenceCount:
		if env.Count == nil {
			return nil, malformed(env.Type, "count")
		}
		return PresenceCount{Count: *env.Count}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

// DecodeInbound decodes a client-originated envelope and rejects the kinds
// only the server may produce.
func DecodeInbound(payload []byte) (Message, error) {
	msg, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	if msg.Kind().ServerOnly() {
		return nil, fmt.Errorf("%w: %s is server generated", ErrMalformedMessage, msg.Kind())
	}
	return msg, nil
}

func malformed(kind Kind, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMalformedMessage, kind, field)
}

// attribute stamps the sender onto variants that carry a client id and
// returns the id used for transfer accounting. An empty senderID keeps
// whatever the message already carried.
func attribute(msg Message, senderID string, now int64) (Message, string) {
	switch m := msg.(type) {
	case Chat:
		if senderID != "" {
			m.ClientID = senderID
		}
		if m.Ts == 0 {
			m.Ts = now
		}
		return m, m.ClientID
	case System:
		if m.Ts == 0 {
			m.Ts = now
		}
		return m, senderID
	case Typing:
		if senderID != "" {
			m.ClientID = senderID
		}
		return m, m.ClientID
	case FileStart:
		if senderID != "" {
			m.ClientID = senderID
		}
		return m, m.ClientID
	case FileChunk:
		if senderID != "" {
			m.ClientID = senderID
		}
		m.Received, m.Tracked = 0, false
		return m, m.ClientID
	case FileEnd:
		if senderID != "" {
			m.ClientID = senderID
		}
		return m, m.ClientID
	case FileCancel:
		if senderID != "" {
			m.ClientID = senderID
		}
		return m, m.ClientID
	default:
		return msg, senderID
	}
}
