package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// TempIDPrefix marks ids generated locally for provisional messages.
	TempIDPrefix = "temp-"

	// SystemIDPrefix marks ids of messages synthesized from payloads the
	// client could not parse.
	SystemIDPrefix = "system-"

	// SystemSender is the sender of system messages.
	SystemSender = "server"
)

// Message represents one chat message in the session log.
type Message struct {
	ID          string    `json:"id"`          // server id, or temp-/system- prefixed local id
	SenderID    string    `json:"sender_id"`   // normalized sender id
	ReceiverID  string    `json:"receiver_id"` // normalized receiver id
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Provisional bool      `json:"provisional"` // sent locally, no server echo yet
	Failed      bool      `json:"failed"`      // provisional and the echo timed out
}

// NewProvisional creates a locally originated message awaiting its echo.
func NewProvisional(from, to, text string, now time.Time) Message {
	return Message{
		ID:          TempIDPrefix + uuid.NewString(),
		SenderID:    from,
		ReceiverID:  to,
		Text:        text,
		Timestamp:   now,
		Provisional: true,
	}
}

// NewSystem wraps an unparseable payload so it still reaches the log.
func NewSystem(to, text string, now time.Time) Message {
	return Message{
		ID:         SystemIDPrefix + uuid.NewString(),
		SenderID:   SystemSender,
		ReceiverID: to,
		Text:       text,
		Timestamp:  now,
	}
}

// IsTempID reports whether id was generated for a provisional message.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// BelongsTo reports whether the message is part of the conversation between
// a and b, in either direction.
func (m Message) BelongsTo(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// key identifies a provisional message for echo matching.
type key struct {
	sender, receiver, text string
}

func (m Message) key() key {
	return key{sender: m.SenderID, receiver: m.ReceiverID, text: m.Text}
}
