package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	// HTTP endpoints, relative to the configured API base URL.
	OnlineUsersPath = "/online_users"
	MessagesPath    = "/messages"
	SendMessagePath = "/send_message"

	// MessagesPeerParam is the query parameter naming the conversation partner.
	MessagesPeerParam = "with"

	// DefaultTokenParam carries the access token on the socket URL.
	DefaultTokenParam = "token"
)

const (
	// CloseNormal is the only close code that does not trigger a reconnect.
	CloseNormal = 1000

	// CloseAbnormal is reported when the socket dropped without a close frame
	// or the dial itself failed.
	CloseAbnormal = 1006
)

const (
	TypeDelivery = "delivery"
)

// ID is a backend identifier. The backend emits ids as JSON numbers in some
// payloads and as strings in others; ID always holds the string form so that
// comparisons are representation independent.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("id must be a string or a number")
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// NormalizeID returns the comparison form of a raw identifier.
func NormalizeID(s string) string { return strings.TrimSpace(s) }

// OutboundFrame is written to the socket and POSTed to /send_message.
type OutboundFrame struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

// InboundFrame is any JSON payload received on the socket. Type is set only
// for control frames such as delivery acknowledgements.
type InboundFrame struct {
	Type       string `json:"type,omitempty"`
	ID         ID     `json:"id,omitempty"`
	SenderID   ID     `json:"sender_id"`
	ReceiverID ID     `json:"receiver_id"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// IsDelivery reports whether the frame is a delivery acknowledgement.
func (f InboundFrame) IsDelivery() bool { return f.Type == TypeDelivery }

// ParseInbound decodes a socket payload. A non-nil error means the payload is
// not JSON at all and should be surfaced as a system message.
func ParseInbound(data []byte) (InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return InboundFrame{}, err
	}
	return f, nil
}

// Peer is an entry of GET /online_users. Only the id is used; the rest of
// the object is ignored.
type Peer struct {
	ID   ID     `json:"id"`
	Name string `json:"name,omitempty"`
}

// HistoryMessage is an entry of GET /messages?with=<peer>.
type HistoryMessage struct {
	ID         ID     `json:"id"`
	SenderID   ID     `json:"sender_id"`
	ReceiverID ID     `json:"receiver_id"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

// ParseTimestamp parses a backend created_at value. The zero time is returned
// for empty or unparseable input and callers substitute their own clock.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05 MST", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
