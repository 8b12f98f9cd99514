package proto

import (
	"encoding/json"
	"testing"
	"time"
)

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	cases := []struct {
		raw  string
		want ID
	}{
		{`42`, "42"},
		{`"42"`, "42"},
		{`" 7 "`, "7"},
		{`null`, ""},
		{`"abc-def"`, "abc-def"},
	}
	for _, tc := range cases {
		var id ID
		if err := json.Unmarshal([]byte(tc.raw), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.raw, err)
		}
		if id != tc.want {
			t.Fatalf("unmarshal %s: got %q, want %q", tc.raw, id, tc.want)
		}
	}

	var id ID
	if err := json.Unmarshal([]byte(`{"x":1}`), &id); err == nil {
		t.Fatal("expected error for object id")
	}
}

func TestParseInbound(t *testing.T) {
	t.Run("chat message with numeric ids", func(t *testing.T) {
		f, err := ParseInbound([]byte(`{"id":42,"sender_id":1,"receiver_id":"2","content":"hi","created_at":"2026-01-02T03:04:05Z"}`))
		if err != nil {
			t.Fatal(err)
		}
		if f.IsDelivery() {
			t.Fatal("chat message reported as delivery")
		}
		if f.ID != "42" || f.SenderID != "1" || f.ReceiverID != "2" || f.Content != "hi" {
			t.Fatalf("unexpected frame: %+v", f)
		}
	})

	t.Run("delivery ack", func(t *testing.T) {
		f, err := ParseInbound([]byte(`{"type":"delivery","id":"9"}`))
		if err != nil {
			t.Fatal(err)
		}
		if !f.IsDelivery() {
			t.Fatal("expected delivery frame")
		}
	})

	t.Run("not json", func(t *testing.T) {
		if _, err := ParseInbound([]byte("server restarting")); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestOutboundFrameWireShape(t *testing.T) {
	b, err := json.Marshal(OutboundFrame{SenderID: "1", ReceiverID: "2", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"sender_id":"1","receiver_id":"2","content":"hi"}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestParseTimestamp(t *testing.T) {
	got := ParseTimestamp("2026-01-02T03:04:05.123Z")
	want := time.Date(2026, 1, 2, 3, 4, 5, 123_000_000, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !ParseTimestamp("").IsZero() {
		t.Fatal("empty input should give zero time")
	}
	if !ParseTimestamp("yesterday").IsZero() {
		t.Fatal("garbage input should give zero time")
	}
}
