package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestLog(timeout time.Duration) (*Log, *clock.Mock) {
	clk := clock.NewMock()
	return NewLog(clk, timeout), clk
}

func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestEchoReplacesProvisionalInPlace(t *testing.T) {
	l, _ := newTestLog(0)

	l.Apply(Message{ID: "1", SenderID: "B", ReceiverID: "A", Text: "hello"})
	p := l.AppendProvisional("A", "B", "hi")
	l.Apply(Message{ID: "2", SenderID: "C", ReceiverID: "A", Text: "yo"})

	if !IsTempID(p.ID) || !p.Provisional {
		t.Fatalf("expected provisional temp entry, got %+v", p)
	}

	if !l.Apply(Message{ID: "42", SenderID: "A", ReceiverID: "B", Text: "hi"}) {
		t.Fatal("echo should change the log")
	}

	got := l.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[1].ID != "42" || got[1].Provisional {
		t.Fatalf("entry 1 should be the confirmed echo, got %+v", got[1])
	}
	if _, ok := l.Get(p.ID); ok {
		t.Fatal("temp id should be gone after reconcile")
	}
}

func TestDuplicateIDIsDropped(t *testing.T) {
	l, _ := newTestLog(0)

	l.AppendProvisional("A", "B", "hi")
	l.AppendProvisional("A", "B", "hi")

	echo := Message{ID: "42", SenderID: "A", ReceiverID: "B", Text: "hi"}
	l.Apply(echo)
	if l.Apply(echo) {
		t.Fatal("redelivered echo should be dropped")
	}

	got := l.Snapshot()
	if got[0].ID != "42" {
		t.Fatalf("first entry should be confirmed, got %+v", got[0])
	}
	if !got[1].Provisional {
		t.Fatal("second send must stay provisional until its own echo")
	}

	l.Apply(Message{ID: "43", SenderID: "A", ReceiverID: "B", Text: "hi"})
	got = l.Snapshot()
	if len(got) != 2 || got[1].ID != "43" || got[1].Provisional {
		t.Fatalf("unexpected log after second echo: %+v", got)
	}
}

func TestEchoNeverDuplicatesProvisional(t *testing.T) {
	l, _ := newTestLog(0)
	const n = 20

	for i := 0; i < n; i++ {
		l.AppendProvisional("A", "B", fmt.Sprintf("m%d", i%5))
	}
	// Echoes arrive in a different order than the sends.
	for i := n - 1; i >= 0; i-- {
		l.Apply(Message{ID: fmt.Sprintf("s%d", i), SenderID: "A", ReceiverID: "B", Text: fmt.Sprintf("m%d", i%5)})
	}

	got := l.Snapshot()
	if len(got) != n {
		t.Fatalf("expected %d entries, got %d", n, len(got))
	}
	for _, m := range got {
		if m.Provisional {
			t.Fatalf("entry %s still provisional", m.ID)
		}
	}
}

func TestUnmatchedMessageIsAppended(t *testing.T) {
	l, _ := newTestLog(0)
	l.AppendProvisional("A", "B", "hi")

	l.Apply(Message{ID: "7", SenderID: "B", ReceiverID: "A", Text: "hi"})

	got := l.Snapshot()
	if len(got) != 2 {
		t.Fatalf("reverse-direction message must not reconcile, got %+v", got)
	}
	if !got[0].Provisional {
		t.Fatal("provisional entry should be untouched")
	}
}

func TestMessagesWithoutIDStillReconcile(t *testing.T) {
	l, _ := newTestLog(0)
	l.AppendProvisional("A", "B", "hi")

	l.Apply(Message{SenderID: "A", ReceiverID: "B", Text: "hi"})

	got := l.Snapshot()
	if len(got) != 1 || got[0].Provisional {
		t.Fatalf("expected single confirmed entry, got %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("missing timestamp should default to the clock")
	}
}

func TestReplaceConversationKeepsOtherConversations(t *testing.T) {
	l, _ := newTestLog(0)
	other := l.AppendProvisional("A", "C", "to c")
	l.Apply(Message{ID: "old", SenderID: "B", ReceiverID: "A", Text: "stale"})

	l.ReplaceConversation("A", "B", []Message{
		{ID: "1", SenderID: "A", ReceiverID: "B", Text: "one"},
		{ID: "2", SenderID: "B", ReceiverID: "A", Text: "two"},
	})

	got := l.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %+v", got)
	}
	if got[0].ID != other.ID || !got[0].Provisional {
		t.Fatalf("unrelated provisional entry changed: %+v", got[0])
	}
	if got[1].ID != "1" || got[2].ID != "2" {
		t.Fatalf("history not in place: %+v", got)
	}
	if _, ok := l.Get("old"); ok {
		t.Fatal("previous conversation entries should be replaced")
	}

	// The unrelated provisional entry must still reconcile.
	l.Apply(Message{ID: "9", SenderID: "A", ReceiverID: "C", Text: "to c"})
	if m, _ := l.Get("9"); m.Provisional {
		t.Fatal("echo for C should confirm the provisional entry")
	}
}

func TestReplaceConversationKeepsUnconfirmedSends(t *testing.T) {
	l, _ := newTestLog(0)
	persisted := l.AppendProvisional("A", "B", "already stored")
	inFlight := l.AppendProvisional("A", "B", "racing")

	l.ReplaceConversation("A", "B", []Message{
		{ID: "1", SenderID: "A", ReceiverID: "B", Text: "already stored"},
	})

	got := l.Snapshot()
	if len(got) != 2 {
		t.Fatalf("expected history + racing send, got %+v", got)
	}
	if got[0].ID != "1" {
		t.Fatalf("history entry should come first, got %+v", got[0])
	}
	if got[1].ID != inFlight.ID || !got[1].Provisional {
		t.Fatalf("racing send should survive, got %+v", got[1])
	}
	if _, ok := l.Get(persisted.ID); ok {
		t.Fatal("provisional entry covered by history should be dropped")
	}

	l.Apply(Message{ID: "2", SenderID: "A", ReceiverID: "B", Text: "racing"})
	if l.Len() != 2 {
		t.Fatalf("late echo duplicated the racing send: %+v", l.Snapshot())
	}
}

func TestReplaceConversationDeduplicatesHistory(t *testing.T) {
	l, _ := newTestLog(0)
	l.ReplaceConversation("A", "B", []Message{
		{ID: "1", SenderID: "A", ReceiverID: "B", Text: "one"},
		{ID: "1", SenderID: "A", ReceiverID: "B", Text: "one"},
	})
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
	if l.Apply(Message{ID: "1", SenderID: "A", ReceiverID: "B", Text: "one"}) {
		t.Fatal("socket copy of a history message should be dropped")
	}
}

func TestProvisionalTimeoutMarksFailed(t *testing.T) {
	l, clk := newTestLog(30 * time.Second)
	events, cancel := l.Subscribe()
	defer cancel()

	p := l.AppendProvisional("A", "B", "hi")
	clk.Add(29 * time.Second)
	if m, _ := l.Get(p.ID); m.Failed {
		t.Fatal("failed before the timeout")
	}

	clk.Add(2 * time.Second)
	evt := waitEvent(t, events, EventFailed)
	if evt.Message.ID != p.ID {
		t.Fatalf("failed event for %s, want %s", evt.Message.ID, p.ID)
	}
	m, _ := l.Get(p.ID)
	if !m.Failed || !m.Provisional {
		t.Fatalf("expected failed provisional entry, got %+v", m)
	}

	// A late echo still wins.
	l.Apply(Message{ID: "42", SenderID: "A", ReceiverID: "B", Text: "hi"})
	m, ok := l.Get("42")
	if !ok || m.Failed || m.Provisional {
		t.Fatalf("late echo should confirm the entry, got %+v", m)
	}
}

func TestEchoCancelsProvisionalTimeout(t *testing.T) {
	l, clk := newTestLog(10 * time.Second)
	events, cancel := l.Subscribe()
	defer cancel()

	l.AppendProvisional("A", "B", "hi")
	l.Apply(Message{ID: "42", SenderID: "A", ReceiverID: "B", Text: "hi"})
	clk.Add(time.Minute)

	for {
		select {
		case evt := <-events:
			if evt.Type == EventFailed {
				t.Fatal("confirmed message must not fail")
			}
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestResetClearsEverything(t *testing.T) {
	l, clk := newTestLog(time.Second)
	events, cancel := l.Subscribe()
	defer cancel()

	l.AppendProvisional("A", "B", "hi")
	l.Apply(Message{ID: "1", SenderID: "B", ReceiverID: "A", Text: "x"})
	l.Reset()
	l.Reset()

	if l.Len() != 0 {
		t.Fatalf("expected empty log, got %d", l.Len())
	}
	clk.Add(time.Minute)
	if !l.Apply(Message{ID: "1", SenderID: "B", ReceiverID: "A", Text: "x"}) {
		t.Fatal("ids must be forgotten after reset")
	}
	waitEvent(t, events, EventReset)
}

func TestConversationFiltersBothDirections(t *testing.T) {
	l, _ := newTestLog(0)
	l.Apply(Message{ID: "1", SenderID: "A", ReceiverID: "B", Text: "a"})
	l.Apply(Message{ID: "2", SenderID: "C", ReceiverID: "A", Text: "b"})
	l.Apply(Message{ID: "3", SenderID: "B", ReceiverID: "A", Text: "c"})
	l.AppendSystem("A", "garbage")

	conv := l.Conversation("A", "B")
	if len(conv) != 2 || conv[0].ID != "1" || conv[1].ID != "3" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
}

func TestMarkFailedAndRemove(t *testing.T) {
	l, _ := newTestLog(0)
	p := l.AppendProvisional("A", "B", "hi")

	if !l.MarkFailed(p.ID) {
		t.Fatal("MarkFailed on provisional entry should succeed")
	}
	if l.MarkFailed("nope") {
		t.Fatal("MarkFailed on unknown id should fail")
	}
	events, cancel := l.Subscribe()
	defer cancel()
	if !l.Remove(p.ID) {
		t.Fatal("Remove on provisional entry should succeed")
	}
	if l.Len() != 0 {
		t.Fatal("entry not removed")
	}
	select {
	case evt := <-events:
		if evt.Type != EventRemove || evt.Message.ID != p.ID {
			t.Fatalf("got %+v", evt)
		}
	default:
		t.Fatal("no remove event")
	}

	l.Apply(Message{ID: "1", SenderID: "A", ReceiverID: "B", Text: "hi"})
	if l.Remove("1") {
		t.Fatal("confirmed entries cannot be removed")
	}
}
