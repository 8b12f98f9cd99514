package chat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chat")

// EventType identifies a change to the message log.
type EventType string

const (
	EventAppend    EventType = "append"    // new entry at the end of the log
	EventReconcile EventType = "reconcile" // provisional entry replaced in place
	EventHistory   EventType = "history"   // conversation replaced by fetched history
	EventFailed    EventType = "failed"    // provisional entry timed out
	EventRemove    EventType = "remove"    // provisional entry withdrawn
	EventReset     EventType = "reset"     // log cleared on teardown
)

// Event describes one change to the log.
type Event struct {
	Type       EventType `json:"type"`
	Message    Message   `json:"message"`
	ReplacedID string    `json:"replaced_id,omitempty"` // temp id superseded by a reconcile
	Peer       string    `json:"peer,omitempty"`        // conversation partner of a history event
}

// Log is the session's ordered, duplicate-free message log. It reconciles
// provisional messages with their authoritative echoes. All methods are
// safe for concurrent use.
type Log struct {
	clock   clock.Clock
	timeout time.Duration // provisional timeout, 0 disables

	mu      sync.Mutex
	entries []*Message
	byID    map[string]*Message
	pending map[key][]*Message // provisional entries by echo key, oldest first
	timers  map[string]*clock.Timer
	epoch   uint64 // bumped on Reset so late timer callbacks are dropped

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// NewLog creates an empty log. Provisional entries that are not echoed
// within provisionalTimeout are marked failed; 0 keeps them pending forever.
func NewLog(clk clock.Clock, provisionalTimeout time.Duration) *Log {
	if clk == nil {
		clk = clock.New()
	}
	return &Log{
		clock:     clk,
		timeout:   provisionalTimeout,
		byID:      make(map[string]*Message),
		pending:   make(map[key][]*Message),
		timers:    make(map[string]*clock.Timer),
		listeners: make(map[chan Event]struct{}),
	}
}

// AppendProvisional records a locally sent message before the server has
// confirmed it.
func (l *Log) AppendProvisional(from, to, text string) Message {
	l.mu.Lock()
	msg := NewProvisional(from, to, text, l.clock.Now())
	e := &msg
	l.entries = append(l.entries, e)
	l.byID[msg.ID] = e
	l.pending[msg.key()] = append(l.pending[msg.key()], e)
	if l.timeout > 0 {
		epoch, id := l.epoch, msg.ID
		l.timers[id] = l.clock.AfterFunc(l.timeout, func() { l.expire(epoch, id) })
	}
	l.mu.Unlock()

	l.notify(Event{Type: EventAppend, Message: msg})
	return msg
}

// AppendSystem records a payload the client could not interpret.
func (l *Log) AppendSystem(to, text string) Message {
	msg := NewSystem(to, text, l.clock.Now())
	l.mu.Lock()
	e := &msg
	l.entries = append(l.entries, e)
	l.byID[msg.ID] = e
	l.mu.Unlock()

	l.notify(Event{Type: EventAppend, Message: msg})
	return msg
}

// Apply merges an authoritative message into the log:
//   - a message whose id is already present is dropped;
//   - otherwise the oldest provisional entry with the same sender, receiver
//     and text is replaced in place;
//   - otherwise the message is appended.
//
// Apply reports whether the log changed.
func (l *Log) Apply(m Message) bool {
	m.Provisional = false
	m.Failed = false
	if m.Timestamp.IsZero() {
		m.Timestamp = l.clock.Now()
	}

	l.mu.Lock()
	if m.ID != "" {
		if _, dup := l.byID[m.ID]; dup {
			l.mu.Unlock()
			log.Debugf("dropping already reconciled message %s", m.ID)
			return false
		}
	}

	k := m.key()
	if q := l.pending[k]; len(q) > 0 {
		e := q[0]
		if len(q) == 1 {
			delete(l.pending, k)
		} else {
			l.pending[k] = q[1:]
		}
		tempID := e.ID
		l.stopTimerLocked(tempID)
		delete(l.byID, tempID)
		*e = m
		if m.ID != "" {
			l.byID[m.ID] = e
		}
		l.mu.Unlock()

		log.Debugf("reconciled %s -> %s", tempID, m.ID)
		l.notify(Event{Type: EventReconcile, Message: m, ReplacedID: tempID})
		return true
	}

	e := &m
	l.entries = append(l.entries, e)
	if m.ID != "" {
		l.byID[m.ID] = e
	}
	l.mu.Unlock()

	l.notify(Event{Type: EventAppend, Message: m})
	return true
}

// ReplaceConversation swaps every entry of the (local, peer) conversation for
// the fetched history. Provisional entries of that conversation survive
// unless a fetched message matches them, in which case the fetched copy
// stands in for the echo. Entries of other conversations keep their order;
// the history follows them, then the surviving provisional entries.
func (l *Log) ReplaceConversation(local, peer string, history []Message) {
	l.mu.Lock()

	kept := make([]*Message, 0, len(l.entries)+len(history))
	var provisional []*Message
	for _, e := range l.entries {
		switch {
		case !e.BelongsTo(local, peer):
			kept = append(kept, e)
		case e.Provisional:
			provisional = append(provisional, e)
		}
	}

	matched := make(map[*Message]bool)
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if m.ID != "" {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
		}
		m.Provisional = false
		m.Failed = false
		if m.Timestamp.IsZero() {
			m.Timestamp = l.clock.Now()
		}
		for _, p := range provisional {
			if !matched[p] && p.key() == m.key() {
				matched[p] = true
				break
			}
		}
		cp := m
		kept = append(kept, &cp)
	}
	for _, p := range provisional {
		if matched[p] {
			l.stopTimerLocked(p.ID)
			continue
		}
		kept = append(kept, p)
	}

	l.entries = kept
	l.reindexLocked()
	l.mu.Unlock()

	log.Debugf("conversation with %s replaced: %d history, %d still pending",
		peer, len(history), len(provisional)-len(matched))
	l.notify(Event{Type: EventHistory, Peer: peer})
}

// MarkFailed flags a provisional entry as failed. It reports false if the
// entry is unknown or already confirmed.
func (l *Log) MarkFailed(id string) bool {
	l.mu.Lock()
	l.stopTimerLocked(id)
	e, ok := l.byID[id]
	if !ok || !e.Provisional {
		l.mu.Unlock()
		return false
	}
	e.Failed = true
	msg := *e
	l.mu.Unlock()

	l.notify(Event{Type: EventFailed, Message: msg})
	return true
}

// Remove deletes a provisional entry, used when it is resent under a new id.
func (l *Log) Remove(id string) bool {
	l.mu.Lock()
	e, ok := l.byID[id]
	if !ok || !e.Provisional {
		l.mu.Unlock()
		return false
	}
	l.stopTimerLocked(id)
	for i, cur := range l.entries {
		if cur == e {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	l.reindexLocked()
	msg := *e
	l.mu.Unlock()

	l.notify(Event{Type: EventRemove, Message: msg})
	return true
}

func (l *Log) expire(epoch uint64, id string) {
	l.mu.Lock()
	if epoch != l.epoch {
		l.mu.Unlock()
		return
	}
	delete(l.timers, id)
	e, ok := l.byID[id]
	if !ok || !e.Provisional {
		l.mu.Unlock()
		return
	}
	e.Failed = true
	msg := *e
	l.mu.Unlock()

	log.Warnf("no echo for %s to %s after %s, marking failed", id, msg.ReceiverID, l.timeout)
	l.notify(Event{Type: EventFailed, Message: msg})
}

// Reset clears the log and cancels every provisional timer.
func (l *Log) Reset() {
	l.mu.Lock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	l.entries = nil
	l.byID = make(map[string]*Message)
	l.pending = make(map[key][]*Message)
	l.epoch++
	l.mu.Unlock()

	l.notify(Event{Type: EventReset})
}

// Snapshot returns a copy of all entries in log order.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// Conversation returns the entries exchanged between a and b.
func (l *Log) Conversation(a, b string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, 0)
	for _, e := range l.entries {
		if e.BelongsTo(a, b) {
			out = append(out, *e)
		}
	}
	return out
}

// Get looks up an entry by id.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	return *e, true
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe returns a channel that receives log events.
func (l *Log) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	l.listenerMu.Lock()
	l.listeners[ch] = struct{}{}
	l.listenerMu.Unlock()

	cancel = func() {
		l.listenerMu.Lock()
		if _, ok := l.listeners[ch]; ok {
			delete(l.listeners, ch)
			close(ch)
		}
		l.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close releases all subscribers.
func (l *Log) Close() {
	l.listenerMu.Lock()
	for ch := range l.listeners {
		close(ch)
	}
	l.listeners = make(map[chan Event]struct{})
	l.listenerMu.Unlock()
}

func (l *Log) notify(evt Event) {
	l.listenerMu.RLock()
	for ch := range l.listeners {
		select {
		case ch <- evt:
		default:
			// slow subscriber
		}
	}
	l.listenerMu.RUnlock()
}

func (l *Log) stopTimerLocked(id string) {
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
}

func (l *Log) reindexLocked() {
	l.byID = make(map[string]*Message, len(l.entries))
	l.pending = make(map[key][]*Message)
	for _, e := range l.entries {
		if e.ID != "" {
			l.byID[e.ID] = e
		}
		if e.Provisional {
			l.pending[e.key()] = append(l.pending[e.key()], e)
		}
	}
}
