package state

import (
	"sort"
	"sync"

	"github.com/petervdpas/goopchat/internal/proto"
)

// PresenceEvent is published whenever the presence set changes.
type PresenceEvent struct {
	Type  string   `json:"type"` // "replace" or "clear"
	Peers []string `json:"peers"`
}

// PresenceSet holds the ids of peers currently reported reachable. It never
// contains the local user.
type PresenceSet struct {
	mu        sync.Mutex
	peers     map[string]struct{}
	listeners []chan PresenceEvent
}

func NewPresenceSet() *PresenceSet {
	return &PresenceSet{
		peers:     map[string]struct{}{},
		listeners: make([]chan PresenceEvent, 0),
	}
}

// Replace swaps the whole set for ids, leaving out self. Ids are compared in
// normalized string form; blanks are skipped.
func (t *PresenceSet) Replace(ids []string, self string) {
	self = proto.NormalizeID(self)
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = proto.NormalizeID(id)
		if id == "" || id == self {
			continue
		}
		next[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = next
	t.notifyListeners(PresenceEvent{Type: "replace", Peers: t.idsLocked()})
}

// Clear empties the set.
func (t *PresenceSet) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.peers) == 0 {
		return
	}
	t.peers = map[string]struct{}{}
	t.notifyListeners(PresenceEvent{Type: "clear", Peers: []string{}})
}

func (t *PresenceSet) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[proto.NormalizeID(id)]
	return ok
}

// IDs returns the peers in sorted order.
func (t *PresenceSet) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idsLocked()
}

func (t *PresenceSet) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (t *PresenceSet) Subscribe() chan PresenceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PresenceEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PresenceSet) Unsubscribe(ch chan PresenceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PresenceSet) idsLocked() []string {
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *PresenceSet) notifyListeners(evt PresenceEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
