// Package state holds the per-login session context shared by the presence
// poller, the history fetcher and the connection manager. Each of them is
// handed the same *Session at construction; nothing in this package is a
// process-wide global.
package state

import (
	"sync"

	"github.com/petervdpas/goopchat/internal/chat"
	"github.com/petervdpas/goopchat/internal/proto"
)

// Session is the context of one logged-in session: who we are, who we are
// talking to, the message log and the presence set.
//
// Generation increases on every Reset and every peer selection. Code that
// starts slow work (HTTP fetches) captures it first and checks Current before
// applying the result, so a response that outlives its context is dropped.
type Session struct {
	mu          sync.RWMutex
	localUserID string
	peerID      string
	generation  uint64

	log      *chat.Log
	presence *PresenceSet
}

func NewSession(log *chat.Log, presence *PresenceSet) *Session {
	if presence == nil {
		presence = NewPresenceSet()
	}
	return &Session{log: log, presence: presence}
}

func (s *Session) Log() *chat.Log { return s.log }
func (s *Session) Presence() *PresenceSet { return s.presence }

func (s *Session) LocalUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localUserID
}

// SetLocalUser records the identity a connection is being opened for.
func (s *Session) SetLocalUser(id string) {
	s.mu.Lock()
	s.localUserID = proto.NormalizeID(id)
	s.mu.Unlock()
}

func (s *Session) PeerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerID
}

// SelectPeer sets the active conversation partner and returns the generation
// that work started for this selection must present to Current.
func (s *Session) SelectPeer(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerID = proto.NormalizeID(id)
	s.generation++
	return s.generation
}

func (s *Session) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Current reports whether gen is still the live generation and peerID is
// still the selected peer.
func (s *Session) Current(gen uint64, peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation == gen && s.peerID == proto.NormalizeID(peerID)
}

// IfCurrent runs fn if gen and peerID are still current, holding the session
// read lock so that a concurrent Reset or SelectPeer waits for fn to finish.
// It reports whether fn ran. fn must not call back into the Session.
func (s *Session) IfCurrent(gen uint64, peerID string, fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.generation != gen || s.peerID != proto.NormalizeID(peerID) {
		return false
	}
	fn()
	return true
}

// Snapshot returns the identifiers and generation in one consistent read.
func (s *Session) Snapshot() (localUserID, peerID string, gen uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localUserID, s.peerID, s.generation
}

// Reset tears the session down: identifiers, log and presence are cleared
// and in-flight work is invalidated.
func (s *Session) Reset() {
	s.mu.Lock()
	s.localUserID = ""
	s.peerID = ""
	s.generation++
	s.mu.Unlock()

	s.log.Reset()
	s.presence.Clear()
}
