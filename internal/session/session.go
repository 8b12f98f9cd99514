// Package session composes the connection manager, presence poller, history
// fetcher and message log into the single object a user interface drives.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/chat"
	"github.com/petervdpas/goopchat/internal/conn"
	"github.com/petervdpas/goopchat/internal/credential"
	"github.com/petervdpas/goopchat/internal/history"
	"github.com/petervdpas/goopchat/internal/presence"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/state"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("session")

var (
	ErrNoRecipientSelected = errors.New("no recipient selected")
	ErrClosed              = errors.New("session closed")

	ErrNotConnected        = conn.ErrNotConnected
	ErrConnectionLost      = conn.ErrConnectionLost
	ErrNotRetryable        = conn.ErrNotRetryable
	ErrAuthExpired         = credential.ErrAuthExpired
	ErrPresenceFetchFailed = presence.ErrFetchFailed
	ErrHistoryFetchFailed  = history.ErrFetchFailed
)

// Backend is the HTTP API the session polls and fetches from.
type Backend interface {
	presence.Source
	history.Source
	SendMessage(ctx context.Context, f proto.OutboundFrame) error
}

type Options struct {
	SocketURL  string
	TokenParam string

	RetryDelay         time.Duration
	PresenceInterval   time.Duration
	RequestTimeout     time.Duration
	ProvisionalTimeout time.Duration
	DialTimeout        time.Duration

	Dialer conn.Dialer
	Clock  clock.Clock
}

type Session struct {
	creds   credential.Provider
	api     Backend
	clock   clock.Clock
	timeout time.Duration

	state   *state.Session
	conn    *conn.Manager
	poller  *presence.Poller
	history *history.Fetcher

	mu         sync.Mutex
	loadCancel context.CancelFunc
	closed     bool
}

func New(creds credential.Provider, api Backend, opts Options) *Session {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = util.DefaultConnectTimeout
	}

	st := state.NewSession(chat.NewLog(clk, opts.ProvisionalTimeout), state.NewPresenceSet())
	poller := presence.New(api, st, clk, opts.PresenceInterval)
	poller.SetRequestTimeout(timeout)

	s := &Session{
		creds:   creds,
		api:     api,
		clock:   clk,
		timeout: timeout,
		state:   st,
		poller:  poller,
		history: history.New(api, st, clk, timeout),
		conn: conn.New(st, creds, opts.Dialer, poller, conn.Options{
			SocketURL:   opts.SocketURL,
			TokenParam:  opts.TokenParam,
			RetryDelay:  opts.RetryDelay,
			DialTimeout: opts.DialTimeout,
			Clock:       clk,
		}),
	}

	if inv, ok := creds.(credential.Invalidator); ok {
		inv.OnInvalidated(func() {
			log.Infof("credentials invalidated, disconnecting")
			s.Disconnect()
		})
	}
	return s
}

// Connect opens the connection for userID. If there is no valid access token
// and the provider can refresh, one refresh is attempted first. A peer
// selected before the connection started gets its history loaded.
func (s *Session) Connect(userID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if _, ok := s.creds.AccessToken(); !ok {
		if r, ok := s.creds.(credential.Refresher); ok {
			ctx, cancel := s.clock.WithTimeout(context.Background(), s.timeout)
			err := r.Refresh(ctx)
			cancel()
			if err != nil {
				log.Warnf("refresh before connect: %v", err)
			}
		}
	}
	idle := s.conn.State() == conn.Disconnected
	if err := s.conn.Connect(userID); err != nil {
		return err
	}
	if peer := s.state.PeerID(); idle && peer != "" {
		s.loadInBackground(peer)
	}
	return nil
}

// Disconnect closes the connection and clears the session. Safe to call in
// any state.
func (s *Session) Disconnect() {
	s.cancelLoad()
	s.conn.Disconnect()
}

// SelectPeer makes peerID the active conversation and loads its history in
// the background. An empty id clears the selection.
func (s *Session) SelectPeer(peerID string) {
	peerID = proto.NormalizeID(peerID)
	s.state.SelectPeer(peerID)
	if peerID == "" {
		s.cancelLoad()
		return
	}
	s.loadInBackground(peerID)
}

// loadInBackground replaces any running history load with one for peerID.
func (s *Session) loadInBackground(peerID string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.loadCancel != nil {
		s.loadCancel()
	}
	s.loadCancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		err := s.history.Load(ctx, peerID)
		switch {
		case err == nil:
		case errors.Is(err, history.ErrStale), errors.Is(err, context.Canceled):
			log.Debugf("history for %s abandoned: %v", peerID, err)
		default:
			log.Warnf("history for %s: %v", peerID, err)
		}
	}()
}

// LoadHistory fetches the conversation with peerID and merges it into the
// log, waiting for the result.
func (s *Session) LoadHistory(ctx context.Context, peerID string) error {
	return s.history.Load(ctx, peerID)
}

// Send sends text to the selected peer over the socket.
func (s *Session) Send(text string) (chat.Message, error) {
	peer := s.state.PeerID()
	if peer == "" {
		return chat.Message{}, ErrNoRecipientSelected
	}
	return s.conn.Send(peer, text)
}

// SendHTTP sends text to the selected peer through POST /send_message. The
// message is recorded as provisional and reconciled by the socket echo.
func (s *Session) SendHTTP(ctx context.Context, text string) (chat.Message, error) {
	peer := s.state.PeerID()
	if peer == "" {
		return chat.Message{}, ErrNoRecipientSelected
	}
	local := s.state.LocalUserID()
	if local == "" || s.conn.State() != conn.Connected {
		return chat.Message{}, ErrNotConnected
	}

	msg := s.state.Log().AppendProvisional(local, peer, text)
	err := s.api.SendMessage(ctx, proto.OutboundFrame{
		SenderID:   local,
		ReceiverID: peer,
		Content:    text,
	})
	if err != nil {
		s.state.Log().MarkFailed(msg.ID)
		msg.Failed = true
		return msg, fmt.Errorf("send over http: %w", err)
	}
	return msg, nil
}

// Retry resends a failed provisional message.
func (s *Session) Retry(id string) (chat.Message, error) {
	return s.conn.Retry(strings.TrimSpace(id))
}

// Close disconnects and releases subscribers. The session cannot be reused.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Disconnect()
	s.state.Log().Close()
}

func (s *Session) State() conn.State { return s.conn.State() }
func (s *Session) Transitions() []conn.Transition { return s.conn.Transitions() }
func (s *Session) LastTransition() (conn.Transition, bool) { return s.conn.LastTransition() }
func (s *Session) Messages() []chat.Message { return s.state.Log().Snapshot() }
func (s *Session) OnlinePeers() []string { return s.state.Presence().IDs() }
func (s *Session) PeerID() string { return s.state.PeerID() }
func (s *Session) LocalUserID() string { return s.state.LocalUserID() }
func (s *Session) IsOnline(peerID string) bool { return s.state.Presence().Contains(peerID) }
func (s *Session) Message(id string) (chat.Message, bool) { return s.state.Log().Get(id) }

// Conversation returns the messages exchanged with the selected peer.
func (s *Session) Conversation() []chat.Message {
	local, peer, _ := s.state.Snapshot()
	if local == "" || peer == "" {
		return nil
	}
	return s.state.Log().Conversation(local, peer)
}

func (s *Session) SubscribeMessages() (chan chat.Event, func()) {
	return s.state.Log().Subscribe()
}

func (s *Session) SubscribePresence() chan state.PresenceEvent {
	return s.state.Presence().Subscribe()
}

func (s *Session) UnsubscribePresence(ch chan state.PresenceEvent) {
	s.state.Presence().Unsubscribe(ch)
}

func (s *Session) SubscribeState() chan conn.Transition { return s.conn.Subscribe() }

func (s *Session) UnsubscribeState(ch chan conn.Transition) { s.conn.Unsubscribe(ch) }

func (s *Session) cancelLoad() {
	s.mu.Lock()
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
