// Package conn owns the session's socket: it opens it, reconnects after
// abnormal closures, routes inbound frames into the message log and writes
// outbound messages.
//
// Every connection attempt carries an epoch. Dial results, reader frames,
// closures and retry timers belonging to a superseded epoch are discarded,
// so a late callback can never act on a newer connection.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/chat"
	"github.com/petervdpas/goopchat/internal/credential"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/state"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("conn")

var (
	// ErrNotConnected is returned by Send when the socket is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost wraps the reason of an abnormal closure.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoIdentity is returned by Connect for an empty user id.
	ErrNoIdentity = errors.New("local user id required")

	// ErrNotRetryable is returned by Retry for entries that are not failed
	// provisional messages.
	ErrNotRetryable = errors.New("message is not a failed send")
)

const (
	DefaultRetryDelay   = 3 * time.Second
	DefaultWriteTimeout = util.ShortTimeout

	transitionHistory = 64
)

// Poller is started when the socket opens and stopped on teardown.
type Poller interface {
	Start()
	Stop()
}

type Options struct {
	SocketURL  string
	TokenParam string

	RetryDelay   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Clock clock.Clock
}

type Manager struct {
	sess   *state.Session
	creds  credential.TokenSource
	dialer Dialer
	poller Poller
	clock  clock.Clock

	socketURL    string
	tokenParam   string
	retryDelay   time.Duration
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu         sync.Mutex
	st         State
	userID     string
	epoch      uint64
	sock       Socket
	cancelDial context.CancelFunc
	retry      *clock.Timer
	listeners  []chan Transition

	transitions *util.History[Transition]
}

func New(sess *state.Session, creds credential.TokenSource, dialer Dialer, poller Poller, opts Options) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TokenParam == "" {
		opts.TokenParam = proto.DefaultTokenParam
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = util.DefaultConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Manager{
		sess:         sess,
		creds:        creds,
		dialer:       dialer,
		poller:       poller,
		clock:        opts.Clock,
		socketURL:    util.NormalizeURL(opts.SocketURL),
		tokenParam:   opts.TokenParam,
		retryDelay:   opts.RetryDelay,
		dialTimeout:  opts.DialTimeout,
		writeTimeout: opts.WriteTimeout,
		transitions:  util.NewHistory[Transition](transitionHistory),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Transitions returns the most recent state changes, oldest first.
func (m *Manager) Transitions() []Transition {
	return m.transitions.Items()
}

// LastTransition returns the newest state change, if any.
func (m *Manager) LastTransition() (Transition, bool) {
	return m.transitions.Last()
}

// Connect opens the socket for userID. It is a no-op while a connection is
// open, being opened, or waiting to be retried. Without a valid access token
// it returns credential.ErrAuthExpired and the state is unchanged.
func (m *Manager) Connect(userID string) error {
	userID = proto.NormalizeID(userID)
	if userID == "" {
		return ErrNoIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.st {
	case Connecting, Connected, Reconnecting:
		log.Debugf("connect ignored in state %s", m.st)
		return nil
	}
	prev := m.userID
	m.userID = userID
	if err := m.beginLocked("connect"); err != nil {
		m.userID = prev
		return err
	}
	return nil
}

// Disconnect closes the connection normally and clears all session state,
// including a peer selected while no connection was open. It is safe to call
// in any state and more than once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked("disconnect")
}

// Send records a provisional message to receiverID and writes it to the
// socket. A write failure marks the provisional entry failed.
func (m *Manager) Send(receiverID, text string) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendLocked(proto.NormalizeID(receiverID), text)
}

// Retry resends a provisional message that failed. The failed entry is
// replaced by a fresh provisional one at the end of the log.
func (m *Manager) Retry(id string) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st != Connected || m.sock == nil {
		return chat.Message{}, ErrNotConnected
	}
	msgs := m.sess.Log()
	old, ok := msgs.Get(id)
	if !ok || !old.Provisional || !old.Failed {
		return chat.Message{}, ErrNotRetryable
	}
	msgs.Remove(id)
	return m.sendLocked(old.ReceiverID, old.Text)
}

func (m *Manager) sendLocked(receiverID, text string) (chat.Message, error) {
	if m.st != Connected || m.sock == nil {
		return chat.Message{}, ErrNotConnected
	}

	local := m.sess.LocalUserID()
	msg := m.sess.Log().AppendProvisional(local, receiverID, text)

	_ = m.sock.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	err := m.sock.WriteJSON(proto.OutboundFrame{
		SenderID:   local,
		ReceiverID: receiverID,
		Content:    text,
	})
	if err != nil {
		m.sess.Log().MarkFailed(msg.ID)
		log.Warnf("write to socket: %v", err)
		msg.Failed = true
		return msg, fmt.Errorf("send: %w", err)
	}
	return msg, nil
}

// Subscribe returns a channel that receives every state transition.
func (m *Manager) Subscribe() chan Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Transition, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Manager) Unsubscribe(ch chan Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// beginLocked starts a fresh connection attempt for m.userID.
func (m *Manager) beginLocked(reason string) error {
	tok, ok := m.creds.AccessToken()
	if !ok {
		return credential.ErrAuthExpired
	}
	url, err := util.WithQuery(m.socketURL, m.tokenParam, tok)
	if err != nil {
		return fmt.Errorf("socket url: %w", err)
	}

	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	m.cancelDial = cancel
	// The identity is known before the socket opens so history and presence
	// requests made while connecting can run.
	m.sess.SetLocalUser(m.userID)
	m.setStateLocked(Connecting, reason)

	go m.dial(ctx, epoch, url)
	return nil
}

func (m *Manager) dial(ctx context.Context, epoch uint64, url string) {
	sock, err := m.dialer.Dial(ctx, url)

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		if sock != nil {
			sock.Close()
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.handleClosedLocked(proto.CloseAbnormal, fmt.Errorf("dial: %w", err))
		return
	}

	m.sock = sock
	m.setStateLocked(Connected, "open")
	log.Infow("socket open", "user", m.userID)
	if m.poller != nil {
		m.poller.Start()
	}
	go m.readLoop(epoch, sock)
}

func (m *Manager) readLoop(epoch uint64, sock Socket) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.closed(epoch, closeCode(err), err)
			return
		}
		m.handleFrame(epoch, data)
	}
}

func (m *Manager) handleFrame(epoch uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.st != Connected {
		return
	}

	msgs := m.sess.Log()
	local := m.sess.LocalUserID()

	f, err := proto.ParseInbound(data)
	if err != nil {
		msgs.AppendSystem(local, string(data))
		return
	}
	switch {
	case f.IsDelivery():
		log.Debugf("delivery ack for %s", f.ID)
	case f.Type != "":
		log.Debugf("ignoring %q frame", f.Type)
	case f.SenderID == "" && f.ReceiverID == "":
		// Valid JSON that is not a chat message.
		msgs.AppendSystem(local, string(data))
	default:
		msgs.Apply(chat.Message{
			ID:         f.ID.String(),
			SenderID:   f.SenderID.String(),
			ReceiverID: f.ReceiverID.String(),
			Text:       f.Content,
			Timestamp:  proto.ParseTimestamp(f.CreatedAt),
		})
	}
}

func (m *Manager) closed(epoch uint64, code int, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	if m.sock != nil {
		m.sock.Close()
		m.sock = nil
	}
	m.handleClosedLocked(code, cause)
}

// handleClosedLocked decides between teardown and retry after the socket
// closed or the dial failed.
func (m *Manager) handleClosedLocked(code int, cause error) {
	if code == proto.CloseNormal {
		log.Infof("socket closed normally")
		m.teardownLocked("closed")
		return
	}
	if _, ok := m.creds.AccessToken(); !ok {
		log.Infof("socket closed (code %d) and no access token, not retrying", code)
		m.teardownLocked("token lost")
		return
	}

	lost := fmt.Errorf("%w: code %d: %v", ErrConnectionLost, code, cause)
	log.Warnf("%v, retrying in %s", lost, m.retryDelay)

	epoch := m.epoch
	if m.retry != nil {
		m.retry.Stop()
	}
	m.retry = m.clock.AfterFunc(m.retryDelay, func() { m.retryFire(epoch) })
	m.setStateLocked(Reconnecting, fmt.Sprintf("closed %d", code))
}

func (m *Manager) retryFire(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.st != Reconnecting {
		return
	}
	m.retry = nil
	if err := m.beginLocked("retry"); err != nil {
		log.Warnf("retry aborted: %v", err)
		m.teardownLocked("token lost")
	}
}

// teardownLocked cancels all pending work, closes the socket with a normal
// close frame and clears the session.
func (m *Manager) teardownLocked(reason string) {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.epoch++

	if m.sock != nil {
		m.setStateLocked(Closing, reason)
		if err := writeClose(m.sock, time.Now().Add(m.writeTimeout)); err != nil {
			log.Debugf("write close frame: %v", err)
		}
		m.sock.Close()
		m.sock = nil
	}
	if m.poller != nil {
		m.poller.Stop()
	}
	m.sess.Reset()
	m.userID = ""
	m.setStateLocked(Disconnected, reason)
}

func (m *Manager) setStateLocked(next State, reason string) {
	if m.st == next {
		return
	}
	t := Transition{From: m.st, To: next, Reason: reason, At: m.clock.Now()}
	m.st = next
	m.transitions.Append(t)
	log.Debugw("state", "from", t.From.String(), "to", t.To.String(), "reason", reason)

	for _, ch := range m.listeners {
		select {
		case ch <- t:
		default:
		}
	}
}
