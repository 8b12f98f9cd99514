package conn

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopchat/internal/chat"
	"github.com/petervdpas/goopchat/internal/credential"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/state"
)

type tokenSource struct {
	mu  sync.Mutex
	tok string
}

func (s *tokenSource) AccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, s.tok != ""
}

func (s *tokenSource) set(tok string) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

type countingPoller struct {
	starts, stops atomic.Int32
}

func (p *countingPoller) Start() { p.starts.Add(1) }
func (p *countingPoller) Stop() { p.stops.Add(1) }

type wsServer struct {
	*httptest.Server
	conns  chan *websocket.Conn
	tokens chan string
	dials  atomic.Int32
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:  make(chan *websocket.Conn, 8),
		tokens: make(chan string, 8),
	}
	up := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.tokens <- r.URL.Query().Get(proto.DefaultTokenParam)
		s.conns <- c
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" }

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	return nil
}

type fixture struct {
	m      *Manager
	sess   *state.Session
	creds  *tokenSource
	poller *countingPoller
	clock  *clock.Mock
	events chan Transition
}

func newFixture(t *testing.T, socketURL string) *fixture {
	t.Helper()
	mock := clock.NewMock()
	sess := state.NewSession(chat.NewLog(mock, 0), nil)
	f := &fixture{
		sess:   sess,
		creds:  &tokenSource{tok: "secret"},
		poller: &countingPoller{},
		clock:  mock,
	}
	f.m = New(sess, f.creds, nil, f.poller, Options{
		SocketURL:  socketURL,
		RetryDelay: 3 * time.Second,
		Clock:      mock,
	})
	f.events = f.m.Subscribe()
	t.Cleanup(f.m.Disconnect)
	return f
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr := <-f.events:
			if tr.To == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (now %s)", want, f.m.State())
		}
	}
}

func waitLog(t *testing.T, l *chat.Log, n int) []chat.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for l.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("log has %d entries, want %d", l.Len(), n)
		}
		time.Sleep(time.Millisecond)
	}
	return l.Snapshot()
}

func TestConnectOpensSocket(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv.url())

	if err := f.m.Connect(" 1 "); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, Connected)
	srv.accept(t)

	if tok := <-srv.tokens; tok != "secret" {
		t.Fatalf("token param %q", tok)
	}
	if f.sess.LocalUserID() != "1" {
		t.Fatalf("local user %q", f.sess.LocalUserID())
	}
	if f.poller.starts.Load() != 1 {
		t.Fatal("poller not started")
	}

	// Connecting again while connected does nothing.
	if err := f.m.Connect("1"); err != nil {
		t.Fatal(err)
	}
	if srv.dials.Load() != 1 {
		t.Fatalf("dialed %d times", srv.dials.Load())
	}
}

func TestConnectWithoutTokenFails(t *testing.T) {
	f := newFixture(t, "ws://127.0.0.1:1/ws")
	f.creds.set("")

	if err := f.m.Connect("1"); !errors.Is(err, credential.ErrAuthExpired) {
		t.Fatalf("got %v", err)
	}
	if f.m.State() != Disconnected {
		t.Fatalf("state %s", f.m.State())
	}
	if err := f.m.Connect(""); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("got %v", err)
	}
}

func TestIdentityRecordedWhenConnectStarts(t *testing.T) {
	f := newFixture(t, "ws://127.0.0.1:1/ws")

	if err := f.m.Connect("1"); err != nil {
		t.Fatal(err)
	}
	if f.sess.LocalUserID() != "1" {
		t.Fatalf("local user %q before the socket opened", f.sess.LocalUserID())
	}
}

func TestDisconnectWhileDisconnectedResetsSession(t *testing.T) {
	f := newFixture(t, "ws://127.0.0.1:1/ws")
	f.sess.SelectPeer("2")
	f.sess.Log().AppendSystem("1", "note")

	f.m.Disconnect()
	if _, selected, _ := f.sess.Snapshot(); selected != "" || f.sess.Log().Len() != 0 {
		t.Fatal("session not cleared")
	}
	if f.m.State() != Disconnected {
		t.Fatalf("state %s", f.m.State())
	}
}

func TestSendRequiresConnection(t *testing.T) {
	f := newFixture(t, "ws://127.0.0.1:1/ws")
	if _, err := f.m.Send("2", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v", err)
	}
	if f.sess.Log().Len() != 0 {
		t.Fatal("nothing should be queued")
	}
}

func TestSendAndEchoReconcile(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv.url())
	f.m.Connect("1")
	f.waitState(t, Connected)
	peer := srv.accept(t)

	msg, err := f.m.Send("2", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Provisional || !chat.IsTempID(msg.ID) {
		t.Fatalf("got %+v", msg)
	}

	var frame map[string]any
	if err := peer.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame["sender_id"] != "1" || frame["receiver_id"] != "2" || frame["content"] != "hello" || len(frame) != 3 {
		t.Fatalf("wire frame %v", frame)
	}

	// The service echoes with numeric ids.
	peer.WriteMessage(websocket.TextMessage, []byte(`{"id":77,"sender_id":1,"receiver_id":2,"content":"hello"}`))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := f.sess.Log().Get("77"); ok {
			if got.Provisional {
				t.Fatal("echo should be authoritative")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("echo never reconciled")
		}
		time.Sleep(time.Millisecond)
	}
	if f.sess.Log().Len() != 1 {
		t.Fatalf("log has %d entries, want 1", f.sess.Log().Len())
	}
}

func TestInboundFrames(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv.url())
	f.m.Connect("1")
	f.waitState(t, Connected)
	peer := srv.accept(t)

	peer.WriteMessage(websocket.TextMessage, []byte(`{"type":"delivery","id":5}`))
	peer.WriteMessage(websocket.TextMessage, []byte(`user 2 joined`))
	peer.WriteMessage(websocket.TextMessage, []byte(`{"id":"9","sender_id":"2","receiver_id":"1","content":"yo"}`))

	got := waitLog(t, f.sess.Log(), 2)
	if got[0].SenderID != chat.SystemSender || got[0].ReceiverID != "1" || got[0].Text != "user 2 joined" {
		t.Fatalf("system message %+v", got[0])
	}
	if got[1].ID != "9" || got[1].Text != "yo" {
		t.Fatalf("chat message %+v", got[1])
	}
}

func TestAbnormalCloseRetries(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv.url())
	f.m.Connect("1")
	f.waitState(t, Connected)
	first := srv.accept(t)

	// Drop without a close frame.
	first.UnderlyingConn().Close()
	f.waitState(t, Reconnecting)
	if srv.dials.Load() != 1 {
		t.Fatal("retry must wait for the backoff")
	}

	f.clock.Add(3 * time.Second)
	f.waitState(t, Connected)
	srv.accept(t)
	if srv.dials.Load() != 2 {
		t.Fatalf("dialed %d times", srv.dials.Load())
	}
	if f.sess.LocalUserID() != "1" {
		t.Fatal("retry must keep the identity")
	}

	var reasons []string
	for _, tr := range f.m.Transitions() {
		reasons = append(reasons, tr.To.String())
	}
	want := "connecting connected reconnecting connecting connected"
	if strings.Join(reasons, " ") != want {
		t.Fatalf("transitions %v", reasons)
	}
}

func TestDialFailureRetries(t *testing.T) {
	srv := newWSServer(t)
	dead := srv.url()
	srv.Close()

	f := newFixture(t, dead)
	f.m.Connect("1")
	f.waitState(t, Reconnecting)
}

func TestNormalCloseTearsDown(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv.url())
	f.m.Connect("1")
	f.waitState(t, Connected)
	peer := srv.accept(t)
	f.sess.SelectPeer("2")
	f.sess.Log().AppendProvisional("1", "2", "pending")

	peer.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	f.waitState(t, Disconnected)

	if f.poller.stops.Load() == 0 {
		t.Fatal("poller not stopped")
	}
	local, selected, _ := f.sess.Snapshot()
	if local != "" || selected != "" || f.sess.Log().Len() != 0 {
		t.Fatal("session not cleared")
	}
}

func TestCloseWithoutTokenTearsDown(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv.url())
	f.m.Connect("1")
	f.waitState(t, Connected)
	peer := srv.accept(t)

	f.creds.set("")
	peer.UnderlyingConn().Close()
	f.waitState(t, Disconnected)
}

func TestDisconnectCancelsRetry(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv.url())
	f.m.Connect("1")
	f.waitState(t, Connected)
	srv.accept(t).UnderlyingConn().Close()
	f.waitState(t, Reconnecting)

	f.m.Disconnect()
	f.waitState(t, Disconnected)
	f.m.Disconnect()

	f.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if srv.dials.Load() != 1 {
		t.Fatalf("retry fired after disconnect, %d dials", srv.dials.Load())
	}
	if f.m.State() != Disconnected {
		t.Fatalf("state %s", f.m.State())
	}
}

func TestDisconnectSendsNormalClose(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv.url())
	f.m.Connect("1")
	f.waitState(t, Connected)
	peer := srv.accept(t)

	f.m.Disconnect()
	_, _, err := peer.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("got %v", err)
	}
	if f.m.State() != Disconnected {
		t.Fatalf("state %s", f.m.State())
	}
}

func TestRetryResendsFailedMessage(t *testing.T) {
	srv := newWSServer(t)
	f := newFixture(t, srv.url())
	f.m.Connect("1")
	f.waitState(t, Connected)
	peer := srv.accept(t)

	msg, err := f.m.Send("2", "again")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.Retry(msg.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("pending message should not be retryable, got %v", err)
	}
	f.sess.Log().MarkFailed(msg.ID)

	next, err := f.m.Retry(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID == msg.ID || next.Failed {
		t.Fatalf("got %+v", next)
	}
	if _, ok := f.sess.Log().Get(msg.ID); ok {
		t.Fatal("failed entry should be replaced")
	}
	if f.sess.Log().Len() != 1 {
		t.Fatalf("log has %d entries", f.sess.Log().Len())
	}

	for i := 0; i < 2; i++ {
		var frame proto.OutboundFrame
		if err := peer.ReadJSON(&frame); err != nil {
			t.Fatal(err)
		}
		if frame.Content != "again" {
			t.Fatalf("frame %+v", frame)
		}
	}
}

func TestStateMarshalsAsText(t *testing.T) {
	b, err := json.Marshal(Transition{From: Connecting, To: Connected})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"to":"connected"`) {
		t.Fatalf("got %s", b)
	}
}
