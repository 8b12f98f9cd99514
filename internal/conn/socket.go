package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopchat/internal/proto"
)

// Socket is the subset of *websocket.Conn the manager uses. Only the manager
// writes to or closes it, and only one goroutine reads from it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a socket to url. The context bounds the handshake only.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	c, resp, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, err
	}
	return c, nil
}

// closeCode maps a read error to the close code it represents. Anything that
// is not a close frame counts as an abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return proto.CloseAbnormal
}

func writeClose(sock Socket, deadline time.Time) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return sock.WriteControl(websocket.CloseMessage, msg, deadline)
}
