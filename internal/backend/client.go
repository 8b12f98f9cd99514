// Package backend talks to the chat service's HTTP API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/credential"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("backend")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %s", e.Method, e.Path, e.Status)
}

type Client struct {
	BaseURL string

	auth credential.Requester
}

func NewClient(baseURL string, auth credential.Requester) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		auth:    auth,
	}
}

// getJSON performs an authenticated GET, drains the response body, and
// decodes JSON into v.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.auth.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode, Status: resp.Status}
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// OnlineUsers returns the peers the service currently reports as online.
func (c *Client) OnlineUsers(ctx context.Context) ([]proto.Peer, error) {
	var out []proto.Peer
	if err := c.getJSON(ctx, proto.OnlineUsersPath, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns the full conversation between the caller and peerID.
func (c *Client) Messages(ctx context.Context, peerID string) ([]proto.HistoryMessage, error) {
	q := url.Values{}
	q.Set(proto.MessagesPeerParam, proto.NormalizeID(peerID))

	var out []proto.HistoryMessage
	if err := c.getJSON(ctx, proto.MessagesPath, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a message through the HTTP path instead of the socket.
// The service echoes it on the socket like any other message.
func (c *Client) SendMessage(ctx context.Context, f proto.OutboundFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+proto.SendMessagePath, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.auth.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &StatusError{Method: http.MethodPost, Path: proto.SendMessagePath, Code: resp.StatusCode, Status: resp.Status}
	}
	log.Debugf("sent message to %s over http", f.ReceiverID)
	return nil
}
