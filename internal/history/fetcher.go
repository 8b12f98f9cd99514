// Package history loads a conversation from the service and merges it into
// the session's message log.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/chat"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/state"
)

var log = logging.Logger("history")

// ErrFetchFailed wraps any failure to load a conversation.
var ErrFetchFailed = errors.New("history fetch failed")

// ErrStale is returned when the result arrived after the session moved on
// (peer changed, logout). The log was not touched.
var ErrStale = errors.New("history result is stale")

// Source returns the full conversation with a peer.
type Source interface {
	Messages(ctx context.Context, peerID string) ([]proto.HistoryMessage, error)
}

type Fetcher struct {
	src     Source
	sess    *state.Session
	clock   clock.Clock
	timeout time.Duration
}

func New(src Source, sess *state.Session, clk clock.Clock, timeout time.Duration) *Fetcher {
	if clk == nil {
		clk = clock.New()
	}
	return &Fetcher{src: src, sess: sess, clock: clk, timeout: timeout}
}

// Load fetches the conversation with peerID and replaces that conversation
// in the log. If the peer selection changes or the session is torn down
// while the request is in flight, the result is discarded and ErrStale
// returned.
func (f *Fetcher) Load(ctx context.Context, peerID string) error {
	peerID = proto.NormalizeID(peerID)
	local, selected, gen := f.sess.Snapshot()
	if local == "" || peerID == "" {
		return ErrStale
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = f.clock.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	raw, err := f.src.Messages(ctx, peerID)
	if err != nil {
		err = fmt.Errorf("%w: peer %s: %v", ErrFetchFailed, peerID, err)
		log.Warnf("%v", err)
		return err
	}

	now := f.clock.Now()
	msgs := make([]chat.Message, 0, len(raw))
	for _, h := range raw {
		ts := proto.ParseTimestamp(h.CreatedAt)
		if ts.IsZero() {
			ts = now
		}
		msgs = append(msgs, chat.Message{
			ID:         h.ID.String(),
			SenderID:   h.SenderID.String(),
			ReceiverID: h.ReceiverID.String(),
			Text:       h.Content,
			Timestamp:  ts,
		})
	}

	applied := f.sess.IfCurrent(gen, selected, func() {
		f.sess.Log().ReplaceConversation(local, peerID, msgs)
	})
	if !applied {
		log.Debugf("dropping stale history for %s", peerID)
		return ErrStale
	}
	log.Debugf("loaded %d messages with %s", len(msgs), peerID)
	return nil
}
