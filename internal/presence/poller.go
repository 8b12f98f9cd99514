// Package presence keeps the session's presence set in line with the
// service's list of online users.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/state"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("presence")

// ErrFetchFailed wraps any failure to fetch the online list.
var ErrFetchFailed = errors.New("presence fetch failed")

const DefaultInterval = 5 * time.Second

// Source lists the users the service reports online.
type Source interface {
	OnlineUsers(ctx context.Context) ([]proto.Peer, error)
}

// Poller fetches the online list immediately on Start and then once per
// interval until Stop. Failures clear the presence set; they are logged and
// never returned.
type Poller struct {
	src      Source
	sess     *state.Session
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

func New(src Source, sess *state.Session, clk clock.Clock, interval time.Duration) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		src:      src,
		sess:     sess,
		clock:    clk,
		interval: interval,
		timeout:  util.DefaultFetchTimeout,
	}
}

// SetRequestTimeout bounds each fetch. Zero means no per-request bound.
func (p *Poller) SetRequestTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// Start replaces any running loop with a fresh one.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.gen++
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	ticker := p.clock.Ticker(p.interval)
	go p.loop(ctx, p.gen, ticker)
	log.Debugf("polling every %s", p.interval)
}

// Stop cancels the loop and any request in flight. It does not wait for the
// loop goroutine; a result it still produces is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.stopLocked()
	p.gen++
	log.Debugf("polling stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Poller) loop(ctx context.Context, gen uint64, ticker *clock.Ticker) {
	defer ticker.Stop()

	p.poll(ctx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, gen)
		}
	}
}

func (p *Poller) poll(ctx context.Context, gen uint64) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = p.clock.WithTimeout(ctx, timeout)
		defer cancel()
	}
	peers, err := p.src.OnlineUsers(reqCtx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || ctx.Err() != nil {
		log.Debugf("dropping stale presence result")
		return
	}

	presence := p.sess.Presence()
	if err != nil {
		log.Warnf("%v", fmt.Errorf("%w: %v", ErrFetchFailed, err))
		presence.Clear()
		return
	}

	ids := make([]string, 0, len(peers))
	for _, peer := range peers {
		ids = append(ids, peer.ID.String())
	}
	presence.Replace(ids, p.sess.LocalUserID())
}
