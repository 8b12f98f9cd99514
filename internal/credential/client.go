package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/petervdpas/goopchat/internal/util"
)

const (
	loginPath    = "/auth/login"
	registerPath = "/auth/register"
	refreshPath  = "/auth/refresh"
	logoutPath   = "/auth/logout"
	mePath       = "/auth/me"
)

// Client is a Provider backed by the auth service. Tokens live in a Store;
// the in-memory copy is authoritative for the running process.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	store Store
	clock clock.Clock

	// refreshMu serializes refreshes so concurrent 401s renew only once.
	refreshMu sync.Mutex

	mu     sync.Mutex
	tokens Tokens
	hooks  []func()
}

// NewClient loads the current tokens from store. A nil clock means the wall
// clock.
func NewClient(baseURL string, store Store, clk clock.Clock) (*Client, error) {
	if store == nil {
		store = NewMemoryStore(Tokens{})
	}
	if clk == nil {
		clk = clock.New()
	}
	t, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP:    &http.Client{Timeout: util.DefaultConnectTimeout},
		store:   store,
		clock:   clk,
		tokens:  t,
	}, nil
}

// AccessToken returns the access token if there is one and, for JWTs, its
// exp claim has not passed. Opaque tokens are accepted as-is.
func (c *Client) AccessToken() (string, bool) {
	c.mu.Lock()
	tok := c.tokens.AccessToken
	c.mu.Unlock()
	if tok == "" {
		return "", false
	}
	if c.expired(tok) {
		return "", false
	}
	return tok, true
}

func (c *Client) expired(tok string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !c.clock.Now().Before(exp.Time)
}

// Tokens returns a copy of the current tokens.
func (c *Client) Tokens() Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tokens
	if t.User != nil {
		u := *t.User
		t.User = &u
	}
	return t
}

// UserID returns the id of the logged-in user, or "".
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.UserID()
}

// OnInvalidated registers fn to run when the tokens are dropped because a
// refresh failed, Logout was called, or the store was emptied externally.
// Hooks run synchronously on the goroutine that noticed.
func (c *Client) OnInvalidated(fn func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Adopt replaces the in-memory tokens with t, typically after the token file
// was rewritten by another process. Adopting empty tokens while logged in
// invalidates the session.
func (c *Client) Adopt(t Tokens) {
	c.mu.Lock()
	had := !c.tokens.Empty()
	c.tokens = t
	c.mu.Unlock()

	if had && t.Empty() {
		log.Infof("tokens removed externally")
		c.fireInvalidated()
	}
}

// Do sends req with the bearer token attached. A 401 triggers one refresh
// and one retry. If no usable token remains the result is ErrAuthExpired.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	tok, ok := c.AccessToken()
	if !ok {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		if tok, ok = c.AccessToken(); !ok {
			return nil, ErrAuthExpired
		}
	}

	resp, err := c.HTTP.Do(withBearer(req, tok))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		// Body already consumed and cannot be replayed.
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	log.Debugf("401 from %s, refreshing", req.URL.Path)
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	if tok, ok = c.AccessToken(); !ok {
		return nil, ErrAuthExpired
	}

	retry := withBearer(req, tok)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return c.HTTP.Do(retry)
}

func withBearer(req *http.Request, tok string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+tok)
	if r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}
	return r
}

// Refresh exchanges the refresh token for a new pair. When the refresh fails,
// whether rejected or lost in transport, the tokens are cleared, the
// invalidation hooks fire and the error wraps ErrAuthExpired. A refresh
// abandoned because ctx was canceled leaves the tokens alone.
func (c *Client) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	refresh := c.tokens.RefreshToken
	c.mu.Unlock()

	if refresh == "" {
		c.invalidate()
		return ErrAuthExpired
	}

	var out Tokens
	status, err := c.postJSON(ctx, refreshPath, map[string]string{"refresh_token": refresh}, &out)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("refresh: %w", err)
		}
		c.invalidate()
		return fmt.Errorf("%w: refresh: %v", ErrAuthExpired, err)
	}
	if status/100 != 2 || out.AccessToken == "" {
		c.invalidate()
		return fmt.Errorf("%w: refresh status %d", ErrAuthExpired, status)
	}

	c.mu.Lock()
	next := c.tokens
	next.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		next.RefreshToken = out.RefreshToken
	}
	if out.User != nil {
		next.User = out.User
	}
	c.tokens = next
	c.mu.Unlock()

	if err := c.store.Save(next); err != nil {
		log.Warnf("save refreshed tokens: %v", err)
	}
	log.Debugf("access token refreshed")
	return nil
}

// Login authenticates with email and password and stores the result.
func (c *Client) Login(ctx context.Context, email, password string) (Tokens, error) {
	return c.authenticate(ctx, "login", loginPath, map[string]string{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and stores the tokens the server issues for it.
func (c *Client) Register(ctx context.Context, email, password, name string) (Tokens, error) {
	return c.authenticate(ctx, "register", registerPath, map[string]string{
		"email":    email,
		"password": password,
		"name":     name,
	})
}

func (c *Client) authenticate(ctx context.Context, op, path string, body map[string]string) (Tokens, error) {
	var out struct {
		Tokens
		Error  string   `json:"error"`
		Errors []string `json:"errors"`
	}
	status, err := c.postJSON(ctx, path, body, &out)
	if err != nil {
		return Tokens{}, fmt.Errorf("%s: %w", op, err)
	}
	if status/100 != 2 || out.AccessToken == "" {
		msg := strings.TrimSpace(out.Error)
		if len(out.Errors) > 0 {
			msg = strings.Join(out.Errors, ", ")
		}
		if msg == "" {
			msg = op + " failed"
		}
		return Tokens{}, fmt.Errorf("%s: %s (status %d)", op, msg, status)
	}

	c.mu.Lock()
	c.tokens = out.Tokens
	c.mu.Unlock()
	if err := c.store.Save(out.Tokens); err != nil {
		return out.Tokens, fmt.Errorf("save tokens: %w", err)
	}
	log.Infof("%s ok for user %s", op, out.Tokens.UserID())
	return out.Tokens, nil
}

// Logout revokes the refresh token (best effort) and forgets the tokens.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.tokens.RefreshToken
	c.mu.Unlock()

	if refresh != "" {
		if _, err := c.postJSON(ctx, logoutPath, map[string]string{"refresh_token": refresh}, nil); err != nil {
			log.Warnf("logout request: %v", err)
		}
	}
	c.invalidate()
	return nil
}

// CurrentUser fetches the logged-in user from the auth service and records
// it alongside the tokens.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+mePath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: status %s", mePath, resp.Status)
	}

	var out struct {
		User *User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, errors.New("auth service returned no user")
	}

	c.mu.Lock()
	c.tokens.User = out.User
	t := c.tokens
	c.mu.Unlock()
	if err := c.store.Save(t); err != nil {
		log.Warnf("save user: %v", err)
	}
	u := *out.User
	return &u, nil
}

// postJSON posts body unauthenticated and decodes the response into v when
// v is non-nil. Non-2xx responses are not errors; the status is returned.
func (c *Client) postJSON(ctx context.Context, path string, body any, v any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if v != nil {
		// Error bodies are decoded too so callers can surface the message.
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil && resp.StatusCode/100 == 2 {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	had := !c.tokens.Empty() || c.tokens.RefreshToken != ""
	c.tokens = Tokens{}
	c.mu.Unlock()

	if err := c.store.Clear(); err != nil {
		log.Warnf("clear tokens: %v", err)
	}
	if had {
		c.fireInvalidated()
	}
}

func (c *Client) fireInvalidated() {
	c.mu.Lock()
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
