// Package credential supplies access tokens and authenticated HTTP requests
// to the session layer.
//
// The session only depends on the small interfaces declared here. Client is
// the implementation used by the CLI: it keeps tokens in a Store, refreshes
// them against the auth service when a request comes back 401, and tells
// subscribers when the session can no longer be authenticated.
package credential

import (
	"context"
	"errors"
	"net/http"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("credential")

// ErrAuthExpired means no valid access token is available and it could not
// be refreshed. The session must be treated as logged out.
var ErrAuthExpired = errors.New("access token expired or absent")

// TokenSource returns the current access token, if there is a valid one.
type TokenSource interface {
	AccessToken() (string, bool)
}

// Requester performs an HTTP request with the current credentials attached.
// Implementations retry once after refreshing on 401 and return
// ErrAuthExpired when the refresh fails.
type Requester interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider is the full credential collaborator consumed by the session.
type Provider interface {
	TokenSource
	Requester
}

// Refresher is implemented by providers that can renew an expired access
// token on demand.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Invalidator is implemented by providers that can report that the session
// was invalidated (refresh failed, tokens removed by another process).
type Invalidator interface {
	OnInvalidated(fn func())
}
