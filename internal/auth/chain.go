package auth

import (
	"context"
	"net/http"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// ChainAuth tries each Authenticator in order, returning the first success.
// Used when both JWT and legacy API-key auth are configured. cmd/nexusd/run.go
// puts APIKeyAuth first: it rejects a bearer token without the "nxk_" prefix
// before any store lookup, so JWT callers pay only a prefix check, and when
// both fail the returned error is the JWT authenticator's challenge.
type ChainAuth struct {
	authenticators []gateway.Authenticator
}

// NewChainAuth returns a ChainAuth trying each authenticator in order.
func NewChainAuth(authenticators ...gateway.Authenticator) *ChainAuth {
	return &ChainAuth{authenticators: authenticators}
}

// Authenticate returns the first successful result, or the last error if
// every authenticator rejects the request.
func (c *ChainAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	var lastErr error
	for _, a := range c.authenticators {
		id, err := a.Authenticate(ctx, r)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
