// Package clientid extracts and validates a caller's client identity and
// optional group membership, for use by the rate limiter's token scope.
package clientid

import (
	"context"
	"net/http"
	"strings"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// Source names where to read a field from: either a dotted JWT claim path
// (resolved against the Identity.Claims map attached by JWT auth) or an
// HTTP header. Exactly one of JWTClaim/HTTPHeader is expected to be set.
type Source struct {
	JWTClaim   string
	HTTPHeader string
}

// Config mirrors the original ClientIdentificationConfig: whether
// identification is enforced at all, where client_id and the optional group
// come from, and which group values are acceptable.
type Config struct {
	Enabled     bool
	ClientID    Source
	GroupID     *Source // nil = no group extraction/validation
	GroupValues []string // empty = any group value is accepted
}

// Identity is the extracted, validated client identity attached to the
// request context for the rate limiter to key on.
type Identity struct {
	ClientID string
	Group    string
}

type contextKey int

const ctxKeyIdentity contextKey = 0

// FromContext returns the clientid.Identity stored in ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*Identity)
	return id
}

// ContextWithIdentity returns a context carrying the given client identity.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// Extract reads client_id (and, if configured, group) per cfg's sources and
// validates the group against cfg.GroupValues. Returns (nil, nil) when
// disabled. Returns gateway.ErrMissingIdentification when client_id can't be
// read, or gateway.ErrUnauthorizedGroup when the group isn't in the allowed
// set -- both intentionally map to 400 at the HTTP layer, not 401/403,
// matching this deployment's policy for request-shape problems.
func Extract(r *http.Request, cfg Config) (*Identity, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	identity := gateway.IdentityFromContext(r.Context())

	clientID := read(r, identity, cfg.ClientID)
	if clientID == "" {
		return nil, gateway.ErrMissingIdentification
	}

	result := &Identity{ClientID: clientID}

	if cfg.GroupID != nil {
		group := read(r, identity, *cfg.GroupID)
		if group != "" {
			if len(cfg.GroupValues) > 0 && !containsString(cfg.GroupValues, group) {
				return nil, gateway.ErrUnauthorizedGroup
			}
			result.Group = group
		}
	}

	return result, nil
}

// read resolves one Source against either the HTTP header or the JWT
// claims. "sub" returns Identity.Subject, the value JWT auth already took
// from its configured client-ID claim; every other claim, "iss" and "aud"
// included, is a dotted lookup into the raw claims map.
func read(r *http.Request, identity *gateway.Identity, src Source) string {
	if src.HTTPHeader != "" {
		return r.Header.Get(src.HTTPHeader)
	}
	if src.JWTClaim == "" || identity == nil {
		return ""
	}
	switch src.JWTClaim {
	case "sub":
		return identity.Subject
	case "iss", "aud":
		return claimPath(identity.Claims, src.JWTClaim)
	default:
		return claimPath(identity.Claims, src.JWTClaim)
	}
}

// claimPath resolves a dotted path into a nested claims map, e.g.
// "realm_access.roles" -> claims["realm_access"]["roles"].
func claimPath(claims map[string]any, path string) string {
	if claims == nil {
		return ""
	}
	parts := strings.Split(path, ".")
	var cur any = claims
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[p]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	default:
		return ""
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
