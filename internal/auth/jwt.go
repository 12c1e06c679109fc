package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/jrmatherly/nexus-sub002/internal"
)

// JWTAuthConfig configures signature, issuer, audience, and scope validation
// for JWTAuth. Empty ExpectedIssuer/ExpectedAudience skip those checks;
// empty ScopesSupported skips the scope-subset check entirely.
type JWTAuthConfig struct {
	ExpectedIssuer       string
	ExpectedAudience     string
	ScopesSupported      []string
	ResourceMetadataURL  string // advertised via WWW-Authenticate on failure
	ClientIDClaim        string // dotted claim path used as Identity.Subject/OrgID source; defaults to "sub"
	GroupClaim           string // dotted claim path used as Identity.Role source; empty = not used
}

// JWTAuth authenticates requests using bearer JWTs verified against a JWKS
// snapshot. It satisfies gateway.Authenticator, the same interface the
// legacy API-key authenticator satisfies, so the two can be chained.
type JWTAuth struct {
	jwks JWKSLookup
	cfg  JWTAuthConfig
}

// JWKSLookup is the subset of *JWKSCache that JWTAuth depends on, so tests
// can substitute a fixed key set without spinning up an HTTP server.
type JWKSLookup interface {
	Candidates(kid, alg string) []jwksKey
}

// NewJWTAuth returns a JWTAuth backed by the given JWKS lookup.
func NewJWTAuth(jwks JWKSLookup, cfg JWTAuthConfig) *JWTAuth {
	if cfg.ClientIDClaim == "" {
		cfg.ClientIDClaim = "sub"
	}
	return &JWTAuth{jwks: jwks, cfg: cfg}
}

// Authenticate extracts and verifies a bearer JWT, returning the synthesized
// Identity on success. Every rejection is wrapped in *gateway.AuthChallenge
// so the HTTP layer can emit WWW-Authenticate.
func (a *JWTAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, a.challenge(gateway.ErrUnauthorized)
	}

	// Parse header+claims without verifying signature, purely to learn kid/alg.
	// Claims are never trusted until a candidate key verifies the signature below.
	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, a.challenge(fmt.Errorf("%w: malformed token", gateway.ErrUnauthorized))
	}

	kid, _ := unverified.Header["kid"].(string)
	alg, _ := unverified.Header["alg"].(string)

	candidates := a.jwks.Candidates(kid, alg)
	if len(candidates) == 0 {
		return nil, a.challenge(fmt.Errorf("%w: no matching key", gateway.ErrUnauthorized))
	}

	var claims jwt.MapClaims
	var verified bool
	for _, cand := range candidates {
		token, err := jwt.ParseWithClaims(raw, jwt.MapClaims{}, func(*jwt.Token) (any, error) {
			return cand.key, nil
		}, jwt.WithValidMethods(algNamesFor(cand.key)))
		if err != nil || !token.Valid {
			continue
		}
		claims = token.Claims.(jwt.MapClaims)
		verified = true
		break
	}
	if !verified {
		return nil, a.challenge(fmt.Errorf("%w: signature verification failed", gateway.ErrUnauthorized))
	}

	if err := a.validateClaims(claims); err != nil {
		return nil, a.challenge(err)
	}

	return a.buildIdentity(claims), nil
}

// validateClaims checks exp/nbf/iss/aud/scope per the configured policy.
// exp/nbf checks happen even when unconfigured -- they are token-intrinsic,
// not deployment policy.
func (a *JWTAuth) validateClaims(claims jwt.MapClaims) error {
	now := time.Now()

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if now.After(exp.Time) {
			return fmt.Errorf("%w: token expired", gateway.ErrUnauthorized)
		}
	}
	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
		if now.Before(nbf.Time) {
			return fmt.Errorf("%w: token not yet valid", gateway.ErrUnauthorized)
		}
	}

	if a.cfg.ExpectedIssuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != a.cfg.ExpectedIssuer {
			return fmt.Errorf("%w: unexpected issuer", gateway.ErrUnauthorized)
		}
	}

	if a.cfg.ExpectedAudience != "" {
		aud, _ := claims.GetAudience()
		if !containsString(aud, a.cfg.ExpectedAudience) {
			return fmt.Errorf("%w: unexpected audience", gateway.ErrUnauthorized)
		}
	}

	if len(a.cfg.ScopesSupported) > 0 {
		scopes := tokenScopes(claims)
		if len(scopes) == 0 {
			return fmt.Errorf("%w: missing scope", gateway.ErrUnauthorized)
		}
		for _, s := range scopes {
			if !containsString(a.cfg.ScopesSupported, s) {
				return fmt.Errorf("%w: scope %q not permitted", gateway.ErrUnauthorized, s)
			}
		}
	}

	return nil
}

// tokenScopes reads the "scope" claim, which may be a space-delimited
// string (OAuth2 convention) or a JSON array.
func tokenScopes(claims jwt.MapClaims) []string {
	switch v := claims["scope"].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// buildIdentity synthesizes an Identity from validated claims. client_id
// becomes the subject/org key; an optional group claim becomes a pseudo-role
// so JWT and API-key identities flow through the same downstream checks.
func (a *JWTAuth) buildIdentity(claims jwt.MapClaims) *gateway.Identity {
	clientID := claimString(claims, a.cfg.ClientIDClaim)
	if clientID == "" {
		clientID, _ = claims.GetSubject()
	}

	role := "member"
	if a.cfg.GroupClaim != "" {
		if g := claimString(claims, a.cfg.GroupClaim); g != "" {
			role = g
		}
	}
	perms := gateway.RolePermissions[role]
	if perms == 0 {
		perms = gateway.PermUseModels
	}

	return &gateway.Identity{
		Subject:    clientID,
		OrgID:      clientID,
		Role:       role,
		Perms:      perms,
		AuthMethod: "jwt",
		Claims:     map[string]any(claims),
	}
}

func (a *JWTAuth) challenge(err error) error {
	return &gateway.AuthChallenge{Cause: err, ResourceMetadataURL: a.cfg.ResourceMetadataURL}
}

// claimString resolves a dotted claim path (e.g. "realm_access.roles") into
// a string value. Intermediate non-map values abort the walk and yield "".
func claimString(claims jwt.MapClaims, path string) string {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(claims)
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
	s, _ := cur.(string)
	return s
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// algNamesFor restricts jwt.ParseWithClaims to the signature family implied
// by the candidate key's concrete type, preventing algorithm-confusion
// attacks (e.g. presenting an RSA public key as an HMAC secret).
func algNamesFor(key any) []string {
	switch key.(type) {
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	case *ecdsa.PublicKey:
		return []string{"ES256", "ES384", "ES512"}
	case ed25519.PublicKey:
		return []string{"EdDSA"}
	case []byte:
		return []string{"HS256", "HS384", "HS512"}
	default:
		return nil
	}
}
