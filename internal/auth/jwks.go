package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// jwksKey is one verification key extracted from a JWKS document, reduced to
// the concrete crypto type golang-jwt needs plus the metadata used to
// shortlist candidates for a given token.
type jwksKey struct {
	kid string
	alg string // declared "alg" on the JWK, if present; "" when absent
	key any    // *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey, or []byte (HMAC, rare over JWKS)
}

// jwks is an immutable snapshot of a JSON Web Key Set, safe to share across
// goroutines via atomic.Pointer.
type jwks struct {
	keys []jwksKey
}

// candidates returns the keys eligible to verify a token with the given kid
// (exact match when present) and alg (exact match when kid is absent; a key
// with no declared alg matches any alg).
func (j *jwks) candidates(kid, alg string) []jwksKey {
	if j == nil {
		return nil
	}
	if kid != "" {
		var out []jwksKey
		for _, k := range j.keys {
			if k.kid == kid {
				out = append(out, k)
			}
		}
		return out
	}
	var out []jwksKey
	for _, k := range j.keys {
		if k.alg == "" || algFamilyMatches(k.alg, alg) {
			out = append(out, k)
		}
	}
	return out
}

// algFamilyMatches reports whether a JWK's declared alg may verify a token
// signed with tokenAlg. It requires an exact match (RS256 does not match
// RS384); JWKS documents often omit "alg" on keys that serve several
// algorithms, which the caller handles by treating an empty k.alg as "any".
func algFamilyMatches(jwkAlg, tokenAlg string) bool {
	return jwkAlg == tokenAlg
}

// JWKSCache holds a background-refreshing snapshot of a remote JWKS
// document. Reads are lock-free via atomic.Pointer; a single background
// goroutine performs the periodic refresh, mirroring the periodic-eviction
// goroutine idiom already used for rate limiter cleanup in cmd/nexusd/run.go.
type JWKSCache struct {
	url    string
	http   *http.Client
	snap   atomic.Pointer[jwks]
	mu     sync.Mutex // serializes concurrent refresh attempts
	cancel context.CancelFunc
}

// NewJWKSCache creates a cache for the JWKS document at url. It performs an
// initial synchronous fetch so the first request after startup has keys to
// check against, then starts a background goroutine that refreshes every
// pollInterval until Close is called.
func NewJWKSCache(ctx context.Context, url string, pollInterval time.Duration, client *http.Client) (*JWKSCache, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	c := &JWKSCache{url: url, http: client}

	if err := c.refresh(ctx); err != nil {
		return nil, fmt.Errorf("jwks: initial fetch: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx, pollInterval)

	return c, nil
}

func (c *JWKSCache) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := c.refresh(fetchCtx); err != nil {
				slog.Warn("jwks refresh failed, keeping previous snapshot", "url", c.url, "error", err)
			}
			cancel()
		}
	}
}

// refresh fetches and parses the JWKS document, swapping the snapshot on
// success. A single in-flight refresh is enforced by mu so concurrent
// callers (initial fetch racing the first tick) don't double-fetch.
func (c *JWKSCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, err := jwk.Fetch(ctx, c.url, jwk.WithHTTPClient(c.http))
	if err != nil {
		return err
	}

	keys := make([]jwksKey, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok {
			continue
		}
		var raw any
		if err := k.Raw(&raw); err != nil {
			slog.Warn("jwks: skipping key with unreadable raw material", "kid", k.KeyID(), "error", err)
			continue
		}
		switch raw.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey, []byte:
		default:
			continue
		}
		keys = append(keys, jwksKey{kid: k.KeyID(), alg: k.Algorithm().String(), key: raw})
	}

	c.snap.Store(&jwks{keys: keys})
	return nil
}

// Close stops the background refresh goroutine.
func (c *JWKSCache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Candidates returns the verification keys eligible for a token with the
// given kid/alg, read lock-free from the current snapshot.
func (c *JWKSCache) Candidates(kid, alg string) []jwksKey {
	return c.snap.Load().candidates(kid, alg)
}
