package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/maypok86/otter/v2"
	"github.com/rs/dnscache"

	"github.com/jrmatherly/nexus-sub002/internal/config"
)

// CachedDownstream bundles a token-scoped Downstream with its search index
// (already held by the Downstream itself) so both share the cache entry's
// lifetime -- rebuilding one without the other would leave them
// inconsistent if the downstream tool set changed between requests.
type CachedDownstream struct {
	Downstream *Downstream
}

// DownstreamCache lazily builds and caches one Downstream per bearer token,
// for MCP servers whose Headers require per-caller credentials
// (ForwardToken). Cache keys are the SHA-256 hash of the token, never the
// token itself, exactly as gateway.HashKey already hashes API keys.
// Concurrent misses on the same key serialize behind a single mutex guarding
// only the miss path -- hits never take the lock -- mirroring
// internal/auth.APIKeyAuth's store-fallback shape.
type DownstreamCache struct {
	cache    *otter.Cache[string, *CachedDownstream]
	entries  []config.MCPServerEntry
	resolver *dnscache.Resolver
	missMu   sync.Mutex
}

// NewDownstreamCache creates a token-scoped cache for the given MCP server
// entries, bounded by cfg (max entries, idle eviction).
func NewDownstreamCache(entries []config.MCPServerEntry, cfg config.DownstreamCacheConfig, resolver *dnscache.Resolver) (*DownstreamCache, error) {
	// ExpiryWriting is the same calculator internal/cache.Memory uses for its
	// response cache; otter/v2 doesn't distinguish idle-timeout from
	// fixed-TTL expiry at the calculator level; a miss after IdleTimeout
	// simply rebuilds the downstream the same as a miss on an empty cache.
	c, err := otter.New[string, *CachedDownstream](&otter.Options[string, *CachedDownstream]{
		MaximumSize:      cfg.MaxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *CachedDownstream](cfg.IdleTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: create downstream cache: %w", err)
	}
	return &DownstreamCache{cache: c, entries: entries, resolver: resolver}, nil
}

// GetOrCreate returns the cached Downstream for bearerToken, building one
// by opening fresh connections to every ForwardToken server (with the
// token forwarded) on a cache miss.
func (c *DownstreamCache) GetOrCreate(ctx context.Context, bearerToken string) (*CachedDownstream, error) {
	key := hashToken(bearerToken)

	if cached, ok := c.cache.GetIfPresent(key); ok {
		return cached, nil
	}

	c.missMu.Lock()
	defer c.missMu.Unlock()

	// Another goroutine may have populated the entry while we waited for
	// the lock.
	if cached, ok := c.cache.GetIfPresent(key); ok {
		return cached, nil
	}

	downstream, err := New(ctx, c.entries, c.resolver, bearerToken)
	if err != nil {
		return nil, err
	}

	cached := &CachedDownstream{Downstream: downstream}
	c.cache.Set(key, cached)
	return cached, nil
}

// hashToken returns the hex-encoded SHA-256 hash of a bearer token, so the
// raw token is never retained as a cache key.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
