package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Quota is a token-bucket shape: Limit tokens refill over Interval. Burst
// capacity is max(5, Limit/10), capped at Limit, matching the original
// rate-limit crate's sizing so a freshly-started bucket doesn't immediately
// reject a small burst of legitimate traffic.
type Quota struct {
	Limit    uint32
	Interval time.Duration
}

// Burst returns this quota's burst capacity.
func (q Quota) Burst() uint32 {
	b := q.Limit / 10
	if b < 5 {
		b = 5
	}
	if b > q.Limit {
		b = q.Limit
	}
	return b
}

// RateLimitRequest carries the scope identifiers relevant to one inbound
// request. Only populated fields activate their corresponding scope check.
type RateLimitRequest struct {
	IP         string
	ServerName string
	ToolName   string
	ClientID   string
	Group      string
}

// NewRateLimitRequest returns an empty builder.
func NewRateLimitRequest() RateLimitRequest { return RateLimitRequest{} }

// WithIP sets the per-IP scope identifier.
func (r RateLimitRequest) WithIP(ip string) RateLimitRequest { r.IP = ip; return r }

// WithServerTool sets the per-server and per-tool scope identifiers.
func (r RateLimitRequest) WithServerTool(server, tool string) RateLimitRequest {
	r.ServerName, r.ToolName = server, tool
	return r
}

// WithClientID sets the per-client (token) scope identifier.
func (r RateLimitRequest) WithClientID(clientID string) RateLimitRequest {
	r.ClientID = clientID
	return r
}

// WithGroup sets the client's group, carried alongside ClientID for
// group-scoped quota resolution upstream of this package.
func (r RateLimitRequest) WithGroup(group string) RateLimitRequest { r.Group = group; return r }

// ScopeQuotas configures the optional quota for each scope. A nil entry
// means that scope is not checked.
type ScopeQuotas struct {
	Global *Quota
	IP     *Quota
	Token  *Quota
	Server *Quota
	Tool   *Quota
}

// Storage is the pluggable backend a MultiScopeLimiter checks against.
// Implementations must be safe for concurrent use.
type Storage interface {
	// CheckAndConsume attempts to consume one token from the bucket keyed
	// by key, sized by (limit, interval). Returns whether the request is
	// allowed.
	CheckAndConsume(ctx context.Context, key string, limit uint32, interval time.Duration) (bool, error)
}

// MultiScopeLimiter checks a request against the global, IP, token, server,
// and tool scopes in that order, short-circuiting on the first denial.
// Keys are composed "{scope}:{identifier}" (e.g. "ip:1.2.3.4").
type MultiScopeLimiter struct {
	storage Storage
	quotas  ScopeQuotas
}

// NewMultiScopeLimiter returns a limiter backed by storage, checking the
// given per-scope quotas.
func NewMultiScopeLimiter(storage Storage, quotas ScopeQuotas) *MultiScopeLimiter {
	return &MultiScopeLimiter{storage: storage, quotas: quotas}
}

// ErrDenied is returned by Check when any scope's quota is exhausted.
// Wrapped with the scope name for diagnostics; callers should still map it
// to a generic 429 body without leaking which scope denied.
type ErrDenied struct {
	Scope string
}

func (e *ErrDenied) Error() string { return fmt.Sprintf("rate limit exceeded: %s", e.Scope) }

// Check runs every configured scope in order: global, ip, token, server,
// tool. The first denial short-circuits the remaining scopes.
func (l *MultiScopeLimiter) Check(ctx context.Context, req RateLimitRequest) error {
	checks := []struct {
		scope string
		quota *Quota
		key   string
	}{
		{"global", l.quotas.Global, "global"},
		{"ip", l.quotas.IP, "ip:" + req.IP},
		{"token", l.quotas.Token, "token:" + req.ClientID},
		{"server", l.quotas.Server, "server:" + req.ServerName},
		{"tool", l.quotas.Tool, "tool:" + req.ServerName + "__" + req.ToolName},
	}

	for _, c := range checks {
		if c.quota == nil {
			continue
		}
		// A scope with no identifier (e.g. tool quota configured but the
		// request carries no tool name) is skipped rather than falsely
		// denied or falsely shared across all unrelated requests.
		if c.scope != "global" && c.key == c.scope+":" {
			continue
		}
		allowed, err := l.storage.CheckAndConsume(ctx, c.key, c.quota.Limit, c.quota.Interval)
		if err != nil {
			return fmt.Errorf("ratelimit: %s scope: %w", c.scope, err)
		}
		if !allowed {
			return &ErrDenied{Scope: c.scope}
		}
	}
	return nil
}
