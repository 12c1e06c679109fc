package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMultiScopeLimiter_AllowsWithinQuota(t *testing.T) {
	store := NewMemoryStore()
	l := NewMultiScopeLimiter(store, ScopeQuotas{
		IP: &Quota{Limit: 100, Interval: time.Minute},
	})
	req := NewRateLimitRequest().WithIP("1.2.3.4")
	for i := 0; i < 5; i++ {
		if err := l.Check(context.Background(), req); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
}

func TestMultiScopeLimiter_DeniesOverQuota(t *testing.T) {
	store := NewMemoryStore()
	l := NewMultiScopeLimiter(store, ScopeQuotas{
		IP: &Quota{Limit: 10, Interval: time.Minute},
	})
	req := NewRateLimitRequest().WithIP("1.2.3.4")

	burst := (&Quota{Limit: 10, Interval: time.Minute}).Burst()
	for i := uint32(0); i < burst; i++ {
		if err := l.Check(context.Background(), req); err != nil {
			t.Fatalf("request %d within burst: unexpected error: %v", i, err)
		}
	}

	var denied *ErrDenied
	err := l.Check(context.Background(), req)
	if err == nil || !errors.As(err, &denied) {
		t.Fatalf("expected ErrDenied after burst exhausted, got %v", err)
	}
	if denied.Scope != "ip" {
		t.Errorf("expected scope 'ip', got %q", denied.Scope)
	}
}

func TestMultiScopeLimiter_ShortCircuitsOnGlobal(t *testing.T) {
	store := NewMemoryStore()
	l := NewMultiScopeLimiter(store, ScopeQuotas{
		Global: &Quota{Limit: 5, Interval: time.Minute},
		IP:     &Quota{Limit: 1000, Interval: time.Minute},
	})
	req := NewRateLimitRequest().WithIP("9.9.9.9")

	burst := (&Quota{Limit: 5, Interval: time.Minute}).Burst()
	for i := uint32(0); i < burst; i++ {
		if err := l.Check(context.Background(), req); err != nil {
			t.Fatalf("unexpected error within global burst: %v", err)
		}
	}

	var denied *ErrDenied
	err := l.Check(context.Background(), req)
	if err == nil || !errors.As(err, &denied) || denied.Scope != "global" {
		t.Fatalf("expected global scope denial, got %v", err)
	}
}

func TestMultiScopeLimiter_SkipsScopeWithoutIdentifier(t *testing.T) {
	store := NewMemoryStore()
	l := NewMultiScopeLimiter(store, ScopeQuotas{
		Tool: &Quota{Limit: 1, Interval: time.Minute},
	})
	req := NewRateLimitRequest().WithIP("1.2.3.4") // no server/tool set
	for i := 0; i < 10; i++ {
		if err := l.Check(context.Background(), req); err != nil {
			t.Fatalf("request %d: expected tool scope to be skipped, got %v", i, err)
		}
	}
}

func TestQuota_Burst(t *testing.T) {
	cases := []struct {
		limit uint32
		want  uint32
	}{
		{limit: 0, want: 0},
		{limit: 10, want: 5},
		{limit: 3, want: 3},
		{limit: 1000, want: 100},
	}
	for _, c := range cases {
		q := Quota{Limit: c.limit, Interval: time.Minute}
		if got := q.Burst(); got != c.want {
			t.Errorf("Quota{Limit:%d}.Burst() = %d, want %d", c.limit, got, c.want)
		}
	}
}
