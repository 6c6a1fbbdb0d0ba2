package handlers

import (
	"testing"
	"time"
)

func TestSimpleRateLimiterWindow(t *testing.T) {
	now := orderTestNow
	limiter := newSimpleRateLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("u1") || !limiter.Allow("u1") {
		t.Fatalf("expected first two requests to pass")
	}
	if limiter.Allow("u1") {
		t.Fatalf("expected third request to be limited")
	}
	if !limiter.Allow("u2") {
		t.Fatalf("expected independent bucket per key")
	}

	now = now.Add(time.Minute + time.Second)
	if !limiter.Allow("u1") {
		t.Fatalf("expected window reset")
	}
}

func TestNewSimpleRateLimiterDisabled(t *testing.T) {
	if limiter := newSimpleRateLimiter(0, time.Minute, nil); limiter != nil {
		t.Fatalf("expected nil limiter for zero limit")
	}
}
