package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	r := NewInMemoryRateLimiter()

	for i := 0; i < 3; i++ {
		allowed, remaining, _, err := r.Allow(context.Background(), "openai", 3)
		if err != nil {
			t.Fatalf("Allow() = %v", err)
		}
		if !allowed {
			t.Fatalf("request %d denied below the limit", i+1)
		}
		if remaining != 3-(i+1) {
			t.Errorf("remaining = %d, want %d", remaining, 3-(i+1))
		}
	}
}

func TestDeniedAtLimit(t *testing.T) {
	r := NewInMemoryRateLimiter()

	for i := 0; i < 2; i++ {
		r.Allow(context.Background(), "openai", 2)
	}

	allowed, remaining, resetAt, err := r.Allow(context.Background(), "openai", 2)
	if err != nil {
		t.Fatalf("Allow() = %v", err)
	}
	if allowed {
		t.Error("request allowed at the limit")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if resetAt.Before(time.Now()) {
		t.Error("resetAt in the past for a denied request")
	}
}

func TestWindowsAreIndependentPerKey(t *testing.T) {
	r := NewInMemoryRateLimiter()

	r.Allow(context.Background(), "openai", 1)
	if allowed, _, _, _ := r.Allow(context.Background(), "openai", 1); allowed {
		t.Error("openai window not exhausted")
	}
	if allowed, _, _, _ := r.Allow(context.Background(), "anthropic", 1); !allowed {
		t.Error("anthropic window shares state with openai")
	}
}

func TestWindowResets(t *testing.T) {
	r := NewInMemoryRateLimiter()

	r.Allow(context.Background(), "openai", 1)
	// Force the window into the past instead of sleeping a minute.
	r.mu.Lock()
	r.windows["openai"].resetAt = time.Now().Add(-time.Second)
	r.mu.Unlock()

	if allowed, _, _, _ := r.Allow(context.Background(), "openai", 1); !allowed {
		t.Error("request denied after the window elapsed")
	}
}
