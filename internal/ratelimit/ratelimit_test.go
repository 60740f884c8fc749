package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}

	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestLimiterPerSource(t *testing.T) {
	l := NewLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Errorf("Expected connection %d to be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("Expected connection to be denied after burst")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("Expected a different source to have its own bucket")
	}
}

func TestLimiterDisabled(t *testing.T) {
	var nilLimiter *Limiter
	off := NewLimiter(0, 5)
	for i := 0; i < 100; i++ {
		if !nilLimiter.Allow("a") || !off.Allow("a") {
			t.Fatalf("Expected connection %d to be allowed when limits disabled", i)
		}
	}
	if off.Len() != 0 {
		t.Errorf("Expected no buckets when disabled, got %d", off.Len())
	}
}

func TestLimiterCleanup(t *testing.T) {
	l := NewLimiter(5, 5)
	l.Allow("old")
	time.Sleep(30 * time.Millisecond)
	l.Allow("fresh")

	if removed := l.Cleanup(20 * time.Millisecond); removed != 1 {
		t.Errorf("Expected 1 bucket removed, got %d", removed)
	}
	if _, ok := l.buckets["fresh"]; !ok {
		t.Error("Expected fresh bucket to remain")
	}
	if _, ok := l.buckets["old"]; ok {
		t.Error("Expected old bucket to be cleaned up")
	}
}
