package urlcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCache_GetURL_PrefersPrewarmedEntry(t *testing.T) {
	var calls int32
	acquire := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "fresh-url", nil
	}

	c := New(acquire, nil, Config{MinSize: 1, MaxSize: 3, TTL: time.Minute}, zap.NewNop())
	c.entries = append(c.entries, Entry{URL: "prewarmed-url", AcquiredAt: time.Now()})

	url, err := c.GetURL(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "prewarmed-url" {
		t.Errorf("got %q, want the prewarmed entry", url)
	}

	// GetURL kicks off an async replenish; give it a moment.
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) == 0 {
		t.Error("expected a background replenish acquisition after draining the pool")
	}
}

func TestCache_GetURL_FallsBackToSynchronousAcquire(t *testing.T) {
	acquire := func(ctx context.Context) (string, error) {
		return "synchronous-url", nil
	}
	c := New(acquire, nil, Config{MinSize: 1, MaxSize: 3, TTL: time.Minute}, zap.NewNop())

	url, err := c.GetURL(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "synchronous-url" {
		t.Errorf("got %q, want a fresh synchronous acquisition", url)
	}
}

func TestCache_GetURL_EvictsStaleEntries(t *testing.T) {
	acquire := func(ctx context.Context) (string, error) { return "new-url", nil }
	c := New(acquire, nil, Config{MinSize: 1, MaxSize: 3, TTL: time.Millisecond}, zap.NewNop())
	c.entries = append(c.entries, Entry{URL: "stale-url", AcquiredAt: time.Now().Add(-time.Hour)})

	time.Sleep(2 * time.Millisecond)
	url, err := c.GetURL(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "new-url" {
		t.Errorf("stale entry should have been evicted, got %q", url)
	}
}

func TestCache_SetTarget_ClampsToConfiguredBounds(t *testing.T) {
	c := New(nil, nil, Config{MinSize: 3, MaxSize: 10}, zap.NewNop())

	c.SetTarget(1)
	if c.target != 3 {
		t.Errorf("target %d should have clamped up to MinSize 3", c.target)
	}

	c.SetTarget(50)
	if c.target != 10 {
		t.Errorf("target %d should have clamped down to MaxSize 10", c.target)
	}
}

func TestCache_AcquireOne_RetriesTransientFailures(t *testing.T) {
	var attempts int32
	acquire := func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return "", errors.New("transient failure")
		}
		return "eventually-succeeded", nil
	}

	c := New(acquire, nil, Config{MinSize: 1, MaxSize: 1}, zap.NewNop())
	url, err := c.acquireOne(context.Background())
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if url != "eventually-succeeded" {
		t.Errorf("got %q", url)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestCache_Replenish_TopsUpToTarget(t *testing.T) {
	var calls int32
	acquire := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "url", nil
	}
	c := New(acquire, nil, Config{MinSize: 3, MaxSize: 3, TTL: time.Minute}, zap.NewNop())

	c.Replenish(context.Background())

	if len(c.entries) != 3 {
		t.Errorf("expected pool filled to target 3, got %d entries", len(c.entries))
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 acquisitions, got %d", calls)
	}
}
