package cache

import (
	"testing"
	"time"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCacheWithClock[string, int](func() time.Time { return now })

	c.Set("margin.call", 3, time.Minute)
	if v, ok := c.Get("margin.call"); !ok || v != 3 {
		t.Fatalf("expected cached value 3, got %v (ok=%v)", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("margin.call"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestTTLCachePurge(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, 0)
	c.Purge()
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected purge to drop entries")
	}
}

func TestNilAndNoopCache(t *testing.T) {
	var c *TTLCache[string, int]
	c.Set("a", 1, time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("nil cache must miss")
	}

	var n Cache[string, int] = NoopCache[string, int]{}
	n.Set("a", 1, time.Second)
	if _, ok := n.Get("a"); ok {
		t.Fatalf("noop cache must miss")
	}
}
