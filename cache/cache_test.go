package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quorumai/mesh/core"
)

type fakeL2 struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeL2() *fakeL2 { return &fakeL2{data: make(map[string]string)} }

func (f *fakeL2) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", core.ErrNotFound
	}
	return v, nil
}

func (f *fakeL2) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.(string)
	return nil
}

func (f *fakeL2) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func testConfig() core.CacheConfig {
	return core.CacheConfig{
		EvictionPolicy:  "lru",
		DefaultTTL:      time.Hour,
		MemoryBudget:    1 << 20, // 1MiB
		CleanupInterval: time.Hour,
		CompressionMin:  1 << 20, // effectively off for most tests
	}
}

func TestSetGet_L1RoundTrip(t *testing.T) {
	c := New(testConfig(), nil, nil)
	defer c.Close()

	if err := c.Set(context.Background(), "k", []byte("hello"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("Get() = (%q, %v, %v), want hit", v, ok, err)
	}
	if string(v) != "hello" {
		t.Errorf("Get() value = %q, want hello", v)
	}
}

func TestGet_MissReturnsFalse(t *testing.T) {
	c := New(testConfig(), nil, nil)
	defer c.Close()

	_, ok, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("expected a miss")
	}
}

func TestGet_PromotesFromL2OnPlacementPredicate(t *testing.T) {
	l2 := newFakeL2()
	cfg := testConfig()
	c := New(cfg, l2, nil)
	defer c.Close()

	if err := c.Set(context.Background(), "k", []byte("payload"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Evict directly from L1 to force the next Get to come from L2.
	c.mu.Lock()
	c.l1.clear()
	c.mu.Unlock()

	// L1 is now empty and far under budget, so the first L2 hit already
	// promotes the entry (available memory >= size); later reads hit L1.
	for i := 0; i < 7; i++ {
		if _, ok, err := c.Get(context.Background(), "k"); err != nil || !ok {
			t.Fatalf("Get() iteration %d = (ok=%v, err=%v), want hit", i, ok, err)
		}
	}

	c.mu.Lock()
	_, inL1 := c.l1.items["k"]
	c.mu.Unlock()
	if !inL1 {
		t.Error("expected key to be promoted to L1 after repeated L2 hits")
	}
}

func TestDelete_RemovesFromBothTiers(t *testing.T) {
	l2 := newFakeL2()
	c := New(testConfig(), l2, nil)
	defer c.Close()

	if err := c.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := c.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := c.Get(context.Background(), "k"); ok {
		t.Error("expected miss after Delete")
	}
}

func TestTTL_ExpiresLazily(t *testing.T) {
	c := New(testConfig(), nil, nil)
	defer c.Close()

	if err := c.Set(context.Background(), "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	_, ok, err := c.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("expected expired entry to be treated as a miss")
	}
}

func TestCompression_RoundTrips(t *testing.T) {
	cfg := testConfig()
	cfg.CompressionMin = 4 // force compression for anything non-trivial
	c := New(cfg, nil, nil)
	defer c.Close()

	payload := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err := c.Set(context.Background(), "k", payload, 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	v, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("Get() = (ok=%v, err=%v), want hit", ok, err)
	}
	if string(v) != string(payload) {
		t.Errorf("Get() value = %q, want %q", v, payload)
	}

	c.mu.Lock()
	compressed := c.l1.items["k"].compressed
	c.mu.Unlock()
	if !compressed {
		t.Error("expected the stored entry to be compressed")
	}
}

func TestStats_TracksHitsAndMisses(t *testing.T) {
	c := New(testConfig(), nil, nil)
	defer c.Close()

	c.Set(context.Background(), "k", []byte("v"), 0)
	c.Get(context.Background(), "k")     // hit
	c.Get(context.Background(), "other") // miss

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats() = %+v, want 1 hit and 1 miss", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", stats.HitRate)
	}
}

// TestEvictionPolicy_LRU exercises l1Store directly (bypassing Cache.Set's
// placement predicate, which is covered separately) so a tight memory
// budget can force eviction among same-size entries without also tripping
// the 10%-of-budget admission cap.
func TestEvictionPolicy_LRU(t *testing.T) {
	s := newL1Store(PolicyLRU, 20)
	now := time.Now()

	s.put("a", []byte("0123456789"), false, 0, now)
	s.put("b", []byte("0123456789"), false, 0, now)
	s.get("a", now) // touch a so it's most-recently-used
	s.put("c", []byte("0123456789"), false, 0, now)

	if _, ok := s.items["a"]; !ok {
		t.Error("expected recently-touched key 'a' to survive LRU eviction")
	}
	if _, ok := s.items["b"]; ok {
		t.Error("expected untouched key 'b' to be evicted first under LRU")
	}
}

func TestEvictionPolicy_LFU(t *testing.T) {
	s := newL1Store(PolicyLFU, 20)
	now := time.Now()

	s.put("a", []byte("0123456789"), false, 0, now)
	s.put("b", []byte("0123456789"), false, 0, now)
	s.get("b", now)
	s.get("b", now)
	s.get("b", now)
	s.put("c", []byte("0123456789"), false, 0, now)

	if _, ok := s.items["b"]; !ok {
		t.Error("expected frequently-accessed key 'b' to survive LFU eviction")
	}
	if _, ok := s.items["a"]; ok {
		t.Error("expected rarely-accessed key 'a' to be evicted first under LFU")
	}
}

func TestClear_ResetsL1AndCounters(t *testing.T) {
	c := New(testConfig(), nil, nil)
	defer c.Close()

	c.Set(context.Background(), "k", []byte("v"), 0)
	c.Get(context.Background(), "k")
	c.Clear()

	stats := c.Stats()
	if stats.L1Size != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Stats() after Clear = %+v, want all zero", stats)
	}
}
