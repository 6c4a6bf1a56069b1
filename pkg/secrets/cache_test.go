package secrets

import (
	"sync"
	"testing"
	"time"
)

func sampleSecret() map[string]string {
	return map[string]string{
		"webhook_url": "https://hooks.example.com/riskgate",
	}
}

func TestCache_PutAndGet(t *testing.T) {
	cache := NewCache[map[string]string](2 * time.Second)
	key := "riskgate/alert-webhook"

	// should miss initially
	if _, ok := cache.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	cache.Put(key, sampleSecret())

	// immediate hit
	if val, ok := cache.Get(key); !ok {
		t.Fatal("expected cache hit")
	} else if val["webhook_url"] == "" {
		t.Error("expected webhook_url to round-trip")
	}
}

func TestCache_Expiration(t *testing.T) {
	cache := NewCache[map[string]string](500 * time.Millisecond)
	key := "riskgate/alert-webhook"
	cache.Put(key, sampleSecret())

	time.Sleep(600 * time.Millisecond)

	if _, ok := cache.Get(key); ok {
		t.Fatal("expected expired cache entry")
	}
}

func TestCache_Bust(t *testing.T) {
	cache := NewCache[map[string]string](5 * time.Second)
	key := "riskgate/alert-webhook"
	cache.Put(key, sampleSecret())

	cache.Bust(key)
	if _, ok := cache.Get(key); ok {
		t.Fatal("expected cache miss after bust")
	}
}

func TestCache_ScalarValues(t *testing.T) {
	cache := NewCache[time.Time](time.Minute)
	now := time.Now()
	cache.Put("fingerprint", now)

	got, ok := cache.Get("fingerprint")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !got.Equal(now) {
		t.Errorf("expected %v, got %v", now, got)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := NewCache[map[string]string](2 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Put("shared", sampleSecret())
			cache.Get("shared")
		}()
	}
	wg.Wait()

	if _, ok := cache.Get("shared"); !ok {
		t.Fatal("expected shared entry to survive concurrent access")
	}
}

func TestCache_Cleaner(t *testing.T) {
	cache := NewCache[map[string]string](100 * time.Millisecond)
	cache.Put("short-lived", sampleSecret())

	stop := make(chan struct{})
	go cache.StartCleaner(50*time.Millisecond, stop)
	defer close(stop)

	time.Sleep(300 * time.Millisecond)

	cache.mu.RLock()
	_, present := cache.data["short-lived"]
	cache.mu.RUnlock()
	if present {
		t.Fatal("expected cleaner to evict expired entry")
	}
}
