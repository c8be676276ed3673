package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"getqr/internal/util"
)

func newRedisKV(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisKV(client)
}

type draftPayload struct {
	Step  int    `json:"step"`
	Title string `json:"title"`
}

func TestDraftStoreRedisTTL(t *testing.T) {
	mr, kv := newRedisKV(t)
	store := NewDraftStore(kv, 0)
	ctx := context.Background()

	if err := store.Save(ctx, "sid-1", "", draftPayload{Step: 2, Title: "Menu"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ttl := mr.TTL("qr-draft:sid-1"); ttl != DraftTTL {
		t.Fatalf("expected 10 day ttl, got %v", ttl)
	}
	var got draftPayload
	ok, err := store.Load(ctx, "sid-1", "", &got)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Step != 2 || got.Title != "Menu" {
		t.Fatalf("unexpected draft: %+v", got)
	}

	mr.FastForward(DraftTTL + time.Second)
	ok, err = store.Load(ctx, "sid-1", "", &got)
	if err != nil || ok {
		t.Fatalf("expected expired draft, ok=%v err=%v", ok, err)
	}
}

func TestDraftStoreExtraKeysAndDelete(t *testing.T) {
	_, kv := newRedisKV(t)
	store := NewDraftStore(kv, time.Hour)
	ctx := context.Background()

	if err := store.Save(ctx, "sid-2", "", draftPayload{Step: 1}); err != nil {
		t.Fatalf("save base: %v", err)
	}
	if err := store.Save(ctx, "sid-2", "upload", map[string]string{"state": "ready"}); err != nil {
		t.Fatalf("save extra: %v", err)
	}
	var upload map[string]string
	if ok, err := store.Load(ctx, "sid-2", "upload", &upload); err != nil || !ok || upload["state"] != "ready" {
		t.Fatalf("load extra: ok=%v err=%v val=%v", ok, err, upload)
	}
	if err := store.Delete(ctx, "sid-2", "upload"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var base draftPayload
	if ok, _ := store.Load(ctx, "sid-2", "", &base); ok {
		t.Fatalf("expected base draft deleted")
	}
	if ok, _ := store.Load(ctx, "sid-2", "upload", &upload); ok {
		t.Fatalf("expected extra draft deleted")
	}
	if err := store.Save(ctx, " ", "", base); err == nil {
		t.Fatalf("expected error for blank session id")
	}
}

func TestNewQRMarkerConsumedOnce(t *testing.T) {
	for name, kv := range map[string]KV{"memory": NewMemoryKV(), "redis": func() KV { _, kv := newRedisKV(t); return kv }()} {
		t.Run(name, func(t *testing.T) {
			marker := NewNewQRMarker(kv, time.Hour)
			ctx := context.Background()
			if err := marker.Set(ctx, "user-1", "qr-9"); err != nil {
				t.Fatalf("set: %v", err)
			}
			id, ok, err := marker.Consume(ctx, "user-1")
			if err != nil || !ok || id != "qr-9" {
				t.Fatalf("consume: id=%q ok=%v err=%v", id, ok, err)
			}
			if _, ok, _ := marker.Consume(ctx, "user-1"); ok {
				t.Fatalf("marker should be one-shot")
			}
		})
	}
}

func TestMemoryKVExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	kv := NewMemoryKV().WithClock(func() time.Time { return now })
	ctx := context.Background()
	if err := kv.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "k"); !ok {
		t.Fatalf("expected value before expiry")
	}
	now = now.Add(time.Minute)
	if _, ok, _ := kv.Get(ctx, "k"); ok {
		t.Fatalf("expected value to expire")
	}
}

func TestLinkCacheReadThroughAndInvalidate(t *testing.T) {
	_, kv := newRedisKV(t)
	cache := NewLinkCache(kv, time.Minute)
	ctx := context.Background()
	var loads int32
	exists := true
	loader := func(context.Context) (CachedLink, bool, error) {
		atomic.AddInt32(&loads, 1)
		if !exists {
			return CachedLink{}, false, nil
		}
		return CachedLink{LinkID: "l1", QrID: "q1", URL: "https://example.com"}, true, nil
	}

	link, ok, err := cache.Get(ctx, "getqr.link", "abc1234", loader)
	if err != nil || !ok || link.URL != "https://example.com" {
		t.Fatalf("first get: %+v ok=%v err=%v", link, ok, err)
	}
	if _, ok, _ := cache.Get(ctx, "getqr.link", "abc1234", loader); !ok {
		t.Fatalf("expected cached hit")
	}
	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}

	exists = false
	if err := cache.Invalidate(ctx, "getqr.link", "abc1234"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, err := cache.Get(ctx, "getqr.link", "abc1234", loader); ok || err != nil {
		t.Fatalf("expected miss after invalidate, ok=%v err=%v", ok, err)
	}
}

func TestLinkCacheCoalescesConcurrentLoads(t *testing.T) {
	cache := NewLinkCache(NewMemoryKV(), time.Minute)
	release := make(chan struct{})
	var loads int32
	loader := func(context.Context) (CachedLink, bool, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return CachedLink{URL: "https://example.com"}, true, nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := cache.Get(context.Background(), "d", "k", loader); !ok || err != nil {
				t.Errorf("get: ok=%v err=%v", ok, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("unexpected load count %d", n)
	}
}

func TestLinkCacheLoaderError(t *testing.T) {
	cache := NewLinkCache(NewMemoryKV(), time.Minute)
	boom := errors.New("db down")
	_, _, err := cache.Get(context.Background(), "d", "k", func(context.Context) (CachedLink, bool, error) {
		return CachedLink{}, false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
}

func TestLinkCacheInvalidateDuringLoad(t *testing.T) {
	_, redisKV := newRedisKV(t)
	cases := []struct {
		name string
		kv   KV
	}{
		{"memory", NewMemoryKV()},
		{"redis", redisKV},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cache := NewLinkCache(tc.kv, time.Minute)
			ctx := context.Background()
			entered := make(chan struct{})
			release := make(chan struct{})
			stale := func(context.Context) (CachedLink, bool, error) {
				close(entered)
				<-release
				return CachedLink{LinkID: "l1", URL: "https://example.com"}, true, nil
			}
			done := make(chan error, 1)
			go func() {
				_, _, err := cache.Get(ctx, "d", "k", stale)
				done <- err
			}()
			<-entered
			if err := cache.Invalidate(ctx, "d", "k"); err != nil {
				t.Fatalf("invalidate: %v", err)
			}
			close(release)
			if err := <-done; err != nil {
				t.Fatalf("get: %v", err)
			}
			if _, ok, _ := tc.kv.Get(ctx, LinkKey("d", "k")); ok {
				t.Fatalf("load that raced an invalidation was cached")
			}
			missing := func(context.Context) (CachedLink, bool, error) { return CachedLink{}, false, nil }
			if _, ok, err := cache.Get(ctx, "d", "k", missing); ok || err != nil {
				t.Fatalf("expected miss after invalidate, ok=%v err=%v", ok, err)
			}

			// Loads after the invalidation are cached again.
			fresh := func(context.Context) (CachedLink, bool, error) {
				return CachedLink{LinkID: "l1", URL: "https://example.org"}, true, nil
			}
			if _, ok, err := cache.Get(ctx, "d", "k", fresh); !ok || err != nil {
				t.Fatalf("fresh get: ok=%v err=%v", ok, err)
			}
			if _, ok, _ := tc.kv.Get(ctx, LinkKey("d", "k")); !ok {
				t.Fatalf("expected fresh load to be cached")
			}
		})
	}
}

// unreadableKV fails every read.
type unreadableKV struct {
	*MemoryKV
}

func (unreadableKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestLinkCacheLogsThroughRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("request_id", "req-42")
	ctx := util.ContextWithLogger(context.Background(), logger)
	cache := NewLinkCache(unreadableKV{NewMemoryKV()}, time.Minute)

	link, ok, err := cache.Get(ctx, "d", "k", func(context.Context) (CachedLink, bool, error) {
		return CachedLink{URL: "https://example.com"}, true, nil
	})
	if err != nil || !ok || link.URL != "https://example.com" {
		t.Fatalf("read failure should fall through to the loader: %+v ok=%v err=%v", link, ok, err)
	}
	out := buf.String()
	if !strings.Contains(out, "link cache read failed") || !strings.Contains(out, `"request_id":"req-42"`) {
		t.Fatalf("expected warning with request id, got %s", out)
	}
}
