package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryTokenRevokerExpires(t *testing.T) {
	r := NewMemoryTokenRevoker()
	if err := r.Revoke("jti-1", 20*time.Millisecond); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := r.IsRevoked("jti-1"); !revoked {
		t.Fatalf("expected token to be revoked")
	}
	time.Sleep(30 * time.Millisecond)
	if revoked, _ := r.IsRevoked("jti-1"); revoked {
		t.Fatalf("expected revocation to expire")
	}
	if err := r.Revoke("jti-2", 0); err != nil {
		t.Fatalf("revoke zero ttl: %v", err)
	}
	if revoked, _ := r.IsRevoked("jti-2"); revoked {
		t.Fatalf("expected zero ttl to be ignored")
	}
}

func TestRedisTokenRevoker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedisTokenRevoker(client)

	if err := r.Revoke("jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := r.IsRevoked("jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v err=%v", revoked, err)
	}
	mr.FastForward(2 * time.Minute)
	if revoked, _ := r.IsRevoked("jti-1"); revoked {
		t.Fatalf("expected revocation to expire with key ttl")
	}
}
