package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), "sitecontrol:")
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()
	if _, err := NewRedisStore("redis://"+addr, ""); err == nil {
		t.Fatal("expected connection error")
	}
	if _, err := NewRedisStore("not a url", ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisRevokeAndLookup(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := store.IsRevoked(ctx, "jti_1")
	if err != nil || revoked {
		t.Fatalf("fresh token: revoked=%v err=%v", revoked, err)
	}
	if err := store.Revoke(ctx, "jti_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	revoked, err = store.IsRevoked(ctx, "jti_1")
	if err != nil || !revoked {
		t.Fatalf("after revoke: revoked=%v err=%v", revoked, err)
	}
	if !s.Exists("sitecontrol:revoked:jti_1") {
		t.Error("expected prefixed key")
	}
	if ttl := s.TTL("sitecontrol:revoked:jti_1"); ttl <= 59*time.Minute || ttl > time.Hour {
		t.Errorf("unexpected ttl %v", ttl)
	}
}

func TestRedisRevocationExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Revoke(ctx, "jti_2", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if ttl := s.TTL("sitecontrol:revoked:jti_2"); ttl != minTTL {
		t.Errorf("expected minimum ttl, got %v", ttl)
	}
	s.FastForward(2 * minTTL)
	revoked, err := store.IsRevoked(ctx, "jti_2")
	if err != nil || revoked {
		t.Fatalf("after expiry: revoked=%v err=%v", revoked, err)
	}
}

func TestRevokeRequiresID(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Revoke(context.Background(), "", time.Now()); err == nil {
		t.Error("expected error for empty id")
	}
	if err := NewMemoryStore().Revoke(context.Background(), "", time.Now()); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestMemoryStore(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Revoke(ctx, "a", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if revoked, _ := m.IsRevoked(ctx, "a"); !revoked {
		t.Error("expected a to be revoked")
	}
	if revoked, _ := m.IsRevoked(ctx, "b"); revoked {
		t.Error("b was never revoked")
	}

	now = now.Add(2 * time.Hour)
	if revoked, _ := m.IsRevoked(ctx, "a"); revoked {
		t.Error("revocation should lapse with the token")
	}
	if err := m.Revoke(ctx, "c", now); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.revoked["a"]; ok {
		t.Error("expired entries should be pruned on write")
	}
}
