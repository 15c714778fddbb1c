package sessioncache

import (
	"context"
	"testing"
	"time"

	"github.com/praxio/localcore/internal/domain"
)

func TestMemory_SetGetDelete(t *testing.T) {
	cache := NewMemory()
	ctx := context.Background()

	session := &domain.AuthSession{ID: "s1", UserID: "u1", Role: "veterinarian"}
	if err := cache.Set(ctx, "u1", session, time.Minute); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	got, err := cache.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if got == nil || got.ID != "s1" {
		t.Fatalf("expected cached session s1, got %v", got)
	}

	// Returned session is a copy; mutating it must not affect the cache.
	got.Role = "mutated"
	again, _ := cache.Get(ctx, "u1")
	if again.Role != "veterinarian" {
		t.Errorf("cache entry was mutated through the returned copy")
	}

	if err := cache.Delete(ctx, "u1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	got, err = cache.Get(ctx, "u1")
	if err != nil || got != nil {
		t.Fatalf("expected miss after delete, got %v, %v", got, err)
	}
}

func TestMemory_ExpiredEntryIsMiss(t *testing.T) {
	cache := NewMemory()
	ctx := context.Background()

	session := &domain.AuthSession{ID: "s1", UserID: "u1", Role: "veterinarian"}
	if err := cache.Set(ctx, "u1", session, -time.Second); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	got, err := cache.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired entry to read as a miss, got %v", got)
	}
}
