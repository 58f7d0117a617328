package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"smartnotify/internal/models"
)

func TestResultCacheService_StoreAndLookup(t *testing.T) {
	cache := NewResultCacheService(NewMemoryCacheStore(), nil)
	ctx := context.Background()

	key := BuildCacheKey(models.FeatureSummary, "conv-1", "msg-42")
	if err := cache.Store(ctx, key, []byte(`"a summary"`), models.FeatureSummary, 12, 24); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	entry := cache.Lookup(ctx, key)
	if entry == nil {
		t.Fatal("Expected cache hit after store")
	}
	if string(entry.Result) != `"a summary"` {
		t.Errorf("Expected stored payload, got %s", entry.Result)
	}
	if entry.SourceMessageCount != 12 {
		t.Errorf("Expected source message count 12, got %d", entry.SourceMessageCount)
	}
	if entry.FeatureType != models.FeatureSummary {
		t.Errorf("Expected feature type summary, got %s", entry.FeatureType)
	}
}

func TestResultCacheService_MissOnUnknownKey(t *testing.T) {
	cache := NewResultCacheService(NewMemoryCacheStore(), nil)

	if entry := cache.Lookup(context.Background(), "summary::conv-1::nope"); entry != nil {
		t.Errorf("Expected miss for unknown key, got %+v", entry)
	}
}

func TestResultCacheService_ExpiredEntryDoesNotResurrect(t *testing.T) {
	store := NewMemoryCacheStore()
	cache := NewResultCacheService(store, nil)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }

	key := BuildCacheKey(models.FeatureNotificationDecision, "conv-1", "msg-1")
	if err := cache.Store(ctx, key, []byte(`{}`), models.FeatureNotificationDecision, 3, 24); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Exactly at the TTL boundary the entry is already unusable
	cache.now = func() time.Time { return base.Add(24 * time.Hour) }
	if entry := cache.Lookup(ctx, key); entry != nil {
		t.Fatal("Expected miss at TTL boundary")
	}

	// The lazy delete must have removed it from the backing store too
	stored, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Store read failed: %v", err)
	}
	if stored != nil {
		t.Error("Expected expired entry deleted from backing store")
	}

	// A later lookup with an earlier clock must not bring it back
	cache.now = func() time.Time { return base }
	if entry := cache.Lookup(ctx, key); entry != nil {
		t.Error("Expected expired entry to stay gone")
	}
}

func TestResultCacheService_StoreOutageIsAMiss(t *testing.T) {
	cache := NewResultCacheService(&failingCacheStore{}, nil)

	if entry := cache.Lookup(context.Background(), "summary::conv-1::msg-1"); entry != nil {
		t.Errorf("Expected miss on store outage, got %+v", entry)
	}
}

func TestResultCacheService_OverwriteIsLastWriterWins(t *testing.T) {
	cache := NewResultCacheService(NewMemoryCacheStore(), nil)
	ctx := context.Background()

	key := BuildCacheKey(models.FeatureSummary, "conv-1", "msg-1")
	if err := cache.Store(ctx, key, []byte(`"first"`), models.FeatureSummary, 1, 24); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := cache.Store(ctx, key, []byte(`"second"`), models.FeatureSummary, 2, 24); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	entry := cache.Lookup(ctx, key)
	if entry == nil {
		t.Fatal("Expected cache hit")
	}
	if string(entry.Result) != `"second"` {
		t.Errorf("Expected second write to win, got %s", entry.Result)
	}
}

func TestResultCacheService_Invalidate(t *testing.T) {
	cache := NewResultCacheService(NewMemoryCacheStore(), nil)
	ctx := context.Background()

	key := BuildCacheKey(models.FeatureActionItems, "conv-1", "msg-1")
	if err := cache.Store(ctx, key, []byte(`[]`), models.FeatureActionItems, 1, 24); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	cache.Invalidate(ctx, key)
	if entry := cache.Lookup(ctx, key); entry != nil {
		t.Error("Expected miss after invalidation")
	}
}

func TestBuildCacheKey_ComponentsStayDistinct(t *testing.T) {
	a := BuildCacheKey(models.FeatureSummary, "conv-1", "msg-2")
	b := BuildCacheKey(models.FeatureSummary, "conv-12", "msg")
	if a == b {
		t.Errorf("Keys with different components must differ: %q vs %q", a, b)
	}
}

func TestQueryHash_StableAndDistinct(t *testing.T) {
	if QueryHash("deploy friday") != QueryHash("deploy friday") {
		t.Error("Expected identical queries to hash identically")
	}
	if QueryHash("deploy friday") == QueryHash("deploy monday") {
		t.Error("Expected different queries to hash differently")
	}
}

// failingCacheStore simulates an unreachable cache backend
type failingCacheStore struct{}

func (f *failingCacheStore) Get(context.Context, string) (*models.CacheEntry, error) {
	return nil, errors.New("store unavailable")
}

func (f *failingCacheStore) Put(context.Context, *models.CacheEntry) error {
	return errors.New("store unavailable")
}

func (f *failingCacheStore) Delete(context.Context, string) error {
	return errors.New("store unavailable")
}
