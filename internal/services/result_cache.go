package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"smartnotify/internal/models"
)

// cacheKeySeparator joins key components. It must never appear inside a
// feature type, conversation ID, or message ID.
const cacheKeySeparator = "::"

// CacheStore is the persistent backend behind the result cache. Get returns
// (nil, nil) when the key is absent. Implementations must not apply expiry;
// the cache layer owns that.
type CacheStore interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	Put(ctx context.Context, entry *models.CacheEntry) error
	Delete(ctx context.Context, key string) error
}

// ResultCacheService caches computed AI results. It keeps a small in-process
// hot layer in front of the persistent store so repeat lookups within one
// process skip the store round trip.
//
// The cache is miss-safe: a store outage degrades to always-recompute, never
// to serving wrong data.
type ResultCacheService struct {
	store   CacheStore
	hot     *gocache.Cache
	metrics *Metrics
	now     func() time.Time
}

// NewResultCacheService creates a result cache over the given store
func NewResultCacheService(store CacheStore, metrics *Metrics) *ResultCacheService {
	return &ResultCacheService{
		store:   store,
		hot:     gocache.New(5*time.Minute, 10*time.Minute),
		metrics: metrics,
		now:     time.Now,
	}
}

// BuildCacheKey constructs the deterministic cache key for a computation.
// ref is either the ID of the most recent message folded into the result or
// the stable hash of the query text (see QueryHash).
func BuildCacheKey(feature models.FeatureType, conversationID, ref string) string {
	return string(feature) + cacheKeySeparator + conversationID + cacheKeySeparator + ref
}

// QueryHash returns a stable hash of query text, used as the key component
// for search-style features where no single message identifies the result
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:16])
}

// Lookup returns the live entry at key, or nil on a miss. Entries found at
// or past their expiry are treated as absent and deleted as a side effect
// (best effort; a failed delete does not fail the lookup).
func (s *ResultCacheService) Lookup(ctx context.Context, key string) *models.CacheEntry {
	now := s.now()

	if value, found := s.hot.Get(key); found {
		entry := value.(*models.CacheEntry)
		if !entry.Expired(now) {
			s.recordHit(entry.FeatureType)
			return entry
		}
		s.hot.Delete(key)
	}

	entry, err := s.store.Get(ctx, key)
	if err != nil {
		// Store outage is a miss, not an error
		slog.Warn("cache store lookup failed, treating as miss", "key", key, "error", err)
		s.recordMiss("store_error")
		return nil
	}
	if entry == nil {
		s.recordMiss("absent")
		return nil
	}

	if entry.Expired(now) {
		// Lazy expiry: delete so the key cannot resurrect
		if err := s.store.Delete(ctx, key); err != nil {
			slog.Warn("failed to delete expired cache entry", "key", key, "error", err)
		}
		s.recordMiss("expired")
		return nil
	}

	s.hot.Set(key, entry, gocache.DefaultExpiration)
	s.recordHit(entry.FeatureType)
	return entry
}

// Store writes a computed result through the cache. Overwrites any existing
// entry at the same key (last-writer-wins).
func (s *ResultCacheService) Store(ctx context.Context, key string, result []byte, feature models.FeatureType, sourceMessageCount int, ttlHours float64) error {
	now := s.now()
	entry := &models.CacheEntry{
		Key:                key,
		FeatureType:        feature,
		Result:             result,
		SourceMessageCount: sourceMessageCount,
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Duration(ttlHours * float64(time.Hour))),
	}

	if err := s.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}
	s.hot.Set(key, entry, gocache.DefaultExpiration)
	return nil
}

// Invalidate removes an entry from both layers
func (s *ResultCacheService) Invalidate(ctx context.Context, key string) {
	s.hot.Delete(key)
	if err := s.store.Delete(ctx, key); err != nil {
		slog.Warn("failed to invalidate cache entry", "key", key, "error", err)
	}
}

func (s *ResultCacheService) recordHit(feature models.FeatureType) {
	if s.metrics != nil {
		s.metrics.RecordCacheHit(string(feature))
	}
}

func (s *ResultCacheService) recordMiss(reason string) {
	if s.metrics != nil {
		s.metrics.RecordCacheMiss(reason)
	}
}
