package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"smartnotify/internal/database"
	"smartnotify/internal/models"
)

// ---- Redis-backed cache store ----

// RedisCacheStore persists cache entries as JSON values in Redis. Entries
// carry a Redis TTL slightly past their logical expiry so Redis reclaims
// them even without a lookup; logical expiry stays with the cache layer.
type RedisCacheStore struct {
	redis *RedisService
}

// NewRedisCacheStore creates a Redis-backed cache store
func NewRedisCacheStore(r *RedisService) *RedisCacheStore {
	return &RedisCacheStore{redis: r}
}

func (s *RedisCacheStore) redisKey(key string) string {
	return "ai_cache:" + key
}

// Get returns the entry at key, or nil if absent
func (s *RedisCacheStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	raw, err := s.redis.Get(ctx, s.redisKey(key))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache read: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("redis cache entry corrupt at %s: %w", key, err)
	}
	return &entry, nil
}

// Put writes an entry, replacing any existing entry at the same key
func (s *RedisCacheStore) Put(ctx context.Context, entry *models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	// Keep the value an hour past logical expiry as a safety margin
	ttl := time.Until(entry.ExpiresAt) + time.Hour
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.redis.Set(ctx, s.redisKey(entry.Key), data, ttl)
}

// Delete removes the entry at key
func (s *RedisCacheStore) Delete(ctx context.Context, key string) error {
	return s.redis.Delete(ctx, s.redisKey(key))
}

// ---- MongoDB-backed cache store ----

// MongoCacheStore persists cache entries as documents in the ai_result_cache
// collection, keyed by the cache key
type MongoCacheStore struct {
	mongo *database.MongoDB
}

// NewMongoCacheStore creates a MongoDB-backed cache store
func NewMongoCacheStore(m *database.MongoDB) *MongoCacheStore {
	return &MongoCacheStore{mongo: m}
}

// Get returns the entry at key, or nil if absent
func (s *MongoCacheStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	err := s.mongo.Collection(database.CollectionResultCache).
		FindOne(ctx, bson.M{"_id": key}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo cache read: %w", err)
	}
	return &entry, nil
}

// Put writes an entry, replacing any existing document at the same key
func (s *MongoCacheStore) Put(ctx context.Context, entry *models.CacheEntry) error {
	_, err := s.mongo.Collection(database.CollectionResultCache).
		ReplaceOne(ctx, bson.M{"_id": entry.Key}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo cache write: %w", err)
	}
	return nil
}

// Delete removes the document at key
func (s *MongoCacheStore) Delete(ctx context.Context, key string) error {
	_, err := s.mongo.Collection(database.CollectionResultCache).
		DeleteOne(ctx, bson.M{"_id": key})
	return err
}

// SweepExpired removes documents whose expiry has passed
func (s *MongoCacheStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.mongo.Collection(database.CollectionResultCache).
		DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, fmt.Errorf("mongo cache sweep: %w", err)
	}
	return int(res.DeletedCount), nil
}

// ---- In-memory cache store ----

// MemoryCacheStore is a map-backed store for tests and local development
type MemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]*models.CacheEntry
}

// NewMemoryCacheStore creates an empty in-memory store
func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{entries: make(map[string]*models.CacheEntry)}
}

// Get returns the entry at key, or nil if absent
func (s *MemoryCacheStore) Get(_ context.Context, key string) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	clone := *entry
	return &clone, nil
}

// Put writes an entry, replacing any existing entry at the same key
func (s *MemoryCacheStore) Put(_ context.Context, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.entries[entry.Key] = &clone
	return nil
}

// Delete removes the entry at key
func (s *MemoryCacheStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// SweepExpired removes entries whose expiry has passed
func (s *MemoryCacheStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			swept++
		}
	}
	return swept, nil
}

// Len returns the number of stored entries
func (s *MemoryCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
