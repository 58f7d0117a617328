package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smartnotify/internal/models"
)

func TestRateLimiterService_CheckAndIncrement_EnforcesDailyLimit(t *testing.T) {
	limiter := NewRateLimiterService(NewMemoryCounterStore(), time.UTC)
	ctx := context.Background()

	const dailyLimit = 100

	for i := 0; i < dailyLimit; i++ {
		if err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureNotificationDecision, dailyLimit); err != nil {
			t.Fatalf("Request %d unexpectedly rejected: %v", i+1, err)
		}
	}

	err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureNotificationDecision, dailyLimit)
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Expected LimitExceededError on request %d, got %v", dailyLimit+1, err)
	}
	if limitErr.Limit != dailyLimit {
		t.Errorf("Expected limit %d in error, got %d", dailyLimit, limitErr.Limit)
	}
	if limitErr.Used != dailyLimit {
		t.Errorf("Expected used %d in error, got %d", dailyLimit, limitErr.Used)
	}

	remaining, err := limiter.Remaining(ctx, "user-1", models.FeatureNotificationDecision, dailyLimit)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 0 {
		t.Errorf("Expected 0 remaining, got %d", remaining)
	}
}

func TestRateLimiterService_CheckAndIncrement_AtomicUnderConcurrency(t *testing.T) {
	limiter := NewRateLimiterService(NewMemoryCounterStore(), time.UTC)
	ctx := context.Background()

	const (
		dailyLimit = 50
		requests   = 200
	)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSummary, dailyLimit); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != dailyLimit {
		t.Errorf("Expected exactly %d allowed requests, got %d", dailyLimit, allowed)
	}
}

func TestRateLimiterService_QuotasAreIndependentPerUserAndFeature(t *testing.T) {
	limiter := NewRateLimiterService(NewMemoryCounterStore(), time.UTC)
	ctx := context.Background()

	if err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSearch, 1); err != nil {
		t.Fatalf("First request rejected: %v", err)
	}
	if err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSearch, 1); err == nil {
		t.Fatal("Expected user-1 search quota exhausted")
	}

	// Another user and another feature keep their own counters
	if err := limiter.CheckAndIncrement(ctx, "user-2", models.FeatureSearch, 1); err != nil {
		t.Errorf("user-2 should have its own quota: %v", err)
	}
	if err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSummary, 1); err != nil {
		t.Errorf("summaries should have their own quota: %v", err)
	}
}

func TestRateLimiterService_ZeroLimitRejectsWithoutTouchingStore(t *testing.T) {
	store := NewMemoryCounterStore()
	limiter := NewRateLimiterService(store, time.UTC)
	ctx := context.Background()

	err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSummary, 0)
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Expected LimitExceededError for zero limit, got %v", err)
	}

	count, _ := store.Count(ctx, "ai_usage:user-1:summary:"+time.Now().UTC().Format("2006-01-02"))
	if count != 0 {
		t.Errorf("Expected no counter write for zero limit, got %d", count)
	}
}

func TestRateLimiterService_FailsOpenOnStoreError(t *testing.T) {
	limiter := NewRateLimiterService(&failingCounterStore{}, time.UTC)

	if err := limiter.CheckAndIncrement(context.Background(), "user-1", models.FeatureSummary, 5); err != nil {
		t.Errorf("Expected fail-open on store error, got %v", err)
	}

	ok, err := limiter.CheckHourlyBudget(context.Background(), "user-1", 3)
	if err != nil || !ok {
		t.Errorf("Expected hourly budget to fail open, got ok=%v err=%v", ok, err)
	}
}

func TestRateLimiterService_DayRollsOverInReferenceTimezone(t *testing.T) {
	store := NewMemoryCounterStore()
	limiter := NewRateLimiterService(store, time.UTC)

	// 23:30 UTC and 00:30 UTC next day must land in different counters
	limiter.now = func() time.Time {
		return time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	}
	ctx := context.Background()
	if err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSummary, 1); err != nil {
		t.Fatalf("First request rejected: %v", err)
	}
	if err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSummary, 1); err == nil {
		t.Fatal("Expected quota exhausted before midnight")
	}

	limiter.now = func() time.Time {
		return time.Date(2025, 6, 2, 0, 30, 0, 0, time.UTC)
	}
	if err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSummary, 1); err != nil {
		t.Errorf("Expected fresh quota after midnight, got %v", err)
	}
}

func TestRateLimiterService_QuotaHoldsUnderPinnedClock(t *testing.T) {
	limiter := NewRateLimiterService(NewMemoryCounterStore(), time.UTC)
	// Pin the limiter's clock far from the wall clock. Counter TTLs must
	// follow the same clock, or the entry looks expired on every call and
	// the quota silently resets.
	limiter.now = func() time.Time {
		return time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	}
	ctx := context.Background()

	if err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSummary, 1); err != nil {
		t.Fatalf("First request rejected: %v", err)
	}
	for i := 0; i < 3; i++ {
		err := limiter.CheckAndIncrement(ctx, "user-1", models.FeatureSummary, 1)
		var limitErr *LimitExceededError
		if !errors.As(err, &limitErr) {
			t.Fatalf("Expected quota to stay exhausted on retry %d, got %v", i+1, err)
		}
	}
}

func TestMemoryCounterStore_ExpiryFollowsInjectedClock(t *testing.T) {
	store := NewMemoryCounterStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	ctx := context.Background()

	if _, applied, err := store.IncrementIfBelow(ctx, "k", 5, time.Hour); err != nil || !applied {
		t.Fatalf("Increment failed (applied=%v err=%v)", applied, err)
	}
	if count, _ := store.Count(ctx, "k"); count != 1 {
		t.Errorf("Expected count 1 before expiry, got %d", count)
	}

	store.now = func() time.Time { return base.Add(2 * time.Hour) }
	if count, _ := store.Count(ctx, "k"); count != 0 {
		t.Errorf("Expected expired counter to read 0, got %d", count)
	}
	if count, applied, _ := store.IncrementIfBelow(ctx, "k", 5, time.Hour); !applied || count != 1 {
		t.Errorf("Expected expired counter to restart at 1, got count=%d applied=%v", count, applied)
	}
}

func TestRateLimiterService_CheckHourlyBudget(t *testing.T) {
	limiter := NewRateLimiterService(NewMemoryCounterStore(), time.UTC)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.CheckHourlyBudget(ctx, "user-1", 3)
		if err != nil || !ok {
			t.Fatalf("Analysis %d unexpectedly rejected (ok=%v err=%v)", i+1, ok, err)
		}
	}

	ok, err := limiter.CheckHourlyBudget(ctx, "user-1", 3)
	if err != nil {
		t.Fatalf("CheckHourlyBudget failed: %v", err)
	}
	if ok {
		t.Error("Expected hourly budget exhausted after 3 analyses")
	}

	// Zero disables the cap
	if ok, _ := limiter.CheckHourlyBudget(ctx, "user-2", 0); !ok {
		t.Error("Expected disabled cap to always allow")
	}
}

// failingCounterStore simulates an unreachable counter backend
type failingCounterStore struct{}

func (f *failingCounterStore) IncrementIfBelow(context.Context, string, int, time.Duration) (int64, bool, error) {
	return 0, false, errors.New("store unavailable")
}

func (f *failingCounterStore) Count(context.Context, string) (int64, error) {
	return 0, errors.New("store unavailable")
}
