package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"smartnotify/internal/models"
)

// CounterStore is the shared counter backend behind the rate limiter.
// IncrementIfBelow must make the limit check and the increment a single
// atomic operation — it is the only write path to the counters.
type CounterStore interface {
	IncrementIfBelow(ctx context.Context, key string, limit int, ttl time.Duration) (count int64, applied bool, err error)
	Count(ctx context.Context, key string) (int64, error)
}

// LimitExceededError is returned when a user has exhausted a feature's
// daily quota. It is a structured condition, not a fatal error: the
// decision engine maps it to the user's fallback strategy.
type LimitExceededError struct {
	Feature models.FeatureType `json:"feature"`
	Limit   int                `json:"limit"`
	Used    int64              `json:"used"`
	ResetAt time.Time          `json:"reset_at"`
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("daily %s limit reached (%d/%d), resets at %s",
		e.Feature, e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// RateLimiterService enforces per-user, per-feature, per-day quotas on
// AI-backed calls. The day is the calendar date in a fixed reference
// timezone — counters reset at midnight there, not 24h after first use.
type RateLimiterService struct {
	store CounterStore
	loc   *time.Location
	now   func() time.Time
}

// NewRateLimiterService creates a rate limiter over the given counter store.
// loc is the reference timezone for day boundaries (nil means UTC).
func NewRateLimiterService(store CounterStore, loc *time.Location) *RateLimiterService {
	if loc == nil {
		loc = time.UTC
	}
	return &RateLimiterService{
		store: store,
		loc:   loc,
		now:   time.Now,
	}
}

// CheckAndIncrement consumes one quota slot for (userID, feature) today.
// Returns *LimitExceededError when the quota is exhausted; the counter is
// not incremented in that case. Store errors fail open: an unavailable
// counter store must not take the whole pipeline down.
func (s *RateLimiterService) CheckAndIncrement(ctx context.Context, userID string, feature models.FeatureType, dailyLimit int) error {
	if dailyLimit <= 0 {
		return &LimitExceededError{
			Feature: feature,
			Limit:   dailyLimit,
			ResetAt: s.nextMidnight(),
		}
	}

	key := s.counterKey(userID, feature, s.today())
	// Measured against the limiter's clock, not the wall clock, so the
	// TTL stays coherent when tests pin the time
	ttl := s.nextMidnight().Add(24 * time.Hour).Sub(s.now())

	count, applied, err := s.store.IncrementIfBelow(ctx, key, dailyLimit, ttl)
	if err != nil {
		slog.Warn("counter store unavailable, allowing request",
			"user_id", userID, "feature", feature, "error", err)
		return nil
	}

	if !applied {
		return &LimitExceededError{
			Feature: feature,
			Limit:   dailyLimit,
			Used:    count,
			ResetAt: s.nextMidnight(),
		}
	}
	return nil
}

// Remaining returns how many quota slots are left today for (userID,
// feature). Non-mutating; never negative.
func (s *RateLimiterService) Remaining(ctx context.Context, userID string, feature models.FeatureType, dailyLimit int) (int, error) {
	key := s.counterKey(userID, feature, s.today())
	count, err := s.store.Count(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter for %s/%s: %w", userID, feature, err)
	}

	remaining := dailyLimit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// CheckHourlyBudget consumes one slot of a per-hour budget (used for the
// user-configurable analyses-per-hour cap). Same atomic semantics as the
// daily quota, keyed by the clock hour in the reference timezone.
func (s *RateLimiterService) CheckHourlyBudget(ctx context.Context, userID string, maxPerHour int) (bool, error) {
	if maxPerHour <= 0 {
		return true, nil // cap disabled
	}

	hour := s.now().In(s.loc).Format("2006-01-02-15")
	key := fmt.Sprintf("ai_hourly:%s:%s", userID, hour)

	_, applied, err := s.store.IncrementIfBelow(ctx, key, maxPerHour, 2*time.Hour)
	if err != nil {
		slog.Warn("counter store unavailable for hourly budget, allowing request",
			"user_id", userID, "error", err)
		return true, nil
	}
	return applied, nil
}

// counterKey builds the (userID, feature, date) counter identity
func (s *RateLimiterService) counterKey(userID string, feature models.FeatureType, date string) string {
	return fmt.Sprintf("ai_usage:%s:%s:%s", userID, feature, date)
}

// today returns the current calendar date string in the reference timezone
func (s *RateLimiterService) today() string {
	return s.now().In(s.loc).Format("2006-01-02")
}

// nextMidnight returns the next midnight in the reference timezone
func (s *RateLimiterService) nextMidnight() time.Time {
	now := s.now().In(s.loc)
	tomorrow := now.AddDate(0, 0, 1)
	return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, s.loc)
}
