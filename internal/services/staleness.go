package services

import (
	"time"

	"smartnotify/internal/models"
)

// Default staleness thresholds
const (
	DefaultMessageDeltaThreshold = 10
	DefaultAgeHoursThreshold     = 24.0
)

// StalenessEvaluator decides whether a cache hit is still usable given how
// far the conversation has drifted since the result was computed. Pure
// logic; no I/O.
type StalenessEvaluator struct {
	MessageDeltaThreshold int
	AgeHoursThreshold     float64
	now                   func() time.Time
}

// NewStalenessEvaluator creates an evaluator with the given thresholds.
// Non-positive thresholds fall back to the defaults.
func NewStalenessEvaluator(messageDelta int, ageHours float64) *StalenessEvaluator {
	if messageDelta <= 0 {
		messageDelta = DefaultMessageDeltaThreshold
	}
	if ageHours <= 0 {
		ageHours = DefaultAgeHoursThreshold
	}
	return &StalenessEvaluator{
		MessageDeltaThreshold: messageDelta,
		AgeHoursThreshold:     ageHours,
		now:                   time.Now,
	}
}

// Evaluate computes the staleness verdict for a cache entry against the
// current message count. The entry is stale when EITHER enough new messages
// arrived OR enough time passed; one dimension looking fresh does not save
// an entry that is stale on the other.
func (e *StalenessEvaluator) Evaluate(entry *models.CacheEntry, currentMessageCount int) models.StalenessVerdict {
	messagesSince := currentMessageCount - entry.SourceMessageCount
	if messagesSince < 0 {
		// Message deletion can shrink the count; treat as no drift
		messagesSince = 0
	}

	hoursSince := e.now().Sub(entry.CreatedAt).Hours()

	return models.StalenessVerdict{
		IsStale:            messagesSince >= e.MessageDeltaThreshold || hoursSince >= e.AgeHoursThreshold,
		MessagesSinceCache: messagesSince,
		HoursSinceCache:    hoursSince,
	}
}
