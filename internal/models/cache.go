package models

import (
	"time"
)

// FeatureType identifies which AI feature produced a cached result.
// The cache stores differently-shaped payloads per feature, so every
// entry carries its feature tag and payloads are decoded against it.
type FeatureType string

const (
	FeatureSummary              FeatureType = "summary"
	FeatureActionItems          FeatureType = "action_items"
	FeatureSearch               FeatureType = "search"
	FeatureNotificationDecision FeatureType = "notification_decision"
)

// AllFeatureTypes lists every known feature type (used for config defaults and validation)
var AllFeatureTypes = []FeatureType{
	FeatureSummary,
	FeatureActionItems,
	FeatureSearch,
	FeatureNotificationDecision,
}

// Valid reports whether the feature type is one of the known values
func (f FeatureType) Valid() bool {
	switch f {
	case FeatureSummary, FeatureActionItems, FeatureSearch, FeatureNotificationDecision:
		return true
	}
	return false
}

// CacheEntry is a previously computed AI result plus the metadata needed
// to decide whether it is still usable.
type CacheEntry struct {
	Key                string      `bson:"_id" json:"key"`
	FeatureType        FeatureType `bson:"feature_type" json:"feature_type"`
	Result             []byte      `bson:"result" json:"result"`
	SourceMessageCount int         `bson:"source_message_count" json:"source_message_count"`
	CreatedAt          time.Time   `bson:"created_at" json:"created_at"`
	ExpiresAt          time.Time   `bson:"expires_at" json:"expires_at"`
}

// Expired reports whether the entry is unusable at the given instant.
// An entry is expired at exactly ExpiresAt, not just after it.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// StalenessVerdict is derived from a cache entry and the current
// conversation state. It is never persisted.
type StalenessVerdict struct {
	IsStale            bool    `json:"is_stale"`
	MessagesSinceCache int     `json:"messages_since_cache"`
	HoursSinceCache    float64 `json:"hours_since_cache"`
}
