package models

// NotificationPreferences is the user's notification configuration. It is
// owned and mutated by the main chat backend; this service only reads it.
type NotificationPreferences struct {
	UserID                      string           `bson:"_id" json:"user_id"`
	Enabled                     bool             `bson:"enabled" json:"enabled"`
	PauseThresholdSeconds       int              `bson:"pause_threshold_seconds" json:"pause_threshold_seconds"`
	ActiveConversationThreshold int              `bson:"active_conversation_threshold" json:"active_conversation_threshold"`
	QuietHoursStart             string           `bson:"quiet_hours_start" json:"quiet_hours_start"` // "HH:MM", empty = no quiet hours
	QuietHoursEnd               string           `bson:"quiet_hours_end" json:"quiet_hours_end"`
	Timezone                    string           `bson:"timezone" json:"timezone"` // IANA name, e.g. "America/New_York"
	PriorityKeywords            []string         `bson:"priority_keywords" json:"priority_keywords"`
	MaxAnalysesPerHour          int              `bson:"max_analyses_per_hour" json:"max_analyses_per_hour"`
	FallbackStrategy            FallbackStrategy `bson:"fallback_strategy" json:"fallback_strategy"`
}

// DefaultNotificationPreferences returns the preferences applied when a user
// has no stored document yet
func DefaultNotificationPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:                      userID,
		Enabled:                     true,
		PauseThresholdSeconds:       120,
		ActiveConversationThreshold: 60,
		Timezone:                    "UTC",
		MaxAnalysesPerHour:          30,
		FallbackStrategy:            FallbackSimpleRules,
	}
}
