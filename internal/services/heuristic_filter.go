package services

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"smartnotify/internal/config"
	"smartnotify/internal/models"
)

// HeuristicInput carries everything the fast filter may consult. All fields
// are caller-supplied; the filter itself performs no I/O.
type HeuristicInput struct {
	UserID           string
	Message          models.RecentMessage
	Conversation     models.ConversationSummary
	Preferences      models.NotificationPreferences
	UserLastActiveAt time.Time // zero when unknown
	Now              time.Time
}

// HeuristicFilter is the cheap, synchronous rule set that resolves the
// obvious notification decisions before any model cost is incurred. Rules
// are deliberately conservative: any ambiguous signal routes to NeedModel
// rather than guessing.
type HeuristicFilter struct {
	rules atomic.Pointer[config.HeuristicRules]
}

// NewHeuristicFilter creates a filter with the given rule set (nil uses the
// built-in defaults)
func NewHeuristicFilter(rules *config.HeuristicRules) *HeuristicFilter {
	if rules == nil {
		rules = config.DefaultHeuristicRules()
	}
	f := &HeuristicFilter{}
	f.rules.Store(rules)
	return f
}

// ReloadRules swaps in a new rule set. Safe to call while evaluations are
// in flight; in-flight calls finish on the old rules.
func (f *HeuristicFilter) ReloadRules(rules *config.HeuristicRules) {
	if rules == nil {
		return
	}
	f.rules.Store(rules)
	slog.Info("heuristic rules reloaded",
		"priority_keywords", len(rules.PriorityKeywords),
		"skip_prefixes", len(rules.SkipPrefixes))
}

// Rules returns the active rule set
func (f *HeuristicFilter) Rules() *config.HeuristicRules {
	return f.rules.Load()
}

// Evaluate runs the rule set over one message. The returned reason is the
// operator-auditable explanation for the outcome.
func (f *HeuristicFilter) Evaluate(in HeuristicInput) (models.HeuristicOutcome, string) {
	rules := f.rules.Load()
	prefs := in.Preferences
	text := strings.ToLower(in.Message.Text)

	// Hard skips first: these override every notify signal
	if !prefs.Enabled {
		return models.DefinitelySkip, "notifications disabled in preferences"
	}
	if in.Conversation.IsMuted {
		return models.DefinitelySkip, "conversation is muted"
	}
	if in.Message.SenderID == in.UserID {
		return models.DefinitelySkip, "message sent by the user themselves"
	}
	if inQuietHours(prefs, in.Now) {
		return models.DefinitelySkip, "within quiet hours"
	}
	for _, prefix := range rules.SkipPrefixes {
		if strings.HasPrefix(text, prefix) {
			return models.DefinitelySkip, "automated message prefix " + prefix
		}
	}

	// User is looking at this conversation right now; a push would be noise
	if prefs.ActiveConversationThreshold > 0 && !in.UserLastActiveAt.IsZero() {
		activeWindow := time.Duration(prefs.ActiveConversationThreshold) * time.Second
		if in.Now.Sub(in.UserLastActiveAt) < activeWindow {
			return models.DefinitelySkip, "user active in conversation"
		}
	}

	// Definite notify signals
	if kw := matchPriorityKeyword(text, prefs.PriorityKeywords, rules.PriorityKeywords); kw != "" {
		return models.DefinitelyNotify, "priority keyword match: " + kw
	}
	if in.Conversation.IsGroup && in.Message.MentionsUser(in.UserID) {
		return models.DefinitelyNotify, "direct mention in group conversation"
	}

	// Trivial chatter with no notify signal is not worth a model call
	if rules.MinMessageLength > 0 && len(strings.TrimSpace(in.Message.Text)) < rules.MinMessageLength {
		return models.DefinitelySkip, "message below minimum length"
	}

	return models.NeedModel, "no definite heuristic signal"
}

// SynthesizeDecision converts a definite heuristic outcome into the final
// decision shape so callers cannot tell it apart from a model result
func SynthesizeDecision(outcome models.HeuristicOutcome, reason string, msg models.RecentMessage) models.NotificationDecision {
	if outcome == models.DefinitelyNotify {
		priority := models.PriorityMedium
		if strings.HasPrefix(reason, "priority keyword") {
			priority = models.PriorityHigh
		}
		return models.NotificationDecision{
			ShouldNotify:     true,
			Reason:           reason,
			NotificationText: msg.SenderName + ": " + msg.PreviewText(),
			Priority:         priority,
			DecidedBy:        models.SourceHeuristic,
		}
	}
	return models.NotificationDecision{
		ShouldNotify: false,
		Reason:       reason,
		Priority:     models.PriorityLow,
		DecidedBy:    models.SourceHeuristic,
	}
}

// matchPriorityKeyword returns the first keyword found in the message text.
// User keywords take precedence over the service-level defaults.
func matchPriorityKeyword(lowerText string, userKeywords, globalKeywords []string) string {
	for _, kw := range userKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lowerText, kw) {
			return kw
		}
	}
	for _, kw := range globalKeywords {
		if kw != "" && strings.Contains(lowerText, kw) {
			return kw
		}
	}
	return ""
}

// inQuietHours reports whether now falls inside the user's quiet-hours
// window, evaluated in the user's own timezone. Windows may wrap midnight
// (22:00 to 07:00). Malformed settings disable quiet hours rather than
// suppressing notifications.
func inQuietHours(prefs models.NotificationPreferences, now time.Time) bool {
	if prefs.QuietHoursStart == "" || prefs.QuietHoursEnd == "" {
		return false
	}

	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	start, err1 := parseClock(prefs.QuietHoursStart)
	end, err2 := parseClock(prefs.QuietHoursEnd)
	if err1 != nil || err2 != nil || start == end {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	if start < end {
		return minutes >= start && minutes < end
	}
	// Window wraps midnight
	return minutes >= start || minutes < end
}

// parseClock converts "HH:MM" to minutes since midnight
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
