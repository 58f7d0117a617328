package models

import "fmt"

// Priority is the urgency attached to a notification decision
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether the priority is one of the known values
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// DecisionSource records which path of the pipeline resolved a decision
type DecisionSource string

const (
	SourceCache     DecisionSource = "cache"
	SourceHeuristic DecisionSource = "heuristic"
	SourceModel     DecisionSource = "model"
	SourceFallback  DecisionSource = "fallback"
)

// NotificationDecision is the final verdict for a new message. Both the
// heuristic path and the model path produce this same shape, so callers
// never need to know which one resolved it.
type NotificationDecision struct {
	ShouldNotify     bool           `bson:"should_notify" json:"should_notify"`
	Reason           string         `bson:"reason" json:"reason"` // operator-auditable, not shown to end users
	NotificationText string         `bson:"notification_text" json:"notification_text"`
	Priority         Priority       `bson:"priority" json:"priority"`
	DecidedBy        DecisionSource `bson:"decided_by" json:"decided_by"`
}

// HeuristicOutcome is the three-way result of the fast heuristic filter
type HeuristicOutcome string

const (
	DefinitelyNotify HeuristicOutcome = "definitely_notify"
	DefinitelySkip   HeuristicOutcome = "definitely_skip"
	NeedModel        HeuristicOutcome = "need_model"
)

// FallbackStrategy is the deterministic behavior substituted when the
// model path cannot be used (rate-limited, timed out, or failed).
type FallbackStrategy string

const (
	FallbackSimpleRules FallbackStrategy = "simple_rules"
	FallbackNotifyAll   FallbackStrategy = "notify_all"
	FallbackSuppressAll FallbackStrategy = "suppress_all"
)

// Valid reports whether the strategy is one of the known values
func (s FallbackStrategy) Valid() bool {
	_, ok := fallbackTable[s]
	return ok
}

// FallbackInput carries the signals a fallback rule may consult
type FallbackInput struct {
	Message      RecentMessage
	Conversation ConversationSummary
	MentionsUser bool
	HasKeyword   bool
}

// fallbackTable dispatches each strategy to its rule. A closed table keeps
// the set of strategies in one place instead of scattering string switches.
var fallbackTable = map[FallbackStrategy]func(FallbackInput) NotificationDecision{
	FallbackNotifyAll: func(in FallbackInput) NotificationDecision {
		return NotificationDecision{
			ShouldNotify:     true,
			Reason:           "fallback: notify_all strategy",
			NotificationText: in.Message.PreviewText(),
			Priority:         PriorityMedium,
			DecidedBy:        SourceFallback,
		}
	},
	FallbackSuppressAll: func(in FallbackInput) NotificationDecision {
		return NotificationDecision{
			ShouldNotify: false,
			Reason:       "fallback: suppress_all strategy",
			Priority:     PriorityLow,
			DecidedBy:    SourceFallback,
		}
	},
	FallbackSimpleRules: func(in FallbackInput) NotificationDecision {
		// Notify on direct messages, mentions, and priority keywords;
		// suppress everything else.
		switch {
		case in.HasKeyword:
			return NotificationDecision{
				ShouldNotify:     true,
				Reason:           "fallback: simple rule matched priority keyword",
				NotificationText: in.Message.PreviewText(),
				Priority:         PriorityHigh,
				DecidedBy:        SourceFallback,
			}
		case in.MentionsUser, !in.Conversation.IsGroup:
			return NotificationDecision{
				ShouldNotify:     true,
				Reason:           "fallback: simple rule (direct message or mention)",
				NotificationText: in.Message.PreviewText(),
				Priority:         PriorityMedium,
				DecidedBy:        SourceFallback,
			}
		default:
			return NotificationDecision{
				ShouldNotify: false,
				Reason:       "fallback: simple rules found no notify signal",
				Priority:     PriorityLow,
				DecidedBy:    SourceFallback,
			}
		}
	},
}

// ApplyFallback resolves a decision using the given strategy. Unknown
// strategies fall back to simple rules rather than failing the pipeline.
func ApplyFallback(strategy FallbackStrategy, in FallbackInput) NotificationDecision {
	rule, ok := fallbackTable[strategy]
	if !ok {
		rule = fallbackTable[FallbackSimpleRules]
	}
	return rule(in)
}

// ParseFallbackStrategy validates a stored preference value
func ParseFallbackStrategy(s string) (FallbackStrategy, error) {
	strategy := FallbackStrategy(s)
	if !strategy.Valid() {
		return "", fmt.Errorf("unknown fallback strategy %q", s)
	}
	return strategy, nil
}
