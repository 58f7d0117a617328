package models

import (
	"time"
	"unicode/utf8"
)

// RecentMessage is a single conversation message as seen by the pipeline
type RecentMessage struct {
	ID             string    `bson:"_id" json:"id"`
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	SenderID       string    `bson:"sender_id" json:"sender_id"`
	SenderName     string    `bson:"sender_name" json:"sender_name"`
	Text           string    `bson:"text" json:"text"`
	Mentions       []string  `bson:"mentions,omitempty" json:"mentions,omitempty"`
	SentAt         time.Time `bson:"sent_at" json:"sent_at"`
}

// notificationPreviewLimit caps how much message text is surfaced in a push
const notificationPreviewLimit = 120

// PreviewText returns the message text truncated for use as notification body
func (m RecentMessage) PreviewText() string {
	if utf8.RuneCountInString(m.Text) <= notificationPreviewLimit {
		return m.Text
	}
	runes := []rune(m.Text)
	return string(runes[:notificationPreviewLimit-1]) + "…"
}

// MentionsUser reports whether the message explicitly mentions the user
func (m RecentMessage) MentionsUser(userID string) bool {
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}

// ConversationSummary is the per-conversation state the pipeline reads
type ConversationSummary struct {
	ID               string    `bson:"_id" json:"id"`
	Title            string    `bson:"title" json:"title"`
	IsGroup          bool      `bson:"is_group" json:"is_group"`
	IsMuted          bool      `bson:"is_muted" json:"is_muted"`
	ParticipantCount int       `bson:"participant_count" json:"participant_count"`
	MessageCount     int       `bson:"message_count" json:"message_count"`
	LastActivityAt   time.Time `bson:"last_activity_at" json:"last_activity_at"`
	UnreadCount      int       `bson:"unread_count" json:"unread_count"`
}

// SemanticSearchResult is one vector-similarity hit against past messages
type SemanticSearchResult struct {
	MessageID      string  `bson:"message_id" json:"message_id"`
	ConversationID string  `bson:"conversation_id" json:"conversation_id"`
	Text           string  `bson:"text" json:"text"`
	Similarity     float64 `bson:"similarity" json:"similarity"`
}

// MessageEmbedding is a precomputed vector for one message. Embeddings are
// produced asynchronously when messages arrive; the hot path only reads them.
type MessageEmbedding struct {
	MessageID      string    `bson:"_id" json:"message_id"`
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	SenderID       string    `bson:"sender_id" json:"sender_id"`
	Text           string    `bson:"text" json:"text"`
	Vector         []float32 `bson:"vector" json:"vector"`
	ContentHash    string    `bson:"content_hash" json:"content_hash"`
	EmbeddedAt     time.Time `bson:"embedded_at" json:"embedded_at"`
}

// UserContext is the bounded context assembled for one model invocation.
// Request-scoped; never persisted.
type UserContext struct {
	RecentMessages  []RecentMessage         // most-recent-first
	Conversations   []ConversationSummary
	Preferences     NotificationPreferences // read-only to this service
	SemanticContext []SemanticSearchResult  // ranked by similarity descending
}
