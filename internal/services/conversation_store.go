package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"smartnotify/internal/database"
	"smartnotify/internal/models"
)

// ConversationStore is the read-only view of the chat data this service
// consumes. Messages, conversations, preferences, and presence are owned by
// the main chat backend; this service never writes them.
type ConversationStore interface {
	// RecentMessages returns up to limit messages, most-recent-first
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.RecentMessage, error)
	// LatestMessage returns the newest message, or nil for an empty conversation
	LatestMessage(ctx context.Context, conversationID string) (*models.RecentMessage, error)
	// GetMessage returns one message by ID, or nil when absent
	GetMessage(ctx context.Context, conversationID, messageID string) (*models.RecentMessage, error)
	// MessageCount returns the total message count of the conversation
	MessageCount(ctx context.Context, conversationID string) (int, error)
	// Conversation returns the conversation summary, or nil when absent
	Conversation(ctx context.Context, conversationID string) (*models.ConversationSummary, error)
	// UserConversations returns the user's conversations, most recently active first
	UserConversations(ctx context.Context, userID string, limit int) ([]models.ConversationSummary, error)
	// Preferences returns the user's notification preferences, or nil when unset
	Preferences(ctx context.Context, userID string) (*models.NotificationPreferences, error)
	// LastActiveAt returns when the user last viewed the conversation
	// (zero time when unknown)
	LastActiveAt(ctx context.Context, userID, conversationID string) (time.Time, error)
}

// MongoConversationStore reads chat data from the shared MongoDB
type MongoConversationStore struct {
	mongo *database.MongoDB
}

// NewMongoConversationStore creates a MongoDB-backed conversation store
func NewMongoConversationStore(m *database.MongoDB) *MongoConversationStore {
	return &MongoConversationStore{mongo: m}
}

// RecentMessages returns up to limit messages, most-recent-first
func (s *MongoConversationStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.RecentMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "sent_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.mongo.Collection(database.CollectionMessages).
		Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []models.RecentMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

// LatestMessage returns the newest message, or nil for an empty conversation
func (s *MongoConversationStore) LatestMessage(ctx context.Context, conversationID string) (*models.RecentMessage, error) {
	messages, err := s.RecentMessages(ctx, conversationID, 1)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return &messages[0], nil
}

// GetMessage returns one message by ID, or nil when absent
func (s *MongoConversationStore) GetMessage(ctx context.Context, conversationID, messageID string) (*models.RecentMessage, error) {
	var msg models.RecentMessage
	err := s.mongo.Collection(database.CollectionMessages).
		FindOne(ctx, bson.M{"_id": messageID, "conversation_id": conversationID}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", messageID, err)
	}
	return &msg, nil
}

// MessageCount returns the total message count of the conversation
func (s *MongoConversationStore) MessageCount(ctx context.Context, conversationID string) (int, error) {
	count, err := s.mongo.Collection(database.CollectionMessages).
		CountDocuments(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(count), nil
}

// Conversation returns the conversation summary, or nil when absent
func (s *MongoConversationStore) Conversation(ctx context.Context, conversationID string) (*models.ConversationSummary, error) {
	var convo models.ConversationSummary
	err := s.mongo.Collection(database.CollectionConversations).
		FindOne(ctx, bson.M{"_id": conversationID}).Decode(&convo)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation %s: %w", conversationID, err)
	}
	return &convo, nil
}

// UserConversations returns the user's conversations, most recently active first
func (s *MongoConversationStore) UserConversations(ctx context.Context, userID string, limit int) ([]models.ConversationSummary, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "last_activity_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.mongo.Collection(database.CollectionConversations).
		Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var conversations []models.ConversationSummary
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return conversations, nil
}

// MessagesSince returns messages sent after since, oldest first, capped at
// limit. The embedding backfill job uses this to find messages the async
// worker missed.
func (s *MongoConversationStore) MessagesSince(ctx context.Context, since time.Time, limit int) ([]models.RecentMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "sent_at", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.mongo.Collection(database.CollectionMessages).
		Find(ctx, bson.M{"sent_at": bson.M{"$gt": since}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages since %s: %w", since.Format(time.RFC3339), err)
	}
	defer cursor.Close(ctx)

	var messages []models.RecentMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

// Preferences returns the user's notification preferences, or nil when unset
func (s *MongoConversationStore) Preferences(ctx context.Context, userID string) (*models.NotificationPreferences, error) {
	var prefs models.NotificationPreferences
	err := s.mongo.Collection(database.CollectionPreferences).
		FindOne(ctx, bson.M{"_id": userID}).Decode(&prefs)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences for %s: %w", userID, err)
	}
	return &prefs, nil
}

// LastActiveAt returns when the user last viewed the conversation
func (s *MongoConversationStore) LastActiveAt(ctx context.Context, userID, conversationID string) (time.Time, error) {
	var doc struct {
		LastActiveAt time.Time `bson:"last_active_at"`
	}
	err := s.mongo.Collection(database.CollectionUserPresence).
		FindOne(ctx, bson.M{"user_id": userID, "conversation_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read presence: %w", err)
	}
	return doc.LastActiveAt, nil
}
