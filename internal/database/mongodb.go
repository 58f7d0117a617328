package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB wraps the MongoDB client and database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// Collection names
const (
	CollectionMessages      = "messages"
	CollectionConversations = "conversations"
	CollectionPreferences   = "notification_preferences"
	CollectionEmbeddings    = "message_embeddings"
	CollectionResultCache   = "ai_result_cache"
	CollectionUserPresence  = "user_presence"
)

// NewMongoDB creates a new MongoDB connection with connection pooling
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := "smartnotify"
	db := client.Database(dbName)

	m := &MongoDB{
		client:   client,
		database: db,
		dbName:   dbName,
	}

	if err := m.ensureIndexes(ctx); err != nil {
		log.Printf("⚠️  Failed to create MongoDB indexes: %v", err)
	}

	log.Printf("✅ Connected to MongoDB (database: %s)", dbName)
	return m, nil
}

// ensureIndexes creates the indexes the read paths depend on
func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	messages := m.database.Collection(CollectionMessages)
	_, err := messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sent_at", Value: -1}},
	})
	if err != nil {
		return err
	}

	embeddings := m.database.Collection(CollectionEmbeddings)
	_, err = embeddings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "embedded_at", Value: -1}},
	})
	if err != nil {
		return err
	}

	conversations := m.database.Collection(CollectionConversations)
	_, err = conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}, {Key: "last_activity_at", Value: -1}},
	})
	return err
}

// Database returns the underlying database handle
func (m *MongoDB) Database() *mongo.Database {
	return m.database
}

// Collection returns a handle to the named collection
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// HealthCheck verifies the MongoDB connection is alive
func (m *MongoDB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB
func (m *MongoDB) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}

	log.Println("✅ MongoDB connection closed")
	return nil
}
