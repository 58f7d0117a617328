package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"smartnotify/internal/database"
	"smartnotify/internal/models"
)

// VectorStore holds precomputed message embeddings and answers similarity
// queries over them
type VectorStore interface {
	Upsert(ctx context.Context, emb models.MessageEmbedding) error
	// Get returns the embedding for a message, or nil when not yet embedded
	Get(ctx context.Context, messageID string) (*models.MessageEmbedding, error)
	// SearchSimilar returns up to limit results ranked by cosine similarity
	// descending, excluding the given message. Results are scoped to
	// conversations the user participates in.
	SearchSimilar(ctx context.Context, userID string, vector []float32, limit int, excludeMessageID string) ([]models.SemanticSearchResult, error)
}

// MessageSource lists messages for the embedding backfill sweep
type MessageSource interface {
	MessagesSince(ctx context.Context, since time.Time, limit int) ([]models.RecentMessage, error)
}

// EmbeddingService produces message embeddings asynchronously. New messages
// are queued and embedded off the hot path; the decision pipeline only ever
// reads vectors that already exist.
type EmbeddingService struct {
	client ModelClient
	store  VectorStore
	queue  chan embedJob
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

type embedJob struct {
	message models.RecentMessage
}

// embedQueueSize bounds the backlog; overflow is dropped and left to the
// backfill job
const embedQueueSize = 256

// NewEmbeddingService creates the async embedding worker
func NewEmbeddingService(client ModelClient, store VectorStore) *EmbeddingService {
	return &EmbeddingService{
		client: client,
		store:  store,
		queue:  make(chan embedJob, embedQueueSize),
	}
}

// Start launches the background worker
func (s *EmbeddingService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-s.queue:
				s.embedOne(ctx, job)
			}
		}
	}()
	slog.Info("embedding worker started")
}

// Stop shuts the worker down and waits for the in-flight job
func (s *EmbeddingService) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Enqueue schedules a message for embedding. Non-blocking: when the queue is
// full the message is skipped and picked up later by the backfill job.
func (s *EmbeddingService) Enqueue(msg models.RecentMessage) {
	select {
	case s.queue <- embedJob{message: msg}:
	default:
		slog.Warn("embedding queue full, deferring to backfill", "message_id", msg.ID)
	}
}

// BackfillMissing embeds messages newer than since that have no embedding
// yet (or whose text changed after an edit). It runs synchronously; the
// caller is the scheduled backfill job, not a request path. Returns how
// many messages were embedded.
func (s *EmbeddingService) BackfillMissing(ctx context.Context, source MessageSource, since time.Time, limit int) (int, error) {
	messages, err := source.MessagesSince(ctx, since, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list messages for backfill: %w", err)
	}

	embedded := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			return embedded, ctx.Err()
		}
		existing, err := s.store.Get(ctx, msg.ID)
		if err != nil {
			return embedded, fmt.Errorf("failed to check embedding %s: %w", msg.ID, err)
		}
		if existing != nil && existing.ContentHash == ContentHash(msg.Text) {
			continue
		}
		s.embedOne(ctx, embedJob{message: msg})
		embedded++
	}
	return embedded, nil
}

func (s *EmbeddingService) embedOne(ctx context.Context, job embedJob) {
	msg := job.message
	hash := ContentHash(msg.Text)

	existing, err := s.store.Get(ctx, msg.ID)
	if err == nil && existing != nil && existing.ContentHash == hash {
		return // unchanged, nothing to do
	}

	embedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	vector, err := s.client.Embed(embedCtx, msg.Text)
	if err != nil {
		slog.Warn("failed to embed message", "message_id", msg.ID, "error", err)
		return
	}

	emb := models.MessageEmbedding{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
		Vector:         vector,
		ContentHash:    hash,
		EmbeddedAt:     time.Now(),
	}
	if err := s.store.Upsert(ctx, emb); err != nil {
		slog.Warn("failed to store embedding", "message_id", msg.ID, "error", err)
	}
}

// ContentHash returns the stable hash used to detect edited message text
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CosineSimilarity returns the cosine similarity of two vectors in [-1, 1].
// Mismatched or zero-length vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ---- MongoDB-backed vector store ----

// candidateLimit caps how many stored embeddings one similarity query scans.
// Vectors are ranked in-process; the document store only filters by user.
const candidateLimit = 500

// MongoVectorStore keeps embeddings as documents with float array vectors
type MongoVectorStore struct {
	mongo *database.MongoDB
}

// NewMongoVectorStore creates a MongoDB-backed vector store
func NewMongoVectorStore(m *database.MongoDB) *MongoVectorStore {
	return &MongoVectorStore{mongo: m}
}

// Upsert stores or replaces the embedding for a message
func (s *MongoVectorStore) Upsert(ctx context.Context, emb models.MessageEmbedding) error {
	_, err := s.mongo.Collection(database.CollectionEmbeddings).
		ReplaceOne(ctx, bson.M{"_id": emb.MessageID}, emb, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding %s: %w", emb.MessageID, err)
	}
	return nil
}

// Get returns the embedding for a message, or nil when not yet embedded
func (s *MongoVectorStore) Get(ctx context.Context, messageID string) (*models.MessageEmbedding, error) {
	var emb models.MessageEmbedding
	err := s.mongo.Collection(database.CollectionEmbeddings).
		FindOne(ctx, bson.M{"_id": messageID}).Decode(&emb)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding %s: %w", messageID, err)
	}
	return &emb, nil
}

// SearchSimilar loads recent embeddings from conversations the user
// participates in and ranks them by cosine similarity in-process
func (s *MongoVectorStore) SearchSimilar(ctx context.Context, userID string, vector []float32, limit int, excludeMessageID string) ([]models.SemanticSearchResult, error) {
	conversationIDs, err := s.userConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(conversationIDs) == 0 {
		return nil, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "embedded_at", Value: -1}}).
		SetLimit(candidateLimit)

	cursor, err := s.mongo.Collection(database.CollectionEmbeddings).
		Find(ctx, bson.M{"conversation_id": bson.M{"$in": conversationIDs}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer cursor.Close(ctx)

	var candidates []models.MessageEmbedding
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings: %w", err)
	}

	return RankBySimilarity(candidates, vector, limit, excludeMessageID), nil
}

// userConversationIDs returns the IDs of conversations the user belongs to.
// This is the access boundary for similarity search.
func (s *MongoVectorStore) userConversationIDs(ctx context.Context, userID string) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "last_activity_at", Value: -1}}).
		SetLimit(200)

	cursor, err := s.mongo.Collection(database.CollectionConversations).
		Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query user conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode conversation ids: %w", err)
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// RankBySimilarity scores candidates against the query vector and returns
// the top results, similarity descending
func RankBySimilarity(candidates []models.MessageEmbedding, vector []float32, limit int, excludeMessageID string) []models.SemanticSearchResult {
	results := make([]models.SemanticSearchResult, 0, len(candidates))
	for _, c := range candidates {
		if c.MessageID == excludeMessageID {
			continue
		}
		results = append(results, models.SemanticSearchResult{
			MessageID:      c.MessageID,
			ConversationID: c.ConversationID,
			Text:           c.Text,
			Similarity:     CosineSimilarity(vector, c.Vector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// ---- In-memory vector store ----

// MemoryVectorStore is a map-backed vector store for tests and local
// development. Membership scoping is optional; with no membership func all
// stored embeddings are searchable.
type MemoryVectorStore struct {
	mu         sync.RWMutex
	embeddings map[string]models.MessageEmbedding
	membership func(userID, conversationID string) bool
}

// NewMemoryVectorStore creates an empty in-memory vector store
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{embeddings: make(map[string]models.MessageEmbedding)}
}

// SetMembership installs the conversation-membership check used to scope
// similarity search
func (s *MemoryVectorStore) SetMembership(fn func(userID, conversationID string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membership = fn
}

// Upsert stores or replaces the embedding for a message
func (s *MemoryVectorStore) Upsert(_ context.Context, emb models.MessageEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[emb.MessageID] = emb
	return nil
}

// Get returns the embedding for a message, or nil when not yet embedded
func (s *MemoryVectorStore) Get(_ context.Context, messageID string) (*models.MessageEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	emb, ok := s.embeddings[messageID]
	if !ok {
		return nil, nil
	}
	return &emb, nil
}

// SearchSimilar ranks stored embeddings the user can access by cosine similarity
func (s *MemoryVectorStore) SearchSimilar(_ context.Context, userID string, vector []float32, limit int, excludeMessageID string) ([]models.SemanticSearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []models.MessageEmbedding
	for _, emb := range s.embeddings {
		if s.membership != nil && !s.membership(userID, emb.ConversationID) {
			continue
		}
		candidates = append(candidates, emb)
	}
	return RankBySimilarity(candidates, vector, limit, excludeMessageID), nil
}
