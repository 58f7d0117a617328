package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"smartnotify/internal/models"
)

// ContextBounds caps how much context one model invocation may assemble
type ContextBounds struct {
	MaxRecentMessages  int
	MaxConversations   int
	MaxSemanticResults int
}

// DefaultContextBounds returns the standard bounds used by the decision engine
func DefaultContextBounds() ContextBounds {
	return ContextBounds{
		MaxRecentMessages:  20,
		MaxConversations:   10,
		MaxSemanticResults: 5,
	}
}

// ContextBuilderService assembles the bounded context for a model call:
// recent messages, the user's conversations, their preferences, and — when
// embeddings are available — semantically similar past messages.
//
// The vector store is a soft dependency: if it is down or the triggering
// message has no precomputed embedding yet, semantic context is simply
// empty. Embeddings are never computed inline here.
type ContextBuilderService struct {
	store   ConversationStore
	vectors VectorStore
}

// NewContextBuilderService creates a context builder
func NewContextBuilderService(store ConversationStore, vectors VectorStore) *ContextBuilderService {
	return &ContextBuilderService{store: store, vectors: vectors}
}

// BuildContext assembles the user context for one analysis. The message
// window is required; conversations and semantic context degrade to empty
// on failure.
func (b *ContextBuilderService) BuildContext(ctx context.Context, userID, conversationID string, bounds ContextBounds) (*models.UserContext, error) {
	recent, err := b.store.RecentMessages(ctx, conversationID, bounds.MaxRecentMessages)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	conversations, err := b.store.UserConversations(ctx, userID, bounds.MaxConversations)
	if err != nil {
		slog.Warn("failed to load conversations for context", "user_id", userID, "error", err)
		conversations = nil
	}

	prefs, err := b.store.Preferences(ctx, userID)
	if err != nil || prefs == nil {
		defaults := models.DefaultNotificationPreferences(userID)
		prefs = &defaults
	}

	userCtx := &models.UserContext{
		RecentMessages: recent,
		Conversations:  conversations,
		Preferences:    *prefs,
	}

	if b.vectors != nil && len(recent) > 0 {
		userCtx.SemanticContext = b.semanticContext(ctx, userID, recent[0], bounds.MaxSemanticResults)
	}

	return userCtx, nil
}

// semanticContext looks up messages similar to the triggering one using its
// precomputed embedding. Any failure degrades to empty context.
func (b *ContextBuilderService) semanticContext(ctx context.Context, userID string, latest models.RecentMessage, limit int) []models.SemanticSearchResult {
	emb, err := b.vectors.Get(ctx, latest.ID)
	if err != nil {
		slog.Warn("embedding store unavailable, skipping semantic context",
			"message_id", latest.ID, "error", err)
		return nil
	}
	if emb == nil {
		// Not embedded yet (async worker hasn't caught up); fine
		return nil
	}

	results, err := b.vectors.SearchSimilar(ctx, userID, emb.Vector, limit, latest.ID)
	if err != nil {
		slog.Warn("semantic search failed, skipping semantic context",
			"message_id", latest.ID, "error", err)
		return nil
	}
	return results
}

// RenderPromptContext turns the assembled context into the user-prompt text
// for the model. Most-recent-first message order is preserved and labeled so
// the model is not confused by it.
func RenderPromptContext(userCtx *models.UserContext, triggering models.RecentMessage) string {
	var sb strings.Builder

	sb.WriteString("## New Message\n\n")
	sb.WriteString(fmt.Sprintf("From %s in conversation %s:\n%s\n\n",
		triggering.SenderName, triggering.ConversationID, triggering.Text))

	if len(userCtx.RecentMessages) > 0 {
		sb.WriteString("## Recent Messages (newest first)\n\n")
		for _, m := range userCtx.RecentMessages {
			sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n",
				m.SentAt.Format("15:04"), m.SenderName, m.PreviewText()))
		}
		sb.WriteString("\n")
	}

	if len(userCtx.Conversations) > 0 {
		sb.WriteString("## Active Conversations\n\n")
		for _, c := range userCtx.Conversations {
			muted := ""
			if c.IsMuted {
				muted = " (muted)"
			}
			sb.WriteString(fmt.Sprintf("- %s: %d unread%s\n", c.Title, c.UnreadCount, muted))
		}
		sb.WriteString("\n")
	}

	if len(userCtx.SemanticContext) > 0 {
		sb.WriteString("## Related Past Messages\n\n")
		for _, r := range userCtx.SemanticContext {
			sb.WriteString(fmt.Sprintf("- (similarity %.2f) %s\n", r.Similarity, r.Text))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
