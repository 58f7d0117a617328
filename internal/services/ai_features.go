package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"smartnotify/internal/models"
)

// Prompts for the non-notification AI features
const (
	summarySystemPrompt = `You are a conversation summarizer for a chat application. Summarize the conversation below in 2-4 sentences. Capture decisions, questions awaiting answers, and overall tone. Plain text only.`

	actionItemsSystemPrompt = `You extract action items from chat conversations. Respond with ONLY a JSON array, no markdown:
[{"text": "what needs doing", "assignee": "person or empty", "due": "mentioned deadline or empty"}]
Return [] if there are none.`
)

// ActionItem is one extracted task from a conversation
type ActionItem struct {
	Text     string `json:"text"`
	Assignee string `json:"assignee"`
	Due      string `json:"due"`
}

// AIFeaturesService implements the summarization, action-item extraction,
// and semantic search features. All of them go through the same result
// cache and rate limiter as the notification pipeline, so quota and
// staleness behave identically across features.
type AIFeaturesService struct {
	cache     *ResultCacheService
	staleness *StalenessEvaluator
	limiter   *RateLimiterService
	model     ModelClient
	store     ConversationStore
	vectors   VectorStore

	dailyLimits   map[models.FeatureType]int
	cacheTTLHours float64
	modelTimeout  time.Duration
	messageWindow int
	searchLimit   int
}

// AIFeaturesConfig tunes the feature service
type AIFeaturesConfig struct {
	DailyLimits   map[models.FeatureType]int
	CacheTTLHours float64
	ModelTimeout  time.Duration
	MessageWindow int
	SearchLimit   int
}

// NewAIFeaturesService creates the feature service
func NewAIFeaturesService(
	cache *ResultCacheService,
	staleness *StalenessEvaluator,
	limiter *RateLimiterService,
	model ModelClient,
	store ConversationStore,
	vectors VectorStore,
	cfg AIFeaturesConfig,
) *AIFeaturesService {
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 30 * time.Second
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = 50
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 10
	}
	return &AIFeaturesService{
		cache:         cache,
		staleness:     staleness,
		limiter:       limiter,
		model:         model,
		store:         store,
		vectors:       vectors,
		dailyLimits:   cfg.DailyLimits,
		cacheTTLHours: cfg.CacheTTLHours,
		modelTimeout:  cfg.ModelTimeout,
		messageWindow: cfg.MessageWindow,
		searchLimit:   cfg.SearchLimit,
	}
}

// Summarize returns a summary of the conversation, cached against its
// latest message
func (s *AIFeaturesService) Summarize(ctx context.Context, userID, conversationID string) (string, error) {
	var summary string
	err := s.generateCached(ctx, userID, conversationID, models.FeatureSummary,
		summarySystemPrompt, &summary,
		func(raw string) (interface{}, error) {
			return raw, nil
		})
	return summary, err
}

// ExtractActionItems returns the open action items in the conversation,
// cached against its latest message
func (s *AIFeaturesService) ExtractActionItems(ctx context.Context, userID, conversationID string) ([]ActionItem, error) {
	var items []ActionItem
	err := s.generateCached(ctx, userID, conversationID, models.FeatureActionItems,
		actionItemsSystemPrompt, &items,
		func(raw string) (interface{}, error) {
			var parsed []ActionItem
			if err := json.Unmarshal([]byte(stripCodeFences(raw)), &parsed); err != nil {
				return nil, &ModelInvocationError{Cause: CauseMalformedResponse, Err: err}
			}
			return parsed, nil
		})
	return items, err
}

// generateCached is the shared cache → rate limit → model flow for
// conversation-scoped features. parse converts the raw completion into the
// cacheable result; out receives the result (cached or fresh) via JSON.
func (s *AIFeaturesService) generateCached(ctx context.Context, userID, conversationID string, feature models.FeatureType, systemPrompt string, out interface{}, parse func(string) (interface{}, error)) error {
	latest, err := s.store.LatestMessage(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to resolve latest message: %w", err)
	}
	if latest == nil {
		return fmt.Errorf("conversation %s has no messages", conversationID)
	}

	key := BuildCacheKey(feature, conversationID, latest.ID)
	if entry := s.cache.Lookup(ctx, key); entry != nil {
		count, err := s.store.MessageCount(ctx, conversationID)
		if err != nil {
			count = entry.SourceMessageCount
		}
		if !s.staleness.Evaluate(entry, count).IsStale {
			return json.Unmarshal(entry.Result, out)
		}
	}

	if err := s.limiter.CheckAndIncrement(ctx, userID, feature, s.dailyLimits[feature]); err != nil {
		return err
	}

	messages, err := s.store.RecentMessages(ctx, conversationID, s.messageWindow)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	modelCtx, cancel := context.WithTimeout(ctx, s.modelTimeout)
	defer cancel()

	raw, err := s.model.Generate(modelCtx, systemPrompt, renderTranscript(messages))
	if err != nil {
		return err
	}

	result, err := parse(raw)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode %s result: %w", feature, err)
	}

	count, err := s.store.MessageCount(ctx, conversationID)
	if err != nil {
		count = len(messages)
	}
	if err := s.cache.Store(ctx, key, payload, feature, count, s.cacheTTLHours); err != nil {
		slog.Warn("failed to cache feature result", "feature", feature, "error", err)
	}

	return json.Unmarshal(payload, out)
}

// Search runs semantic search over the user's message history. The query is
// embedded inline — unlike the notification hot path, search is an explicit
// user action and may wait for one embedding call. Results are cached by
// query hash.
func (s *AIFeaturesService) Search(ctx context.Context, userID, query string) ([]models.SemanticSearchResult, error) {
	key := BuildCacheKey(models.FeatureSearch, userID, QueryHash(query))
	if entry := s.cache.Lookup(ctx, key); entry != nil {
		var cached []models.SemanticSearchResult
		if err := json.Unmarshal(entry.Result, &cached); err == nil {
			return cached, nil
		}
	}

	if err := s.limiter.CheckAndIncrement(ctx, userID, models.FeatureSearch, s.dailyLimits[models.FeatureSearch]); err != nil {
		return nil, err
	}

	modelCtx, cancel := context.WithTimeout(ctx, s.modelTimeout)
	defer cancel()

	vector, err := s.model.Embed(modelCtx, query)
	if err != nil {
		return nil, err
	}

	results, err := s.vectors.SearchSimilar(ctx, userID, vector, s.searchLimit, "")
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}

	if payload, err := json.Marshal(results); err == nil {
		// Search results age out on TTL alone; there is no per-message
		// staleness anchor for a free-text query
		if err := s.cache.Store(ctx, key, payload, models.FeatureSearch, 0, s.cacheTTLHours); err != nil {
			slog.Warn("failed to cache search result", "error", err)
		}
	}

	return results, nil
}

// renderTranscript renders messages oldest-first for feature prompts
func renderTranscript(messages []models.RecentMessage) string {
	var sb []byte
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		sb = append(sb, fmt.Sprintf("[%s] %s: %s\n", m.SentAt.Format("Jan 2 15:04"), m.SenderName, m.Text)...)
	}
	return string(sb)
}
