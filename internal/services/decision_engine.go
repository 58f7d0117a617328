package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"smartnotify/internal/models"
)

// notificationSystemPrompt instructs the model to act as the notification
// analyst. The response contract is strict JSON so parsing stays mechanical.
const notificationSystemPrompt = `You are a notification assistant for a chat application. Given a new message and the user's context, decide whether a push notification should be sent RIGHT NOW.

Consider:
1. **Urgency**: Does the message need immediate attention?
2. **Relevance**: Is it directed at or important to this user?
3. **Noise**: Would notifying interrupt without adding value?
4. **Patterns**: Do the related past messages suggest this thread matters to the user?

Respond with ONLY a JSON object, no markdown, no explanation:
{"should_notify": true|false, "reason": "brief operator-facing justification", "notification_text": "short push text if notifying, else empty", "priority": "high"|"medium"|"low"}`

// DecisionEngineConfig tunes one engine instance
type DecisionEngineConfig struct {
	DailyLimit    int
	CacheTTLHours float64
	ModelTimeout  time.Duration
	Bounds        ContextBounds
}

// DecisionEngine orchestrates the notification pipeline:
// cache → heuristics → rate limit → context retrieval → model → cache store.
// Cache hits and heuristic verdicts consume no rate-limit slot; only real
// model usage does. Model failures of any kind resolve through the user's
// fallback strategy — the caller always gets a decision, never a fault.
type DecisionEngine struct {
	cache     *ResultCacheService
	staleness *StalenessEvaluator
	limiter   *RateLimiterService
	filter    *HeuristicFilter
	builder   *ContextBuilderService
	model     ModelClient
	store     ConversationStore
	metrics   *Metrics
	audit     *logrus.Logger
	embedder  *EmbeddingService
	cfg       DecisionEngineConfig
	now       func() time.Time
}

// SetEmbedder attaches the async embedding worker. When set, every analyzed
// message is queued for embedding so later analyses get semantic context.
func (e *DecisionEngine) SetEmbedder(embedder *EmbeddingService) {
	e.embedder = embedder
}

// NewDecisionEngine wires the pipeline components together
func NewDecisionEngine(
	cache *ResultCacheService,
	staleness *StalenessEvaluator,
	limiter *RateLimiterService,
	filter *HeuristicFilter,
	builder *ContextBuilderService,
	model ModelClient,
	store ConversationStore,
	metrics *Metrics,
	cfg DecisionEngineConfig,
) *DecisionEngine {
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 20 * time.Second
	}
	if cfg.Bounds.MaxRecentMessages == 0 {
		cfg.Bounds = DefaultContextBounds()
	}
	audit := logrus.New()
	audit.SetFormatter(&logrus.JSONFormatter{})

	return &DecisionEngine{
		cache:     cache,
		staleness: staleness,
		limiter:   limiter,
		filter:    filter,
		builder:   builder,
		model:     model,
		store:     store,
		metrics:   metrics,
		audit:     audit,
		cfg:       cfg,
		now:       time.Now,
	}
}

// AnalyzeForNotification produces the notification decision for a new
// message. messageID may be empty, in which case the conversation's latest
// message is the trigger.
func (e *DecisionEngine) AnalyzeForNotification(ctx context.Context, conversationID, userID, messageID string) (*models.NotificationDecision, error) {
	started := e.now()

	msg, err := e.triggeringMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}

	if e.embedder != nil {
		e.embedder.Enqueue(*msg)
	}

	// At-most-one-decision-per-message: the key folds in the triggering
	// message ID, so racing requests for the same message are idempotent
	// and decisions for different messages never conflict.
	key := BuildCacheKey(models.FeatureNotificationDecision, conversationID, msg.ID)

	currentCount := -1 // fetched lazily, at most once
	if entry := e.cache.Lookup(ctx, key); entry != nil {
		currentCount = e.messageCount(ctx, conversationID, entry.SourceMessageCount)
		verdict := e.staleness.Evaluate(entry, currentCount)
		if !verdict.IsStale {
			decision, err := decodeDecision(entry.Result)
			if err == nil {
				decision.DecidedBy = models.SourceCache
				e.finish(started, userID, msg, decision, "cache hit")
				return decision, nil
			}
			// Corrupt payload: drop the entry and recompute
			e.cache.Invalidate(ctx, key)
		} else if e.metrics != nil {
			e.metrics.RecordCacheMiss("stale")
		}
	}

	convo := e.conversation(ctx, conversationID)
	prefs := e.preferences(ctx, userID)
	lastActive, _ := e.store.LastActiveAt(ctx, userID, conversationID)

	input := HeuristicInput{
		UserID:           userID,
		Message:          *msg,
		Conversation:     convo,
		Preferences:      prefs,
		UserLastActiveAt: lastActive,
		Now:              e.now(),
	}

	outcome, reason := e.filter.Evaluate(input)
	if outcome != models.NeedModel {
		decision := SynthesizeDecision(outcome, reason, *msg)
		if currentCount < 0 {
			currentCount = e.messageCount(ctx, conversationID, 0)
		}
		e.cacheDecision(ctx, key, &decision, currentCount)
		e.finish(started, userID, msg, &decision, "heuristic")
		return &decision, nil
	}

	// Everything past this point is model usage and must be gated

	// An exhausted hourly budget is a deterministic skip like any other
	// heuristic outcome, not a provider failure, so the fallback strategy
	// does not apply. Time-scoped, so never cached.
	if ok, _ := e.limiter.CheckHourlyBudget(ctx, userID, prefs.MaxAnalysesPerHour); !ok {
		decision := SynthesizeDecision(models.DefinitelySkip, "hourly analysis budget exhausted", *msg)
		e.finish(started, userID, msg, &decision, "heuristic")
		return &decision, nil
	}

	if err := e.limiter.CheckAndIncrement(ctx, userID, models.FeatureNotificationDecision, e.cfg.DailyLimit); err != nil {
		var limitErr *LimitExceededError
		if errors.As(err, &limitErr) {
			if e.metrics != nil {
				e.metrics.RecordRateLimitRejection(string(models.FeatureNotificationDecision))
			}
			decision := e.fallback(prefs.FallbackStrategy, *msg, convo, prefs, limitErr.Error())
			e.finish(started, userID, msg, &decision, "fallback")
			return &decision, nil
		}
		return nil, err
	}

	decision, modelErr := e.modelDecision(ctx, userID, conversationID, *msg)
	if modelErr != nil {
		decision = e.fallback(prefs.FallbackStrategy, *msg, convo, prefs, modelErr.Error())
		e.finish(started, userID, msg, &decision, "fallback")
		return &decision, nil
	}

	if currentCount < 0 {
		currentCount = e.messageCount(ctx, conversationID, 0)
	}
	e.cacheDecision(ctx, key, &decision, currentCount)
	e.finish(started, userID, msg, &decision, "model")
	return &decision, nil
}

// modelDecision runs the full model path: context assembly, invocation,
// response parsing. Every failure mode comes back as an error for the
// caller to map to the fallback strategy.
func (e *DecisionEngine) modelDecision(ctx context.Context, userID, conversationID string, msg models.RecentMessage) (models.NotificationDecision, error) {
	userCtx, err := e.builder.BuildContext(ctx, userID, conversationID, e.cfg.Bounds)
	if err != nil {
		return models.NotificationDecision{}, fmt.Errorf("context retrieval failed: %w", err)
	}

	modelCtx, cancel := context.WithTimeout(ctx, e.cfg.ModelTimeout)
	defer cancel()

	started := e.now()
	raw, err := e.model.Generate(modelCtx, notificationSystemPrompt, RenderPromptContext(userCtx, msg))
	if e.metrics != nil {
		e.metrics.RecordModelCall(e.now().Sub(started).Seconds())
	}
	if err != nil {
		e.recordModelError(err)
		return models.NotificationDecision{}, err
	}

	decision, err := parseModelDecision(raw)
	if err != nil {
		e.recordModelError(&ModelInvocationError{Cause: CauseMalformedResponse, Err: err})
		return models.NotificationDecision{}, err
	}
	return decision, nil
}

// fallback resolves a decision through the configured strategy. Fallback
// decisions are deliberately NOT cached: they reflect a degraded state, and
// the next request should get another chance at the model path.
func (e *DecisionEngine) fallback(strategy models.FallbackStrategy, msg models.RecentMessage, convo models.ConversationSummary, prefs models.NotificationPreferences, cause string) models.NotificationDecision {
	rules := e.filter.Rules()
	in := models.FallbackInput{
		Message:      msg,
		Conversation: convo,
		MentionsUser: msg.MentionsUser(prefs.UserID),
		HasKeyword:   matchPriorityKeyword(strings.ToLower(msg.Text), prefs.PriorityKeywords, rules.PriorityKeywords) != "",
	}
	decision := models.ApplyFallback(strategy, in)
	decision.Reason = decision.Reason + " (" + cause + ")"
	return decision
}

func (e *DecisionEngine) cacheDecision(ctx context.Context, key string, decision *models.NotificationDecision, sourceMessageCount int) {
	payload, err := json.Marshal(decision)
	if err != nil {
		return
	}
	if err := e.cache.Store(ctx, key, payload, models.FeatureNotificationDecision, sourceMessageCount, e.cfg.CacheTTLHours); err != nil {
		e.audit.WithError(err).Warn("failed to cache decision")
	}
}

// triggeringMessage resolves which message this analysis is about
func (e *DecisionEngine) triggeringMessage(ctx context.Context, conversationID, messageID string) (*models.RecentMessage, error) {
	var msg *models.RecentMessage
	var err error
	if messageID != "" {
		msg, err = e.store.GetMessage(ctx, conversationID, messageID)
	} else {
		msg, err = e.store.LatestMessage(ctx, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve triggering message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("no message to analyze in conversation %s", conversationID)
	}
	return msg, nil
}

func (e *DecisionEngine) messageCount(ctx context.Context, conversationID string, fallbackCount int) int {
	count, err := e.store.MessageCount(ctx, conversationID)
	if err != nil {
		return fallbackCount
	}
	return count
}

func (e *DecisionEngine) conversation(ctx context.Context, conversationID string) models.ConversationSummary {
	convo, err := e.store.Conversation(ctx, conversationID)
	if err != nil || convo == nil {
		return models.ConversationSummary{ID: conversationID}
	}
	return *convo
}

func (e *DecisionEngine) preferences(ctx context.Context, userID string) models.NotificationPreferences {
	prefs, err := e.store.Preferences(ctx, userID)
	if err != nil || prefs == nil {
		return models.DefaultNotificationPreferences(userID)
	}
	if !prefs.FallbackStrategy.Valid() {
		prefs.FallbackStrategy = models.FallbackSimpleRules
	}
	return *prefs
}

func (e *DecisionEngine) recordModelError(err error) {
	if e.metrics == nil {
		return
	}
	var modelErr *ModelInvocationError
	if errors.As(err, &modelErr) {
		e.metrics.RecordModelError(string(modelErr.Cause))
	} else {
		e.metrics.RecordModelError(string(CauseProviderError))
	}
}

// finish emits the audit record and decision metrics for one analysis
func (e *DecisionEngine) finish(started time.Time, userID string, msg *models.RecentMessage, decision *models.NotificationDecision, path string) {
	if e.metrics != nil {
		e.metrics.RecordDecision(string(decision.DecidedBy), decision.ShouldNotify)
	}
	e.audit.WithFields(logrus.Fields{
		"path":            path,
		"decided_by":      decision.DecidedBy,
		"notify":          decision.ShouldNotify,
		"priority":        decision.Priority,
		"reason":          decision.Reason,
		"user_id":         userID,
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"latency_ms":      e.now().Sub(started).Milliseconds(),
	}).Info("notification decision")
}

// parseModelDecision parses the model's JSON response into a decision
func parseModelDecision(raw string) (models.NotificationDecision, error) {
	var decision models.NotificationDecision
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &decision); err != nil {
		return decision, fmt.Errorf("unparseable model response: %w", err)
	}
	if !decision.Priority.Valid() {
		decision.Priority = models.PriorityMedium
	}
	decision.DecidedBy = models.SourceModel
	return decision, nil
}

// decodeDecision unmarshals a cached decision payload
func decodeDecision(payload []byte) (*models.NotificationDecision, error) {
	var decision models.NotificationDecision
	if err := json.Unmarshal(payload, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}
