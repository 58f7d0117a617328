package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"smartnotify/internal/models"
)

// fakeConversationStore serves canned chat data for pipeline tests
type fakeConversationStore struct {
	messages     []models.RecentMessage // most-recent-first
	conversation models.ConversationSummary
	prefs        *models.NotificationPreferences
	messageCount int // 0 means len(messages)
	lastActiveAt time.Time
}

func (f *fakeConversationStore) RecentMessages(_ context.Context, _ string, limit int) ([]models.RecentMessage, error) {
	if limit > len(f.messages) {
		limit = len(f.messages)
	}
	return f.messages[:limit], nil
}

func (f *fakeConversationStore) LatestMessage(_ context.Context, _ string) (*models.RecentMessage, error) {
	if len(f.messages) == 0 {
		return nil, nil
	}
	msg := f.messages[0]
	return &msg, nil
}

func (f *fakeConversationStore) GetMessage(_ context.Context, _, messageID string) (*models.RecentMessage, error) {
	for _, m := range f.messages {
		if m.ID == messageID {
			msg := m
			return &msg, nil
		}
	}
	return nil, nil
}

func (f *fakeConversationStore) MessageCount(_ context.Context, _ string) (int, error) {
	if f.messageCount > 0 {
		return f.messageCount, nil
	}
	return len(f.messages), nil
}

func (f *fakeConversationStore) Conversation(_ context.Context, _ string) (*models.ConversationSummary, error) {
	convo := f.conversation
	return &convo, nil
}

func (f *fakeConversationStore) UserConversations(_ context.Context, _ string, _ int) ([]models.ConversationSummary, error) {
	return []models.ConversationSummary{f.conversation}, nil
}

func (f *fakeConversationStore) Preferences(_ context.Context, userID string) (*models.NotificationPreferences, error) {
	if f.prefs == nil {
		return nil, nil
	}
	prefs := *f.prefs
	return &prefs, nil
}

func (f *fakeConversationStore) LastActiveAt(_ context.Context, _, _ string) (time.Time, error) {
	return f.lastActiveAt, nil
}

func (f *fakeConversationStore) MessagesSince(_ context.Context, since time.Time, limit int) ([]models.RecentMessage, error) {
	var out []models.RecentMessage
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].SentAt.After(since) {
			out = append(out, f.messages[i])
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeModelClient counts invocations and serves a scripted response
type fakeModelClient struct {
	mu            sync.Mutex
	generateCalls int
	embedCalls    int
	response      string
	generateErr   error
	vector        []float32
	embedErr      error
}

func (f *fakeModelClient) Generate(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return f.response, nil
}

func (f *fakeModelClient) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.vector, nil
}

func (f *fakeModelClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateCalls
}

func (f *fakeModelClient) setGenerateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateErr = err
}

// ambiguousMessages builds a conversation that resolves no heuristic:
// a group chat, no keywords, no mentions, message long enough
func ambiguousMessages(n int) []models.RecentMessage {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	messages := make([]models.RecentMessage, n)
	for i := 0; i < n; i++ {
		messages[i] = models.RecentMessage{
			ID:             "msg-" + string(rune('a'+i)),
			ConversationID: "conv-1",
			SenderID:       "user-2",
			SenderName:     "Dana",
			Text:           "thinking about restructuring the onboarding docs sometime",
			SentAt:         base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return messages
}

func testEngine(store *fakeConversationStore, model *fakeModelClient, dailyLimit int) *DecisionEngine {
	cache := NewResultCacheService(NewMemoryCacheStore(), nil)
	staleness := NewStalenessEvaluator(10, 24)
	limiter := NewRateLimiterService(NewMemoryCounterStore(), time.UTC)
	filter := NewHeuristicFilter(nil)
	builder := NewContextBuilderService(store, NewMemoryVectorStore())

	return NewDecisionEngine(cache, staleness, limiter, filter, builder, model, store, nil,
		DecisionEngineConfig{
			DailyLimit:    dailyLimit,
			CacheTTLHours: 24,
			ModelTimeout:  time.Second,
		})
}

func groupPrefs(userID string) *models.NotificationPreferences {
	prefs := models.DefaultNotificationPreferences(userID)
	return &prefs
}

func TestDecisionEngine_ModelPathThenCacheHit(t *testing.T) {
	store := &fakeConversationStore{
		messages:     ambiguousMessages(5),
		conversation: models.ConversationSummary{ID: "conv-1", Title: "Team", IsGroup: true},
		prefs:        groupPrefs("user-1"),
	}
	model := &fakeModelClient{
		response: `{"should_notify": true, "reason": "relevant discussion", "notification_text": "Dana: docs", "priority": "medium"}`,
	}
	engine := testEngine(store, model, 100)
	ctx := context.Background()

	decision, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "")
	if err != nil {
		t.Fatalf("Analysis failed: %v", err)
	}
	if !decision.ShouldNotify {
		t.Error("Expected ShouldNotify true from model response")
	}
	if decision.DecidedBy != models.SourceModel {
		t.Errorf("Expected model source, got %s", decision.DecidedBy)
	}
	if decision.Priority != models.PriorityMedium {
		t.Errorf("Expected medium priority, got %s", decision.Priority)
	}
	if model.calls() != 1 {
		t.Fatalf("Expected 1 model call, got %d", model.calls())
	}

	// Identical request: served from cache, no extra model call
	cached, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "")
	if err != nil {
		t.Fatalf("Second analysis failed: %v", err)
	}
	if cached.DecidedBy != models.SourceCache {
		t.Errorf("Expected cache source on repeat, got %s", cached.DecidedBy)
	}
	if cached.ShouldNotify != decision.ShouldNotify {
		t.Error("Expected cached decision to match original")
	}
	if model.calls() != 1 {
		t.Errorf("Expected model call count to stay at 1, got %d", model.calls())
	}
}

func TestDecisionEngine_HeuristicPathSkipsModel(t *testing.T) {
	messages := ambiguousMessages(3)
	messages[0].Text = "URGENT: production down again"
	store := &fakeConversationStore{
		messages:     messages,
		conversation: models.ConversationSummary{ID: "conv-1", IsGroup: true},
		prefs:        groupPrefs("user-1"),
	}
	model := &fakeModelClient{}
	engine := testEngine(store, model, 100)

	decision, err := engine.AnalyzeForNotification(context.Background(), "conv-1", "user-1", "")
	if err != nil {
		t.Fatalf("Analysis failed: %v", err)
	}
	if !decision.ShouldNotify {
		t.Error("Expected notify for priority keyword")
	}
	if decision.DecidedBy != models.SourceHeuristic {
		t.Errorf("Expected heuristic source, got %s", decision.DecidedBy)
	}
	if decision.Priority != models.PriorityHigh {
		t.Errorf("Expected high priority, got %s", decision.Priority)
	}
	if model.calls() != 0 {
		t.Errorf("Expected no model calls on heuristic path, got %d", model.calls())
	}
}

func TestDecisionEngine_HeuristicDecisionIsCached(t *testing.T) {
	messages := ambiguousMessages(3)
	messages[0].Text = "ok"
	store := &fakeConversationStore{
		messages:     messages,
		conversation: models.ConversationSummary{ID: "conv-1", IsGroup: true},
		prefs:        groupPrefs("user-1"),
	}
	model := &fakeModelClient{}
	engine := testEngine(store, model, 100)
	ctx := context.Background()

	first, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "")
	if err != nil {
		t.Fatalf("Analysis failed: %v", err)
	}
	if first.DecidedBy != models.SourceHeuristic {
		t.Fatalf("Expected heuristic source, got %s", first.DecidedBy)
	}

	second, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "")
	if err != nil {
		t.Fatalf("Second analysis failed: %v", err)
	}
	if second.DecidedBy != models.SourceCache {
		t.Errorf("Expected heuristic decision served from cache, got %s", second.DecidedBy)
	}
}

func TestDecisionEngine_RateLimitFallsBack(t *testing.T) {
	store := &fakeConversationStore{
		messages:     ambiguousMessages(5),
		conversation: models.ConversationSummary{ID: "conv-1", IsGroup: false},
		prefs:        groupPrefs("user-1"),
	}
	model := &fakeModelClient{
		response: `{"should_notify": false, "reason": "nothing urgent", "notification_text": "", "priority": "low"}`,
	}
	engine := testEngine(store, model, 1)
	ctx := context.Background()

	// First analysis consumes the only quota slot
	if _, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "msg-a"); err != nil {
		t.Fatalf("First analysis failed: %v", err)
	}
	if model.calls() != 1 {
		t.Fatalf("Expected 1 model call, got %d", model.calls())
	}

	// Different message: cache miss, quota exhausted, simple_rules fallback.
	// Direct (non-group) conversation, so the simple rules say notify.
	decision, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "msg-b")
	if err != nil {
		t.Fatalf("Second analysis failed: %v", err)
	}
	if decision.DecidedBy != models.SourceFallback {
		t.Errorf("Expected fallback source, got %s", decision.DecidedBy)
	}
	if !decision.ShouldNotify {
		t.Error("Expected simple_rules fallback to notify for a direct message")
	}
	if model.calls() != 1 {
		t.Errorf("Expected no extra model call after quota exhaustion, got %d", model.calls())
	}
}

func TestDecisionEngine_HourlyBudgetExhaustionSuppresses(t *testing.T) {
	prefs := models.DefaultNotificationPreferences("user-1")
	prefs.MaxAnalysesPerHour = 1
	// notify_all must not leak through: an exhausted budget is a
	// deterministic skip, not a provider failure
	prefs.FallbackStrategy = models.FallbackNotifyAll
	store := &fakeConversationStore{
		messages:     ambiguousMessages(5),
		conversation: models.ConversationSummary{ID: "conv-1", IsGroup: false},
		prefs:        &prefs,
	}
	model := &fakeModelClient{
		response: `{"should_notify": false, "reason": "nothing urgent", "notification_text": "", "priority": "low"}`,
	}
	engine := testEngine(store, model, 100)
	ctx := context.Background()

	if _, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "msg-a"); err != nil {
		t.Fatalf("First analysis failed: %v", err)
	}

	decision, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "msg-b")
	if err != nil {
		t.Fatalf("Second analysis failed: %v", err)
	}
	if decision.DecidedBy != models.SourceHeuristic {
		t.Errorf("Expected heuristic skip after hourly budget exhausted, got %s", decision.DecidedBy)
	}
	if decision.ShouldNotify {
		t.Error("Expected budget exhaustion to suppress regardless of fallback strategy")
	}
	if model.calls() != 1 {
		t.Errorf("Expected 1 model call, got %d", model.calls())
	}
}

func TestDecisionEngine_ModelFailureUsesFallbackAndDoesNotCache(t *testing.T) {
	prefs := models.DefaultNotificationPreferences("user-1")
	prefs.FallbackStrategy = models.FallbackSuppressAll
	store := &fakeConversationStore{
		messages:     ambiguousMessages(5),
		conversation: models.ConversationSummary{ID: "conv-1", IsGroup: true},
		prefs:        &prefs,
	}
	model := &fakeModelClient{
		generateErr: &ModelInvocationError{Cause: CauseProviderError, Err: context.DeadlineExceeded},
	}
	engine := testEngine(store, model, 100)
	ctx := context.Background()

	decision, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "")
	if err != nil {
		t.Fatalf("Analysis should resolve through fallback, got error: %v", err)
	}
	if decision.DecidedBy != models.SourceFallback {
		t.Errorf("Expected fallback source, got %s", decision.DecidedBy)
	}
	if decision.ShouldNotify {
		t.Error("Expected suppress_all fallback to not notify")
	}

	// Provider recovers: the fallback must not have been cached, so the
	// next identical request reaches the model
	model.setGenerateErr(nil)
	model.mu.Lock()
	model.response = `{"should_notify": true, "reason": "recovered", "notification_text": "hi", "priority": "low"}`
	model.mu.Unlock()

	recovered, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "")
	if err != nil {
		t.Fatalf("Recovery analysis failed: %v", err)
	}
	if recovered.DecidedBy != models.SourceModel {
		t.Errorf("Expected model source after recovery, got %s", recovered.DecidedBy)
	}
}

func TestDecisionEngine_MalformedModelResponseUsesFallback(t *testing.T) {
	store := &fakeConversationStore{
		messages:     ambiguousMessages(5),
		conversation: models.ConversationSummary{ID: "conv-1", IsGroup: true},
		prefs:        groupPrefs("user-1"),
	}
	model := &fakeModelClient{response: "sorry, I cannot decide that"}
	engine := testEngine(store, model, 100)

	decision, err := engine.AnalyzeForNotification(context.Background(), "conv-1", "user-1", "")
	if err != nil {
		t.Fatalf("Analysis should resolve through fallback, got error: %v", err)
	}
	if decision.DecidedBy != models.SourceFallback {
		t.Errorf("Expected fallback source for unparseable response, got %s", decision.DecidedBy)
	}
}

func TestDecisionEngine_StaleCacheEntryRecomputes(t *testing.T) {
	store := &fakeConversationStore{
		messages:     ambiguousMessages(5),
		conversation: models.ConversationSummary{ID: "conv-1", IsGroup: true},
		prefs:        groupPrefs("user-1"),
	}
	model := &fakeModelClient{
		response: `{"should_notify": false, "reason": "idle chatter", "notification_text": "", "priority": "low"}`,
	}
	engine := testEngine(store, model, 100)
	ctx := context.Background()

	if _, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "msg-a"); err != nil {
		t.Fatalf("First analysis failed: %v", err)
	}
	if model.calls() != 1 {
		t.Fatalf("Expected 1 model call, got %d", model.calls())
	}

	// 15 new messages since the cached decision: stale, recompute
	store.messageCount = 20
	if _, err := engine.AnalyzeForNotification(ctx, "conv-1", "user-1", "msg-a"); err != nil {
		t.Fatalf("Second analysis failed: %v", err)
	}
	if model.calls() != 2 {
		t.Errorf("Expected recompute on stale entry (2 model calls), got %d", model.calls())
	}
}

func TestDecisionEngine_EmptyConversationErrors(t *testing.T) {
	store := &fakeConversationStore{prefs: groupPrefs("user-1")}
	engine := testEngine(store, &fakeModelClient{}, 100)

	if _, err := engine.AnalyzeForNotification(context.Background(), "conv-1", "user-1", ""); err == nil {
		t.Error("Expected error for conversation with no messages")
	}
}

func TestDecisionEngine_InvalidModelPriorityNormalized(t *testing.T) {
	store := &fakeConversationStore{
		messages:     ambiguousMessages(3),
		conversation: models.ConversationSummary{ID: "conv-1", IsGroup: true},
		prefs:        groupPrefs("user-1"),
	}
	model := &fakeModelClient{
		response: `{"should_notify": true, "reason": "x", "notification_text": "y", "priority": "extreme"}`,
	}
	engine := testEngine(store, model, 100)

	decision, err := engine.AnalyzeForNotification(context.Background(), "conv-1", "user-1", "")
	if err != nil {
		t.Fatalf("Analysis failed: %v", err)
	}
	if decision.Priority != models.PriorityMedium {
		t.Errorf("Expected unknown priority normalized to medium, got %s", decision.Priority)
	}
}
