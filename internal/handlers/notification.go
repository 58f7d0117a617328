package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"smartnotify/internal/logging"
	"smartnotify/internal/models"
	"smartnotify/internal/services"
)

// NotificationHandler handles notification-analysis HTTP requests
type NotificationHandler struct {
	engine      *services.DecisionEngine
	limiter     *services.RateLimiterService
	dailyLimits map[models.FeatureType]int
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(engine *services.DecisionEngine, limiter *services.RateLimiterService, dailyLimits map[models.FeatureType]int) *NotificationHandler {
	return &NotificationHandler{
		engine:      engine,
		limiter:     limiter,
		dailyLimits: dailyLimits,
	}
}

// AnalyzeRequest is the body of POST /api/notifications/analyze
type AnalyzeRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	MessageID      string `json:"message_id"` // optional; latest message when empty
}

// Analyze runs the decision pipeline for a new message
// POST /api/notifications/analyze
func (h *NotificationHandler) Analyze(c *fiber.Ctx) error {
	var req AnalyzeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.ConversationID == "" || req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "conversation_id and user_id are required",
		})
	}

	requestID := uuid.NewString()
	logger := logging.WithRequest(requestID, req.ConversationID, req.UserID)

	decision, err := h.engine.AnalyzeForNotification(c.Context(), req.ConversationID, req.UserID, req.MessageID)
	if err != nil {
		logger.Error("notification analysis failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":      "Analysis failed",
			"request_id": requestID,
		})
	}

	logger.Info("notification analysis complete",
		"should_notify", decision.ShouldNotify,
		"decided_by", decision.DecidedBy,
	)
	return c.JSON(fiber.Map{
		"request_id": requestID,
		"decision":   decision,
	})
}

// GetQuota returns the remaining daily quota for a user and feature
// GET /api/quota/:userId/:feature
func (h *NotificationHandler) GetQuota(c *fiber.Ctx) error {
	userID := c.Params("userId")
	feature := models.FeatureType(c.Params("feature"))

	if !feature.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown feature type",
		})
	}

	limit := h.dailyLimits[feature]
	remaining, err := h.limiter.Remaining(c.Context(), userID, feature, limit)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Quota store unavailable",
		})
	}

	return c.JSON(fiber.Map{
		"user_id":   userID,
		"feature":   feature,
		"limit":     limit,
		"remaining": remaining,
	})
}
