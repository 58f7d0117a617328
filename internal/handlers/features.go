package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"smartnotify/internal/services"
)

// FeaturesHandler handles the summarization, action-item, and search endpoints
type FeaturesHandler struct {
	features *services.AIFeaturesService
}

// NewFeaturesHandler creates a new features handler
func NewFeaturesHandler(features *services.AIFeaturesService) *FeaturesHandler {
	return &FeaturesHandler{features: features}
}

// Summarize returns a conversation summary
// POST /api/summaries/:conversationId
func (h *FeaturesHandler) Summarize(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	userID := requireUserID(c)
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	summary, err := h.features.Summarize(c.Context(), userID, conversationID)
	if err != nil {
		return h.featureError(c, "summary", err)
	}

	return c.JSON(fiber.Map{
		"conversation_id": conversationID,
		"summary":         summary,
	})
}

// ActionItems returns extracted action items for a conversation
// POST /api/action-items/:conversationId
func (h *FeaturesHandler) ActionItems(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	userID := requireUserID(c)
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	items, err := h.features.ExtractActionItems(c.Context(), userID, conversationID)
	if err != nil {
		return h.featureError(c, "action items", err)
	}
	if items == nil {
		items = []services.ActionItem{}
	}

	return c.JSON(fiber.Map{
		"conversation_id": conversationID,
		"action_items":    items,
	})
}

// Search runs semantic search over the user's message history
// GET /api/search?q=...&user_id=...
func (h *FeaturesHandler) Search(c *fiber.Ctx) error {
	query := c.Query("q")
	userID := c.Query("user_id")
	if query == "" || userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "q and user_id query parameters are required",
		})
	}

	results, err := h.features.Search(c.Context(), userID, query)
	if err != nil {
		return h.featureError(c, "search", err)
	}

	return c.JSON(fiber.Map{
		"query":   query,
		"results": results,
	})
}

// featureError maps service errors onto HTTP responses. Quota exhaustion is
// 429 with the reset time so clients can back off until the window rolls.
func (h *FeaturesHandler) featureError(c *fiber.Ctx, feature string, err error) error {
	var limitErr *services.LimitExceededError
	if errors.As(err, &limitErr) {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":    limitErr.Error(),
			"limit":    limitErr.Limit,
			"reset_at": limitErr.ResetAt,
		})
	}

	var modelErr *services.ModelInvocationError
	if errors.As(err, &modelErr) {
		log.Printf("❌ [FEATURES] Model failure during %s: %v", feature, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "AI provider unavailable, please retry",
		})
	}

	log.Printf("❌ [FEATURES] %s failed: %v", feature, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Request failed",
	})
}

// requireUserID reads the acting user from the body or query string. The
// caller is the chat backend, which always forwards the end user's ID.
func requireUserID(c *fiber.Ctx) string {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&body); err == nil && body.UserID != "" {
		return body.UserID
	}
	return c.Query("user_id")
}
