package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"smartnotify/internal/database"
	"smartnotify/internal/services"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	mongo *database.MongoDB
	redis *services.RedisService
}

// NewHealthHandler creates a new health handler. Either store may be nil
// when the deployment runs without it.
func NewHealthHandler(mongo *database.MongoDB, redis *services.RedisService) *HealthHandler {
	return &HealthHandler{mongo: mongo, redis: redis}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	status := "healthy"
	stores := fiber.Map{}

	if h.mongo != nil {
		if err := h.mongo.HealthCheck(c.Context()); err != nil {
			status = "degraded"
			stores["mongodb"] = "unreachable"
		} else {
			stores["mongodb"] = "ok"
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(c.Context()); err != nil {
			status = "degraded"
			stores["redis"] = "unreachable"
		} else {
			stores["redis"] = "ok"
		}
	}

	code := fiber.StatusOK
	if status != "healthy" {
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"stores":    stores,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
