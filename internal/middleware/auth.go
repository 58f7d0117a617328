package middleware

import (
	"fmt"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ServiceAuthMiddleware verifies the HS256 service token the chat backend
// attaches when it triggers an analysis. This service has no end-user login;
// the only caller is the backend itself.
func ServiceAuthMiddleware(secret string, environment string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			// CRITICAL: never allow auth bypass in production
			if environment == "production" {
				log.Fatal("❌ CRITICAL SECURITY ERROR: JWT_SECRET not configured in production environment")
			}
			return c.Next()
		}

		token, err := extractBearerToken(c.Get("Authorization"))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization token",
			})
		}

		claims := jwt.MapClaims{}
		_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		if svc, ok := claims["svc"].(string); ok {
			c.Locals("caller_service", svc)
		}
		return c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("empty authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("malformed authorization header")
	}
	return parts[1], nil
}
