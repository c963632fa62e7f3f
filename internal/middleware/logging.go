package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/ldapconsole/api/pkg/logger"
)

const requestIDKey = "requestID"

func GetRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID := uuid.New().String()
		c.Locals(requestIDKey, requestID)
		c.Set("X-Request-ID", requestID)

		err := c.Next()

		statusCode := c.Response().StatusCode()
		details := map[string]interface{}{
			"method":      c.Method(),
			"path":        c.Path(),
			"status_code": statusCode,
			"latency_ms":  time.Since(start).Milliseconds(),
			"user_agent":  c.Get("User-Agent"),
			"ip":          GetClientIP(c),
			"request_id":  requestID,
		}

		if username := GetCurrentUser(c); username != "" {
			if statusCode >= 400 {
				logger.ErrorWithUser(username, "http_request", err, details)
			} else {
				logger.InfoWithUser(username, "http_request", details)
			}
		} else {
			if statusCode >= 400 {
				logger.Error("http_request", err, details)
			} else {
				logger.Info("http_request", details)
			}
		}

		return err
	}
}

func SecurityLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		statusCode := c.Response().StatusCode()
		if statusCode != fiber.StatusForbidden && statusCode != fiber.StatusTooManyRequests && statusCode != fiber.StatusLocked {
			return err
		}

		reason := "access_denied"
		switch statusCode {
		case fiber.StatusTooManyRequests:
			reason = "rate_limited"
		case fiber.StatusLocked:
			reason = "locked_out"
		}
		details := map[string]interface{}{
			"method": c.Method(),
			"path":   c.Path(),
			"ip":     GetClientIP(c),
			"reason": reason,
		}
		if username := GetCurrentUser(c); username != "" {
			logger.WarnWithUser(username, reason, details)
		} else {
			logger.Warn(reason+"_unauthenticated", details)
		}
		return err
	}
}
