package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/pkg/logger"
	"github.com/ldapconsole/api/pkg/utils"
)

const clientIPKey = "clientIP"

func CORS(frontendURL string) fiber.Handler {
	origins := frontendURL
	if strings.Contains(frontendURL, "localhost") {
		loopback := strings.Replace(frontendURL, "localhost", "127.0.0.1", 1)
		origins = frontendURL + "," + loopback
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept",
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowCredentials: true,
	})
}

// ClientIP resolves the caller's address once per request and puts it on
// the user context, where the audit log picks it up.
func ClientIP(proxyHeaders []string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := audit.ClientIP(func(name string) string { return c.Get(name) }, c.Context().RemoteAddr().String(), proxyHeaders)
		c.Locals(clientIPKey, ip)
		c.SetUserContext(audit.WithClientIP(c.UserContext(), ip))
		return c.Next()
	}
}

func GetClientIP(c *fiber.Ctx) string {
	if ip, ok := c.Locals(clientIPKey).(string); ok {
		return ip
	}
	return c.IP()
}

func RequireAuth(c *fiber.Ctx) error {
	if GetCurrentUser(c) == "" {
		logger.Warn("auth_missing_session", map[string]interface{}{
			"ip":   GetClientIP(c),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return c.Next()
}

// AdminOnly admits signed-in users for which isAdmin reports true.
func AdminOnly(isAdmin func(username string) bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		username := GetCurrentUser(c)
		if username == "" {
			return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
		}
		if !isAdmin(username) {
			return utils.Error(c, fiber.StatusForbidden, "admin access required")
		}
		return c.Next()
	}
}
