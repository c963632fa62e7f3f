package app

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/ldapconsole/api/internal/handlers"
	"github.com/ldapconsole/api/internal/middleware"
)

// Router builds the HTTP surface.
func (a *App) Router() *fiber.App {
	cfg := a.Config

	authHandler := handlers.NewAuthHandler(a.Identities, a.Limiter, a.LoginLockout, a.MFA, a.Challenges, a.Audit, cfg.Login)
	resetHandler := handlers.NewPasswordResetHandler(a.Identities, a.ResetTokens, a.Sessions, a.Limiter, handlers.LogNotifier{}, a.Audit, cfg.Reset)
	mfaHandler := handlers.NewMFAHandler(a.MFA, a.Audit)
	auditHandler := handlers.NewAuditHandler(a.Audit, a.Uploader(), cfg.Audit.RetentionDays)
	maintenanceHandler := handlers.NewMaintenanceHandler(a.Store, a.Audit)
	sessions := middleware.NewSessions(a.Sessions, cfg.Session.CookieName, cfg.Server.SecureCookies)

	app := fiber.New(fiber.Config{BodyLimit: 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.FrontendURL))
	app.Use(middleware.ClientIP(cfg.Audit.ProxyHeaders))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
	app.Use(sessions.Load)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")
	api.Get("/version", handlers.GetVersion)

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/mfa", authHandler.VerifyMFA)
	authRoutes.Post("/logout", authHandler.Logout)
	authRoutes.Get("/me", middleware.RequireAuth, authHandler.Me)

	resetRoutes := api.Group("/password/reset")
	resetRoutes.Post("/", resetHandler.Request)
	resetRoutes.Post("/confirm", resetHandler.Confirm)

	mfaRoutes := api.Group("/mfa", middleware.RequireAuth)
	mfaRoutes.Get("/", mfaHandler.Status)
	mfaRoutes.Post("/setup", mfaHandler.Setup)
	mfaRoutes.Post("/setup/confirm", mfaHandler.SetupConfirm)
	mfaRoutes.Post("/disable", mfaHandler.Disable)
	mfaRoutes.Post("/backup-codes", mfaHandler.RegenerateBackupCodes)

	adminRoutes := api.Group("", middleware.RequireAuth, middleware.AdminOnly(cfg.IsAdmin))
	adminRoutes.Get("/audit", auditHandler.List)
	adminRoutes.Get("/audit/export", auditHandler.Export)
	adminRoutes.Post("/audit/cleanup", auditHandler.Cleanup)
	adminRoutes.Post("/maintenance/sweep", maintenanceHandler.Sweep)

	return app
}
