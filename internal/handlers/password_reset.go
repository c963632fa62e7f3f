package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/internal/directory"
	"github.com/ldapconsole/api/internal/middleware"
	"github.com/ldapconsole/api/internal/ratelimit"
	"github.com/ldapconsole/api/internal/resettoken"
	"github.com/ldapconsole/api/internal/session"
	"github.com/ldapconsole/api/pkg/logger"
	"github.com/ldapconsole/api/pkg/utils"
)

const resetRequestedMessage = "if the account exists, reset instructions have been sent"

type PasswordResetHandler struct {
	Directory  Directory
	Tokens     *resettoken.Manager
	Sessions   *session.Manager
	Limiter    *ratelimit.Limiter
	Notifier   Notifier
	Audit      *audit.Log
	RateMax    int
	RateWindow time.Duration
}

func NewPasswordResetHandler(dir Directory, tokens *resettoken.Manager, sessions *session.Manager, limiter *ratelimit.Limiter, notifier Notifier, auditLog *audit.Log, cfg config.ResetConfig) *PasswordResetHandler {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &PasswordResetHandler{
		Directory:  dir,
		Tokens:     tokens,
		Sessions:   sessions,
		Limiter:    limiter,
		Notifier:   notifier,
		Audit:      auditLog,
		RateMax:    cfg.RequestsPerWindow,
		RateWindow: cfg.RequestWindow,
	}
}

type resetRequest struct {
	Username string `json:"username"`
	Channel  string `json:"channel"`
}

// Request issues a reset token. The response is identical whether or not
// the account exists, so it cannot be used to enumerate users.
func (h *PasswordResetHandler) Request(c *fiber.Ctx) error {
	var req resetRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = normalizeUsername(req.Username)
	if req.Username == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username is required")
	}
	if req.Channel == "" {
		req.Channel = "email"
	}

	ctx := c.UserContext()
	ipKey := "reset:ip:" + middleware.GetClientIP(c)
	userKey := "reset:user:" + req.Username
	if !h.Limiter.Check(ipKey, h.RateMax, h.RateWindow) || !h.Limiter.Check(userKey, h.RateMax, h.RateWindow) {
		h.Audit.Append(ctx, "password_reset.request", req.Username, "rate limited", audit.ResultFailure, "anonymous")
		return utils.Error(c, fiber.StatusTooManyRequests, "too many reset requests, try again later")
	}
	h.Limiter.Increment(ipKey, h.RateWindow)
	h.Limiter.Increment(userKey, h.RateWindow)

	identity, err := h.Directory.Lookup(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			logger.Error("password_reset_lookup_failed", err, map[string]interface{}{"username": req.Username})
		}
		h.Audit.Append(ctx, "password_reset.request", req.Username, "unknown account", audit.ResultFailure, "anonymous")
		return utils.Success(c, fiber.StatusAccepted, fiber.Map{"message": resetRequestedMessage})
	}

	token, err := h.Tokens.Issue(ctx, identity.Username, req.Channel)
	if err != nil {
		if !errors.Is(err, resettoken.ErrLocked) {
			logger.Error("password_reset_issue_failed", err, map[string]interface{}{"username": identity.Username})
		}
		return utils.Success(c, fiber.StatusAccepted, fiber.Map{"message": resetRequestedMessage})
	}

	if err := h.Notifier.SendResetToken(ctx, identity, req.Channel, token); err != nil {
		logger.Error("password_reset_delivery_failed", err, map[string]interface{}{
			"username": identity.Username,
			"channel":  req.Channel,
		})
	}
	return utils.Success(c, fiber.StatusAccepted, fiber.Map{"message": resetRequestedMessage})
}

type resetConfirmRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

// Confirm checks the token, sets the new password and ends every session
// of the account.
func (h *PasswordResetHandler) Confirm(c *fiber.Ctx) error {
	var req resetConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = normalizeUsername(req.Username)
	if req.Username == "" || req.Token == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username and token are required")
	}
	if len(req.Password) < minPasswordLength {
		return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
	}

	ctx := c.UserContext()
	if h.Tokens.Lockout != nil && h.Tokens.Lockout.IsLocked(ctx, req.Username) {
		return utils.Error(c, fiber.StatusLocked, "too many failed attempts, try again later")
	}
	if !h.Tokens.Validate(ctx, req.Username, req.Token) {
		return utils.Error(c, fiber.StatusBadRequest, "invalid or expired token")
	}

	if err := h.Directory.SetPassword(ctx, req.Username, req.Password); err != nil {
		logger.Error("password_reset_set_failed", err, map[string]interface{}{"username": req.Username})
		h.Audit.Append(ctx, "password_reset.complete", req.Username, "directory rejected password", audit.ResultFailure, req.Username)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to set password")
	}
	if err := h.Tokens.Consume(ctx, req.Username); err != nil {
		logger.Error("password_reset_consume_failed", err, map[string]interface{}{"username": req.Username})
	}
	ended, err := h.Sessions.DestroyOwnedBy(ctx, req.Username, "")
	if err != nil {
		logger.Error("password_reset_session_cleanup_failed", err, map[string]interface{}{"username": req.Username})
	}

	h.Audit.Append(ctx, "password_reset.complete", req.Username, "", audit.ResultSuccess, req.Username)
	logger.InfoWithUser(req.Username, "password_reset_completed", map[string]interface{}{
		"sessions_ended": ended,
	})
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "password updated"})
}
