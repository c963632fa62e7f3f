package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/internal/directory"
	"github.com/ldapconsole/api/internal/lockout"
	"github.com/ldapconsole/api/internal/middleware"
	"github.com/ldapconsole/api/internal/ratelimit"
	"github.com/ldapconsole/api/internal/totp"
	"github.com/ldapconsole/api/pkg/challenge"
	"github.com/ldapconsole/api/pkg/logger"
	"github.com/ldapconsole/api/pkg/utils"
)

type AuthHandler struct {
	Directory  Directory
	Limiter    *ratelimit.Limiter
	Lockout    *lockout.Tracker
	MFA        *totp.Enrollment
	Challenges *challenge.Issuer
	Audit      *audit.Log
	RateMax    int
	RateWindow time.Duration
}

func NewAuthHandler(dir Directory, limiter *ratelimit.Limiter, tracker *lockout.Tracker, mfa *totp.Enrollment, challenges *challenge.Issuer, auditLog *audit.Log, cfg config.LoginConfig) *AuthHandler {
	return &AuthHandler{
		Directory:  dir,
		Limiter:    limiter,
		Lockout:    tracker,
		MFA:        mfa,
		Challenges: challenges,
		Audit:      auditLog,
		RateMax:    cfg.RatePerWindow,
		RateWindow: cfg.RateWindow,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Username = normalizeUsername(req.Username)
	if req.Username == "" || req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "username and password are required")
	}

	ctx := c.UserContext()
	rateKey := "login:" + middleware.GetClientIP(c)
	if !h.Limiter.Check(rateKey, h.RateMax, h.RateWindow) {
		h.Audit.Append(ctx, "user.login", req.Username, "rate limited", audit.ResultFailure, req.Username)
		return utils.Error(c, fiber.StatusTooManyRequests, "too many login attempts, try again later")
	}
	if err := h.Limiter.Increment(rateKey, h.RateWindow); err != nil {
		logger.Error("login_rate_increment_failed", err, nil)
	}

	if h.Lockout.IsLocked(ctx, req.Username) {
		h.Audit.Append(ctx, "user.login", req.Username, "account locked", audit.ResultFailure, req.Username)
		return utils.Error(c, fiber.StatusLocked, "account temporarily locked")
	}

	identity, err := h.Directory.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, directory.ErrInvalidCredentials) || errors.Is(err, directory.ErrNotFound) {
			h.recordFailure(c, req.Username, "invalid credentials")
			return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
		}
		logger.Error("login_directory_failed", err, map[string]interface{}{"username": req.Username})
		return utils.Error(c, fiber.StatusServiceUnavailable, "directory unavailable")
	}
	h.Lockout.Clear(ctx, req.Username)

	state := middleware.Session(c)
	if err := state.Rotate(); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating session")
	}

	hasMFA, err := h.MFA.HasActive(ctx, identity.Username)
	if err != nil {
		logger.Error("login_mfa_lookup_failed", err, map[string]interface{}{"username": identity.Username})
		return utils.Error(c, fiber.StatusServiceUnavailable, "directory unavailable")
	}
	if hasMFA {
		token, jti, err := h.Challenges.Generate(identity.Username, state.ID)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed generating MFA challenge")
		}
		state.Set(middleware.SessionData{MFAPendingUser: identity.Username, MFAPendingJTI: jti})
		h.Audit.Append(ctx, "user.login_mfa_pending", identity.Username, "", audit.ResultSuccess, identity.Username)
		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"mfaRequired": true,
			"mfaToken":    token,
		})
	}

	return h.completeLogin(c, identity.Username, "password")
}

type mfaLoginRequest struct {
	MFAToken   string `json:"mfaToken"`
	Code       string `json:"code"`
	BackupCode string `json:"backupCode"`
}

// VerifyMFA finishes a login that is waiting on a second factor.
func (h *AuthHandler) VerifyMFA(c *fiber.Ctx) error {
	var req mfaLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.MFAToken == "" || (req.Code == "" && req.BackupCode == "") {
		return utils.Error(c, fiber.StatusBadRequest, "mfaToken and a code are required")
	}

	claims, err := h.Challenges.Validate(req.MFAToken)
	state := middleware.Session(c)
	if err != nil || claims.SessionID != state.ID || claims.ID != state.Data.MFAPendingJTI || claims.Username != state.Data.MFAPendingUser {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA challenge")
	}

	ctx := c.UserContext()
	username := claims.Username
	if h.Lockout.IsLocked(ctx, username) {
		h.Audit.Append(ctx, "user.login_mfa", username, "account locked", audit.ResultFailure, username)
		return utils.Error(c, fiber.StatusLocked, "account temporarily locked")
	}

	method := "totp"
	if req.Code != "" {
		ok, err := h.MFA.Verify(ctx, username, req.Code)
		if err != nil && !errors.Is(err, totp.ErrNotActive) {
			logger.Error("login_mfa_verify_failed", err, map[string]interface{}{"username": username})
			return utils.Error(c, fiber.StatusServiceUnavailable, "directory unavailable")
		}
		if !ok {
			h.recordFailure(c, username, "invalid totp code")
			return utils.Error(c, fiber.StatusUnauthorized, "invalid verification code")
		}
	} else {
		method = "backup_code"
		remaining, err := h.MFA.RedeemBackupCode(ctx, username, req.BackupCode)
		if err != nil {
			h.recordFailure(c, username, "invalid backup code")
			return utils.Error(c, fiber.StatusUnauthorized, "invalid backup code")
		}
		h.Audit.Append(ctx, "totp.backup_code_used", username, "remaining="+strconv.Itoa(remaining), audit.ResultSuccess, username)
	}

	h.Lockout.Clear(ctx, username)
	if err := state.Rotate(); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating session")
	}
	return h.completeLogin(c, username, method)
}

func (h *AuthHandler) completeLogin(c *fiber.Ctx, username, method string) error {
	ctx := c.UserContext()
	state := middleware.Session(c)
	state.Set(middleware.SessionData{Username: username})

	requiresEnrollment := false
	if summary, err := h.MFA.Status(ctx, username); err == nil {
		requiresEnrollment = summary.RequiresEnrollment
	}

	h.Audit.Append(ctx, "user.login", username, "method="+method, audit.ResultSuccess, username)
	logger.InfoWithUser(username, "user_login", map[string]interface{}{
		"ip":     middleware.GetClientIP(c),
		"method": method,
	})
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"username":           username,
		"requiresEnrollment": requiresEnrollment,
	})
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	username := middleware.GetCurrentUser(c)
	middleware.Session(c).Destroy()
	if username != "" {
		h.Audit.Append(c.UserContext(), "user.logout", username, "", audit.ResultSuccess, username)
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "logged out"})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	username := middleware.GetCurrentUser(c)
	identity, err := h.Directory.Lookup(c.UserContext(), username)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "user not found")
		}
		return utils.Error(c, fiber.StatusServiceUnavailable, "directory unavailable")
	}
	return utils.Success(c, fiber.StatusOK, identity)
}

func (h *AuthHandler) recordFailure(c *fiber.Ctx, username, reason string) {
	ctx := c.UserContext()
	count, err := h.Lockout.RecordFailure(ctx, username)
	if err != nil {
		logger.Error("login_lockout_record_failed", err, map[string]interface{}{"username": username})
	}
	h.Audit.Append(ctx, "user.login", username, reason, audit.ResultFailure, username)
	if err == nil && count == h.Lockout.MaxAttempts {
		h.Audit.Append(ctx, "user.lockout", username, "failures="+strconv.Itoa(count), audit.ResultWarning, username)
	}
	logger.Warn("login_failed", map[string]interface{}{
		"username": username,
		"ip":       middleware.GetClientIP(c),
		"reason":   reason,
	})
}
