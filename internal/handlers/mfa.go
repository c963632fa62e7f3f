package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/middleware"
	"github.com/ldapconsole/api/internal/totp"
	"github.com/ldapconsole/api/pkg/logger"
	"github.com/ldapconsole/api/pkg/utils"
)

type MFAHandler struct {
	MFA   *totp.Enrollment
	Audit *audit.Log
}

func NewMFAHandler(mfa *totp.Enrollment, auditLog *audit.Log) *MFAHandler {
	return &MFAHandler{MFA: mfa, Audit: auditLog}
}

func (h *MFAHandler) Status(c *fiber.Ctx) error {
	username := middleware.GetCurrentUser(c)
	summary, err := h.MFA.Status(c.UserContext(), username)
	if err != nil {
		return h.directoryError(c, username, err)
	}
	return utils.Success(c, fiber.StatusOK, summary)
}

// Setup starts enrollment and hands out the secret once.
func (h *MFAHandler) Setup(c *fiber.Ctx) error {
	username := middleware.GetCurrentUser(c)
	secret, uri, err := h.MFA.Begin(c.UserContext(), username)
	if err != nil {
		if errors.Is(err, totp.ErrAlreadyActive) {
			return utils.Error(c, fiber.StatusConflict, "TOTP is already enabled")
		}
		return h.directoryError(c, username, err)
	}

	state := middleware.Session(c)
	data := state.Data
	data.EnrollStep = 0
	state.Set(data)

	h.Audit.Append(c.UserContext(), "totp.enroll_start", username, "", audit.ResultSuccess, username)
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"secret": secret,
		"uri":    uri,
	})
}

type codeRequest struct {
	Code string `json:"code"`
}

// SetupConfirm takes the two enrollment codes in turn. The step of the
// first one is held in the session until the second arrives.
func (h *MFAHandler) SetupConfirm(c *fiber.Ctx) error {
	var req codeRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	ctx := c.UserContext()
	username := middleware.GetCurrentUser(c)
	state := middleware.Session(c)
	data := state.Data

	if data.EnrollStep == 0 {
		step, err := h.MFA.ConfirmFirst(ctx, username, req.Code)
		if err != nil {
			return h.enrollmentError(c, username, err)
		}
		data.EnrollStep = step
		state.Set(data)
		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"complete": false,
			"message":  "code accepted, enter the next code once it appears",
		})
	}

	codes, err := h.MFA.ConfirmSecond(ctx, username, req.Code, data.EnrollStep)
	if err != nil {
		return h.enrollmentError(c, username, err)
	}
	data.EnrollStep = 0
	state.Set(data)

	h.Audit.Append(ctx, "totp.enroll_complete", username, "", audit.ResultSuccess, username)
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"complete":    true,
		"backupCodes": codes,
	})
}

// Disable needs a current code so a hijacked session cannot turn TOTP off.
func (h *MFAHandler) Disable(c *fiber.Ctx) error {
	var req codeRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}
	ctx := c.UserContext()
	username := middleware.GetCurrentUser(c)

	ok, err := h.MFA.Verify(ctx, username, req.Code)
	if errors.Is(err, totp.ErrNotActive) {
		return utils.Error(c, fiber.StatusBadRequest, "TOTP is not enabled")
	}
	if err != nil {
		return h.directoryError(c, username, err)
	}
	if !ok {
		h.Audit.Append(ctx, "totp.disable", username, "invalid code", audit.ResultFailure, username)
		return utils.Error(c, fiber.StatusUnauthorized, "invalid verification code")
	}

	if err := h.MFA.Disable(ctx, username); err != nil {
		return h.directoryError(c, username, err)
	}
	h.Audit.Append(ctx, "totp.disable", username, "", audit.ResultSuccess, username)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "TOTP disabled"})
}

// RegenerateBackupCodes replaces every backup code after checking a
// current code.
func (h *MFAHandler) RegenerateBackupCodes(c *fiber.Ctx) error {
	var req codeRequest
	if err := c.BodyParser(&req); err != nil || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}
	ctx := c.UserContext()
	username := middleware.GetCurrentUser(c)

	ok, err := h.MFA.Verify(ctx, username, req.Code)
	if errors.Is(err, totp.ErrNotActive) {
		return utils.Error(c, fiber.StatusBadRequest, "TOTP is not enabled")
	}
	if err != nil {
		return h.directoryError(c, username, err)
	}
	if !ok {
		h.Audit.Append(ctx, "totp.backup_codes_regenerated", username, "invalid code", audit.ResultFailure, username)
		return utils.Error(c, fiber.StatusUnauthorized, "invalid verification code")
	}

	codes, err := h.MFA.RegenerateBackupCodes(ctx, username)
	if err != nil {
		return h.directoryError(c, username, err)
	}
	h.Audit.Append(ctx, "totp.backup_codes_regenerated", username, "", audit.ResultSuccess, username)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"backupCodes": codes})
}

func (h *MFAHandler) enrollmentError(c *fiber.Ctx, username string, err error) error {
	switch {
	case errors.Is(err, totp.ErrNotPending):
		return utils.Error(c, fiber.StatusBadRequest, "no enrollment in progress")
	case errors.Is(err, totp.ErrSameStep):
		h.Audit.Append(c.UserContext(), "totp.enroll_confirm", username, "same time step", audit.ResultFailure, username)
		return utils.Error(c, fiber.StatusBadRequest, "wait for the next code before confirming")
	case errors.Is(err, totp.ErrInvalidCode):
		h.Audit.Append(c.UserContext(), "totp.enroll_confirm", username, "invalid code", audit.ResultFailure, username)
		return utils.Error(c, fiber.StatusBadRequest, "invalid verification code")
	default:
		return h.directoryError(c, username, err)
	}
}

func (h *MFAHandler) directoryError(c *fiber.Ctx, username string, err error) error {
	logger.ErrorWithUser(username, "mfa_directory_failed", err, nil)
	return utils.Error(c, fiber.StatusServiceUnavailable, "directory unavailable")
}
