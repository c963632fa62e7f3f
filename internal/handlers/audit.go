package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/middleware"
	"github.com/ldapconsole/api/pkg/logger"
	"github.com/ldapconsole/api/pkg/utils"
)

type AuditHandler struct {
	Audit         *audit.Log
	Archive       audit.Uploader
	RetentionDays int
}

func NewAuditHandler(auditLog *audit.Log, archive audit.Uploader, retentionDays int) *AuditHandler {
	return &AuditHandler{Audit: auditLog, Archive: archive, RetentionDays: retentionDays}
}

func auditFilter(c *fiber.Ctx) audit.Filter {
	return audit.Filter{
		Text:   strings.TrimSpace(c.Query("q")),
		Result: audit.Result(strings.ToLower(strings.TrimSpace(c.Query("result")))),
	}
}

func (h *AuditHandler) List(c *fiber.Ctx) error {
	p := utils.ParsePagination(c)
	filter := auditFilter(c)
	ctx := c.UserContext()

	events, err := h.Audit.Read(ctx, p.Limit, p.Offset, filter)
	if err != nil {
		logger.Error("audit_read_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading audit log")
	}
	total, err := h.Audit.Count(ctx, filter)
	if err != nil {
		logger.Error("audit_count_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting audit log")
	}
	return utils.Paginated(c, events, p.Page, p.Limit, total)
}

func (h *AuditHandler) Export(c *fiber.Ctx) error {
	body, err := h.Audit.ExportCSV(c.UserContext(), auditFilter(c))
	if err != nil {
		logger.Error("audit_export_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed exporting audit log")
	}

	username := middleware.GetCurrentUser(c)
	h.Audit.Append(c.UserContext(), "audit.export", "audit_log", "", audit.ResultSuccess, username)

	filename := "audit-log-" + time.Now().UTC().Format("20060102-150405") + ".csv"
	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	return c.SendString(body)
}

type cleanupRequest struct {
	Days int `json:"days"`
}

func (h *AuditHandler) Cleanup(c *fiber.Ctx) error {
	var req cleanupRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	days := req.Days
	if days == 0 {
		days = h.RetentionDays
	}
	if days < 1 {
		return utils.Error(c, fiber.StatusBadRequest, "days must be at least 1")
	}

	removed, err := h.Audit.ArchiveAndCleanup(c.UserContext(), h.Archive, days)
	if err != nil {
		logger.Error("audit_cleanup_failed", err, map[string]interface{}{"days": days})
		return utils.Error(c, fiber.StatusInternalServerError, "failed cleaning audit log")
	}

	username := middleware.GetCurrentUser(c)
	h.Audit.Append(c.UserContext(), "audit.cleanup", "audit_log", fmt.Sprintf("days=%d removed=%d", days, removed), audit.ResultSuccess, username)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"removed": removed, "days": days})
}
