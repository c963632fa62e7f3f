package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/kvstore"
	"github.com/ldapconsole/api/internal/middleware"
	"github.com/ldapconsole/api/pkg/logger"
	"github.com/ldapconsole/api/pkg/utils"
)

type MaintenanceHandler struct {
	Store *kvstore.Store
	Audit *audit.Log
}

func NewMaintenanceHandler(store *kvstore.Store, auditLog *audit.Log) *MaintenanceHandler {
	return &MaintenanceHandler{Store: store, Audit: auditLog}
}

// Sweep removes expired records of the kind named by the "kind" query
// parameter, or of every kind.
func (h *MaintenanceHandler) Sweep(c *fiber.Ctx) error {
	kind := kvstore.Kind(c.Query("kind"))
	if kind != "" && !kvstore.Known(kind) {
		return utils.Error(c, fiber.StatusBadRequest, "unknown record kind")
	}

	removed, err := h.Store.Sweep(c.UserContext(), kind)
	if err != nil {
		logger.Error("maintenance_sweep_failed", err, map[string]interface{}{"kind": string(kind)})
		return utils.Error(c, fiber.StatusInternalServerError, "sweep failed")
	}

	username := middleware.GetCurrentUser(c)
	h.Audit.Append(c.UserContext(), "maintenance.sweep", string(kind), "", audit.ResultSuccess, username)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"removed": removed})
}
