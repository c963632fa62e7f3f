package app

import (
	"context"
	"time"

	"github.com/ldapconsole/api/pkg/logger"
)

// StartSchedulers runs session GC with a full sweep, and audit archiving
// with retention cleanup, until ctx is done.
func (a *App) StartSchedulers(ctx context.Context) {
	if interval := a.Config.Session.GCInterval; interval > 0 {
		go a.every(ctx, interval, a.collectGarbage)
		logger.Info("session_gc_started", map[string]interface{}{
			"interval": interval.String(),
		})
	}

	if !a.Config.Audit.Enabled || a.Config.Audit.RetentionDays <= 0 {
		logger.Info("audit_retention_disabled", nil)
		return
	}
	interval := a.Config.Archive.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	go a.every(ctx, interval, a.archiveAudit)
	logger.Info("audit_retention_started", map[string]interface{}{
		"interval":       interval.String(),
		"retention_days": a.Config.Audit.RetentionDays,
		"archive":        a.Archive != nil,
	})
}

func (a *App) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *App) collectGarbage(ctx context.Context) {
	sessions, err := a.Sessions.GC(ctx, a.Config.Session.Lifetime)
	if err != nil {
		logger.Error("session_gc_failed", err, nil)
	}
	others, err := a.Store.Sweep(ctx, "")
	if err != nil {
		logger.Error("store_sweep_failed", err, nil)
	}
	if sessions+others > 0 {
		logger.Info("store_sweep", map[string]interface{}{
			"sessions": sessions,
			"other":    others,
		})
	}
}

func (a *App) archiveAudit(ctx context.Context) {
	if _, err := a.Audit.ArchiveAndCleanup(ctx, a.Uploader(), a.Config.Audit.RetentionDays); err != nil {
		logger.Error("audit_retention_failed", err, nil)
	}
}
