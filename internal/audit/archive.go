package audit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ldapconsole/api/pkg/logger"
)

type Uploader interface {
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
}

// ArchiveAndCleanup uploads the events about to fall out of retention as a
// CSV object, then prunes them. Nothing is pruned when the upload fails.
// A nil uploader degrades to a plain Cleanup.
func (l *Log) ArchiveAndCleanup(ctx context.Context, up Uploader, retentionDays int) (int, error) {
	if up == nil || !l.readable() || retentionDays <= 0 {
		return l.Cleanup(ctx, retentionDays)
	}

	cutoff := l.Cutoff(retentionDays)
	expiring, err := l.Count(ctx, Filter{Before: cutoff})
	if err != nil {
		return 0, err
	}
	if expiring > 0 {
		body, err := l.ExportCSV(ctx, Filter{Before: cutoff})
		if err != nil {
			return 0, err
		}
		objectName := ArchiveObjectName(l.now())
		if err := up.Upload(ctx, objectName, strings.NewReader(body), int64(len(body)), "text/csv"); err != nil {
			return 0, fmt.Errorf("archiving audit events: %w", err)
		}
		logger.Info("audit_archive_uploaded", map[string]interface{}{
			"object_name": objectName,
			"events":      expiring,
		})
	}
	return l.prune(ctx, cutoff, retentionDays)
}

func ArchiveObjectName(now time.Time) string {
	return "audit-logs/" + now.UTC().Format("2006/01/02/150405") + ".csv"
}
