package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/ldapconsole/api/pkg/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// eventRow is the database form of an Event. Rows are never updated.
// OccurredAt is nil when the timestamp text cannot be parsed, which keeps
// such rows out of retention pruning.
type eventRow struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement"`
	Timestamp  string     `gorm:"type:varchar(64);not null"`
	OccurredAt *time.Time `gorm:"index"`
	Actor      string     `gorm:"type:varchar(255);index"`
	SourceIP   string     `gorm:"type:varchar(45)"`
	Action     string     `gorm:"type:varchar(100);not null;index"`
	Target     string     `gorm:"type:varchar(255)"`
	Result     string     `gorm:"type:varchar(16);not null;index"`
	Details    string     `gorm:"type:text"`
}

func (eventRow) TableName() string {
	return "audit_events"
}

func rowFromEvent(e Event) eventRow {
	row := eventRow{
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		SourceIP:  e.SourceIP,
		Action:    e.Action,
		Target:    e.Target,
		Result:    string(e.Result),
		Details:   e.Details,
	}
	if t, ok := e.Time(); ok {
		utc := t.UTC()
		row.OccurredAt = &utc
	}
	return row
}

func (r eventRow) event() Event {
	return Event{
		Timestamp: r.Timestamp,
		Actor:     r.Actor,
		SourceIP:  r.SourceIP,
		Action:    r.Action,
		Target:    r.Target,
		Result:    Result(r.Result),
		Details:   r.Details,
	}
}

type DatabaseBackend struct {
	DB *gorm.DB
}

// OpenDatabase connects with driver "postgres" or "sqlite" and migrates the
// audit table.
func OpenDatabase(driver, dsn string) (*DatabaseBackend, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported audit database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	return NewDatabaseBackend(db)
}

func NewDatabaseBackend(db *gorm.DB) (*DatabaseBackend, error) {
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, fmt.Errorf("migrating audit table: %w", err)
	}
	return &DatabaseBackend{DB: db}, nil
}

func (b *DatabaseBackend) Append(ctx context.Context, e Event) error {
	row := rowFromEvent(e)
	return b.DB.WithContext(ctx).Create(&row).Error
}

func (b *DatabaseBackend) Find(ctx context.Context, f Filter, p utils.PaginationParams) ([]Event, error) {
	var rows []eventRow
	query := utils.ApplyPagination(b.filtered(ctx, f).Order("id DESC"), p)
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.event())
	}
	return events, nil
}

func (b *DatabaseBackend) Count(ctx context.Context, f Filter) (int64, error) {
	var count int64
	err := b.filtered(ctx, f).Count(&count).Error
	return count, err
}

func (b *DatabaseBackend) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	result := b.DB.WithContext(ctx).
		Where("occurred_at IS NOT NULL AND occurred_at < ?", cutoff.UTC()).
		Delete(&eventRow{})
	return int(result.RowsAffected), result.Error
}

// likeEscaper makes LIKE match the filter text literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (b *DatabaseBackend) filtered(ctx context.Context, f Filter) *gorm.DB {
	query := b.DB.WithContext(ctx).Model(&eventRow{})
	if f.Result != "" {
		query = query.Where("result = ?", string(f.Result))
	}
	if !f.Before.IsZero() {
		query = query.Where("occurred_at IS NOT NULL AND occurred_at < ?", f.Before.UTC())
	}
	if f.Text != "" {
		like := "%" + likeEscaper.Replace(strings.ToLower(f.Text)) + "%"
		query = query.Where(
			`LOWER(action) LIKE ? ESCAPE '\' OR LOWER(actor) LIKE ? ESCAPE '\' OR LOWER(target) LIKE ? ESCAPE '\' OR LOWER(details) LIKE ? ESCAPE '\'`,
			like, like, like, like,
		)
	}
	return query
}
