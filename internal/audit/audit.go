package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ldapconsole/api/pkg/logger"
	"github.com/ldapconsole/api/pkg/utils"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultWarning Result = "warning"
)

// ErrNotReadable is returned by sinks that can only be written.
var ErrNotReadable = errors.New("audit backend is not readable")

// Event is one audit line. Timestamp is kept as text so events written by
// other tools with a different format still round-trip.
type Event struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	SourceIP  string `json:"source_ip"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Result    Result `json:"result"`
	Details   string `json:"details"`
}

// Time parses the event timestamp.
func (e Event) Time() (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Filter selects events. Text is a case-insensitive substring match over
// action, actor, target and details. Result must match exactly when set.
// Before keeps only events with a parseable timestamp older than it.
type Filter struct {
	Text   string
	Result Result
	Before time.Time
}

func (f Filter) Match(e Event) bool {
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.Before.IsZero() {
		t, ok := e.Time()
		if !ok || !t.Before(f.Before) {
			return false
		}
	}
	if f.Text == "" {
		return true
	}
	needle := strings.ToLower(f.Text)
	for _, field := range []string{e.Action, e.Actor, e.Target, e.Details} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// Backend stores events. Find returns matches newest first.
type Backend interface {
	Append(ctx context.Context, e Event) error
	Find(ctx context.Context, f Filter, p utils.PaginationParams) ([]Event, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Log is the audit facade every component reports to.
type Log struct {
	Backend Backend
	Enabled bool
	Now     func() time.Time
}

func New(backend Backend, enabled bool) *Log {
	return &Log{Backend: backend, Enabled: enabled, Now: time.Now}
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append records an event. Failures are logged, never returned, so an
// audit outage cannot block the operation being audited.
func (l *Log) Append(ctx context.Context, action, target, details string, result Result, actor string) {
	if l == nil || !l.Enabled || l.Backend == nil {
		return
	}
	e := Event{
		Timestamp: l.now().UTC().Format(time.RFC3339),
		Actor:     actor,
		SourceIP:  ClientIPFrom(ctx),
		Action:    action,
		Target:    target,
		Result:    result,
		Details:   details,
	}
	if err := l.Backend.Append(ctx, e); err != nil {
		logger.Error("audit_append_failed", err, map[string]interface{}{
			"action": action,
		})
	}
}

// Read returns one page of matching events, newest first. Disabled logging
// and write-only sinks read as empty.
func (l *Log) Read(ctx context.Context, limit, offset int, f Filter) ([]Event, error) {
	if !l.readable() {
		return []Event{}, nil
	}
	events, err := l.Backend.Find(ctx, f, utils.PaginationParams{Limit: limit, Offset: offset})
	if errors.Is(err, ErrNotReadable) {
		return []Event{}, nil
	}
	return events, err
}

func (l *Log) Count(ctx context.Context, f Filter) (int64, error) {
	if !l.readable() {
		return 0, nil
	}
	n, err := l.Backend.Count(ctx, f)
	if errors.Is(err, ErrNotReadable) {
		return 0, nil
	}
	return n, err
}

// Cleanup drops events older than retentionDays. Events whose timestamp
// cannot be parsed are kept.
func (l *Log) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if !l.readable() || retentionDays <= 0 {
		return 0, nil
	}
	return l.prune(ctx, l.Cutoff(retentionDays), retentionDays)
}

func (l *Log) prune(ctx context.Context, cutoff time.Time, retentionDays int) (int, error) {
	removed, err := l.Backend.Prune(ctx, cutoff)
	if errors.Is(err, ErrNotReadable) {
		return 0, nil
	}
	if err != nil {
		return removed, err
	}
	logger.Info("audit_cleanup", map[string]interface{}{
		"removed":        removed,
		"retention_days": retentionDays,
	})
	return removed, nil
}

// Cutoff returns the instant before which events fall out of retention.
func (l *Log) Cutoff(retentionDays int) time.Time {
	return l.now().UTC().AddDate(0, 0, -retentionDays)
}

func (l *Log) readable() bool {
	return l != nil && l.Enabled && l.Backend != nil
}
