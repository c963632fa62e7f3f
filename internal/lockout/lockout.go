package lockout

import (
	"context"
	"time"

	"github.com/ldapconsole/api/internal/kvstore"
	"github.com/ldapconsole/api/pkg/logger"
)

// Tracker counts failures per identifier inside a namespace. Once the
// count reaches MaxAttempts the identifier stays locked until the record
// expires, Duration after the latest failure.
type Tracker struct {
	Store       *kvstore.Store
	Namespace   string
	MaxAttempts int
	Duration    time.Duration
}

func NewTracker(store *kvstore.Store, namespace string, maxAttempts int, duration time.Duration) *Tracker {
	return &Tracker{Store: store, Namespace: namespace, MaxAttempts: maxAttempts, Duration: duration}
}

// Status describes the current failure window for an identifier.
type Status struct {
	Failures  int       `json:"failures"`
	Locked    bool      `json:"locked"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (t *Tracker) key(identifier string) string {
	return t.Namespace + "." + kvstore.SafeKey(identifier)
}

func (t *Tracker) Status(ctx context.Context, identifier string) Status {
	rec, ok := t.Store.Get(ctx, kvstore.KindLockout, t.key(identifier))
	if !ok {
		return Status{}
	}
	lock, err := kvstore.LockoutFromRecord(rec)
	if err != nil {
		return Status{}
	}
	return Status{
		Failures:  lock.Failures,
		Locked:    t.MaxAttempts > 0 && lock.Failures >= t.MaxAttempts,
		ExpiresAt: lock.ExpiresAt,
	}
}

func (t *Tracker) IsLocked(ctx context.Context, identifier string) bool {
	return t.Status(ctx, identifier).Locked
}

// RecordFailure increments the failure count and extends the window. A
// failure after the previous window expired starts again at one.
func (t *Tracker) RecordFailure(ctx context.Context, identifier string) (int, error) {
	count := t.Status(ctx, identifier).Failures + 1
	lock := kvstore.LockoutRecord{Identifier: identifier, Failures: count}
	if err := t.Store.Put(ctx, kvstore.KindLockout, t.key(identifier), lock.Fields(), t.Duration); err != nil {
		return count, err
	}
	if count == t.MaxAttempts {
		logger.Warn("lockout_triggered", map[string]interface{}{
			"namespace":  t.Namespace,
			"identifier": identifier,
			"failures":   count,
		})
	}
	return count, nil
}

func (t *Tracker) Clear(ctx context.Context, identifier string) error {
	return t.Store.Delete(ctx, kvstore.KindLockout, t.key(identifier))
}

// ClearAll removes every record in the namespace.
func (t *Tracker) ClearAll(ctx context.Context) error {
	return t.Store.Delete(ctx, kvstore.KindLockout, t.Namespace+".*")
}
