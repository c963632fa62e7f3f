package app

import (
	"context"
	"fmt"

	"github.com/ldapconsole/api/internal/lockout"
	"github.com/ldapconsole/api/pkg/logger"
)

// Unlock clears lockout state in the "login" or "reset" namespace. An empty
// identifier clears the whole namespace. A non-empty ip also forgets the
// request rate limit that namespace keeps for that address.
func (a *App) Unlock(ctx context.Context, namespace, identifier, ip string) error {
	tracker, err := a.tracker(namespace)
	if err != nil {
		return err
	}

	if identifier == "" {
		err = tracker.ClearAll(ctx)
	} else {
		err = tracker.Clear(ctx, identifier)
	}
	if err != nil {
		return fmt.Errorf("clearing lockout: %w", err)
	}

	var rateKeys []string
	switch namespace {
	case "login":
		if ip != "" {
			rateKeys = append(rateKeys, "login:"+ip)
		}
	case "reset":
		if identifier != "" {
			rateKeys = append(rateKeys, "reset:user:"+identifier)
		}
		if ip != "" {
			rateKeys = append(rateKeys, "reset:ip:"+ip)
		}
	}
	for _, key := range rateKeys {
		if err := a.Limiter.Reset(key); err != nil {
			return fmt.Errorf("resetting rate limit: %w", err)
		}
	}

	logger.Info("lockout_cleared", map[string]interface{}{
		"namespace":  namespace,
		"identifier": identifier,
		"ip":         ip,
	})
	return nil
}

func (a *App) tracker(namespace string) (*lockout.Tracker, error) {
	switch namespace {
	case "login":
		return a.LoginLockout, nil
	case "reset":
		return a.ResetLockout, nil
	default:
		return nil, fmt.Errorf("unknown lockout namespace %q", namespace)
	}
}
