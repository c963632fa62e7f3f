package resettoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/kvstore"
	"github.com/ldapconsole/api/internal/lockout"
)

const tokenBytes = 32

var ErrLocked = errors.New("too many failed attempts")

type Auditor interface {
	Append(ctx context.Context, action, target, details string, result audit.Result, actor string)
}

// Manager issues password-reset tokens. Only a SHA-256 of each token is
// stored. Every failed validation counts against the identifier in the
// lockout tracker.
type Manager struct {
	Store   *kvstore.Store
	Lockout *lockout.Tracker
	Audit   Auditor
	TTL     time.Duration
	// SingleUse consumes the token on its first successful validation.
	// When false the caller must call Consume after changing the password.
	SingleUse bool
}

func NewManager(store *kvstore.Store, tracker *lockout.Tracker, auditor Auditor, ttl time.Duration, singleUse bool) *Manager {
	return &Manager{Store: store, Lockout: tracker, Audit: auditor, TTL: ttl, SingleUse: singleUse}
}

// Issue creates a token for identifier, replacing any earlier one, and
// returns the plaintext for delivery over channel.
func (m *Manager) Issue(ctx context.Context, identifier, channel string) (string, error) {
	if m.Lockout != nil && m.Lockout.IsLocked(ctx, identifier) {
		m.audit(ctx, identifier, "password_reset.issue", audit.ResultFailure, "identifier locked")
		return "", ErrLocked
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating reset token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	key := kvstore.SafeKey(identifier)
	if err := m.Store.Delete(ctx, kvstore.KindResetToken, key); err != nil {
		return "", err
	}
	rec := kvstore.ResetTokenRecord{Identifier: identifier, TokenHash: hashToken(token), Channel: channel}
	if err := m.Store.Put(ctx, kvstore.KindResetToken, key, rec.Fields(), m.TTL); err != nil {
		return "", err
	}

	m.audit(ctx, identifier, "password_reset.issue", audit.ResultSuccess, "channel="+channel)
	return token, nil
}

// Validate reports whether token is the live token for identifier.
func (m *Manager) Validate(ctx context.Context, identifier, token string) bool {
	if m.Lockout != nil && m.Lockout.IsLocked(ctx, identifier) {
		m.audit(ctx, identifier, "password_reset.validate", audit.ResultFailure, "identifier locked")
		return false
	}

	key := kvstore.SafeKey(identifier)
	valid := false
	if rec, ok := m.Store.Get(ctx, kvstore.KindResetToken, key); ok && token != "" {
		if stored, err := kvstore.ResetTokenFromRecord(rec); err == nil {
			valid = subtle.ConstantTimeCompare([]byte(stored.TokenHash), []byte(hashToken(token))) == 1
		}
	}

	if !valid {
		m.recordFailure(ctx, identifier)
		return false
	}

	if m.Lockout != nil {
		m.Lockout.Clear(ctx, identifier)
	}
	if m.SingleUse {
		m.Store.Delete(ctx, kvstore.KindResetToken, key)
	}
	m.audit(ctx, identifier, "password_reset.validate", audit.ResultSuccess, "")
	return true
}

// Consume deletes the token for identifier.
func (m *Manager) Consume(ctx context.Context, identifier string) error {
	if err := m.Store.Delete(ctx, kvstore.KindResetToken, kvstore.SafeKey(identifier)); err != nil {
		return err
	}
	m.audit(ctx, identifier, "password_reset.consume", audit.ResultSuccess, "")
	return nil
}

func (m *Manager) recordFailure(ctx context.Context, identifier string) {
	details := ""
	if m.Lockout != nil {
		count, err := m.Lockout.RecordFailure(ctx, identifier)
		if err == nil {
			details = fmt.Sprintf("failures=%d", count)
			if count >= m.Lockout.MaxAttempts {
				m.audit(ctx, identifier, "password_reset.lockout", audit.ResultWarning, details)
			}
		}
	}
	m.audit(ctx, identifier, "password_reset.validate", audit.ResultFailure, details)
}

func (m *Manager) audit(ctx context.Context, identifier, action string, result audit.Result, details string) {
	if m.Audit == nil {
		return
	}
	m.Audit.Append(ctx, action, identifier, details, result, identifier)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
