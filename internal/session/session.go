package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ldapconsole/api/internal/kvstore"
	"github.com/ldapconsole/api/pkg/logger"
)

const maxIDLength = 128

var ErrInvalidID = errors.New("invalid session id")

// Manager is the session save handler: sessions live in the shared store
// so any node can serve any request.
type Manager struct {
	Store    *kvstore.Store
	Lifetime time.Duration
}

func NewManager(store *kvstore.Store, lifetime time.Duration) *Manager {
	return &Manager{Store: store, Lifetime: lifetime}
}

// Open and Close exist for handler lifecycles; there is nothing to set up.
func (m *Manager) Open() error  { return nil }
func (m *Manager) Close() error { return nil }

// Read returns the owner and payload of a live session. Unknown, expired
// and invalid IDs all read as empty.
func (m *Manager) Read(ctx context.Context, id string) (owner, payload string) {
	id = Sanitize(id)
	if id == "" {
		return "", ""
	}
	rec, ok := m.Store.Get(ctx, kvstore.KindSession, id)
	if !ok {
		return "", ""
	}
	sess, err := kvstore.SessionFromRecord(rec)
	if err != nil {
		return "", ""
	}
	return sess.Owner, sess.Payload
}

// Write stores the session and restarts its lifetime.
func (m *Manager) Write(ctx context.Context, id, owner, payload string) error {
	clean := Sanitize(id)
	if clean == "" || clean != id {
		return ErrInvalidID
	}
	sess := kvstore.SessionRecord{ID: id, Owner: owner, Payload: payload}
	if err := m.Store.Put(ctx, kvstore.KindSession, id, sess.Fields(), m.Lifetime); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

func (m *Manager) Destroy(ctx context.Context, id string) error {
	id = Sanitize(id)
	if id == "" {
		return nil
	}
	return m.Store.Delete(ctx, kvstore.KindSession, id)
}

// GC removes expired sessions. Records carry their own absolute expiry, so
// maxLifetime only matters for logging.
func (m *Manager) GC(ctx context.Context, maxLifetime time.Duration) (int, error) {
	removed, err := m.Store.Sweep(ctx, kvstore.KindSession)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		logger.Info("session_gc", map[string]interface{}{
			"removed":      removed,
			"max_lifetime": maxLifetime.String(),
		})
	}
	return removed, nil
}

// Active lists the live sessions owned by username.
func (m *Manager) Active(ctx context.Context, username string) []kvstore.SessionRecord {
	var out []kvstore.SessionRecord
	for _, rec := range m.Store.List(ctx, kvstore.KindSession) {
		sess, err := kvstore.SessionFromRecord(rec)
		if err != nil || sess.Owner != username || username == "" {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// DestroyOwnedBy ends every session of username except keep.
func (m *Manager) DestroyOwnedBy(ctx context.Context, username, keep string) (int, error) {
	n := 0
	for _, sess := range m.Active(ctx, username) {
		if sess.ID == keep {
			continue
		}
		if err := m.Destroy(ctx, sess.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// NewID returns 256 random bits as hex.
func NewID() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Sanitize keeps only [A-Za-z0-9,-] so an ID can be used as a store key.
func Sanitize(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id) && len(out) < maxIDLength; i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == ',', c == '-':
			out = append(out, c)
		}
	}
	return string(out)
}
