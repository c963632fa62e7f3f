package kvstore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindSession    Kind = "session"
	KindResetToken Kind = "reset"
	KindLockout    Kind = "lockout"

	// KindRateLimit entries live in the cache tier only.
	KindRateLimit Kind = "ratelimit"
)

const delimiter = ":"

var (
	ErrMalformedRecord = errors.New("malformed record")
	ErrInvalidKey      = errors.New("key contains a reserved character")
)

var fieldEncoding = base64.RawStdEncoding

// Record is the generic stored unit. Typed variants convert to and from it.
type Record struct {
	Kind      Kind
	Key       string
	Fields    []string
	ExpiresAt time.Time
}

// Expired reports whether the record is logically absent at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Encode renders the durable-tier form kind:key:f1:...:fN:expiry.
func (r Record) Encode() string {
	return encodeBody(r.Kind, r.Key, r.Fields) + delimiter + strconv.FormatInt(r.ExpiresAt.Unix(), 10)
}

// ParseRecord decodes a durable-tier value. Any deviation from the format
// yields ErrMalformedRecord.
func ParseRecord(value string) (Record, error) {
	idx := strings.LastIndex(value, delimiter)
	if idx < 0 {
		return Record{}, ErrMalformedRecord
	}
	expiry, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil {
		return Record{}, ErrMalformedRecord
	}
	kind, key, fields, err := decodeBody(value[:idx])
	if err != nil {
		return Record{}, err
	}
	return Record{Kind: kind, Key: key, Fields: fields, ExpiresAt: time.Unix(expiry, 0)}, nil
}

func encodeBody(kind Kind, key string, fields []string) string {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, string(kind), key)
	for _, f := range fields {
		parts = append(parts, fieldEncoding.EncodeToString([]byte(f)))
	}
	return strings.Join(parts, delimiter)
}

func decodeBody(body string) (Kind, string, []string, error) {
	parts := strings.Split(body, delimiter)
	if len(parts) < 2 || !validKind(parts[0]) || parts[1] == "" {
		return "", "", nil, ErrMalformedRecord
	}
	fields := make([]string, 0, len(parts)-2)
	for _, p := range parts[2:] {
		raw, err := fieldEncoding.DecodeString(p)
		if err != nil {
			return "", "", nil, ErrMalformedRecord
		}
		fields = append(fields, string(raw))
	}
	return Kind(parts[0]), parts[1], fields, nil
}

// Known reports whether kind is one of the kinds this package writes.
func Known(kind Kind) bool {
	switch kind {
	case KindSession, KindResetToken, KindLockout, KindRateLimit:
		return true
	}
	return false
}

func validKind(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// SafeKey returns key unchanged when it only uses [A-Za-z0-9._@+-], and a
// hashed form otherwise, so it can never carry the record delimiter or a
// path separator.
func SafeKey(key string) string {
	if key != "" && len(key) <= 128 && safeKeyChars(key) {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "h" + hex.EncodeToString(sum[:])
}

func safeKeyChars(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '@', r == '+', r == '-':
		default:
			return false
		}
	}
	return true
}

func checkKey(key string) error {
	if key == "" || strings.ContainsAny(key, delimiter+"/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// SessionRecord is a stored session: the owning username and the opaque
// session payload.
type SessionRecord struct {
	ID        string
	Owner     string
	Payload   string
	ExpiresAt time.Time
}

func (s SessionRecord) Fields() []string {
	return []string{s.Owner, s.Payload}
}

func SessionFromRecord(r Record) (SessionRecord, error) {
	if r.Kind != KindSession || len(r.Fields) != 2 {
		return SessionRecord{}, ErrMalformedRecord
	}
	return SessionRecord{ID: r.Key, Owner: r.Fields[0], Payload: r.Fields[1], ExpiresAt: r.ExpiresAt}, nil
}

// ResetTokenRecord holds the one-way hash of a password-reset token.
type ResetTokenRecord struct {
	Identifier string
	TokenHash  string
	Channel    string
	ExpiresAt  time.Time
}

func (t ResetTokenRecord) Fields() []string {
	return []string{t.TokenHash, t.Channel}
}

func ResetTokenFromRecord(r Record) (ResetTokenRecord, error) {
	if r.Kind != KindResetToken || len(r.Fields) != 2 || r.Fields[0] == "" {
		return ResetTokenRecord{}, ErrMalformedRecord
	}
	return ResetTokenRecord{Identifier: r.Key, TokenHash: r.Fields[0], Channel: r.Fields[1], ExpiresAt: r.ExpiresAt}, nil
}

// LockoutRecord counts failures inside the current lockout window.
type LockoutRecord struct {
	Identifier string
	Failures   int
	ExpiresAt  time.Time
}

func (l LockoutRecord) Fields() []string {
	return []string{strconv.Itoa(l.Failures)}
}

func LockoutFromRecord(r Record) (LockoutRecord, error) {
	if r.Kind != KindLockout || len(r.Fields) != 1 {
		return LockoutRecord{}, ErrMalformedRecord
	}
	n, err := strconv.Atoi(r.Fields[0])
	if err != nil || n < 0 {
		return LockoutRecord{}, ErrMalformedRecord
	}
	return LockoutRecord{Identifier: r.Key, Failures: n, ExpiresAt: r.ExpiresAt}, nil
}
