package totp

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ldapconsole/api/internal/config"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

const secretSize = 20

var ErrInvalidSecret = errors.New("invalid TOTP secret")

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Engine implements RFC 6238 codes with HMAC-SHA1.
type Engine struct {
	Digits int
	Period uint
	Window int
	Now    func() time.Time
}

func NewEngine(cfg config.TOTPConfig) *Engine {
	e := &Engine{Digits: cfg.Digits, Period: cfg.Period, Window: cfg.Window, Now: time.Now}
	if e.Digits != 8 {
		e.Digits = 6
	}
	if e.Period == 0 {
		e.Period = 30
	}
	if e.Window < 0 {
		e.Window = 0
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// GenerateSecret returns 160 random bits as unpadded base32.
func (e *Engine) GenerateSecret() (string, error) {
	raw := make([]byte, secretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return secretEncoding.EncodeToString(raw), nil
}

// ProvisioningURI renders the otpauth:// URI understood by authenticator apps.
func (e *Engine) ProvisioningURI(secret, label, issuer string) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: label,
		Period:      e.Period,
		Secret:      raw,
		Digits:      otp.Digits(e.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("building provisioning URI: %w", err)
	}
	return key.URL(), nil
}

// Step returns the time-step counter for t.
func (e *Engine) Step(t time.Time) uint64 {
	unix := t.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix) / uint64(e.Period)
}

// GenerateCode returns the code for the step containing t.
func (e *Engine) GenerateCode(secret string, t time.Time) (string, error) {
	return e.codeAt(secret, e.Step(t))
}

func (e *Engine) codeAt(secret string, step uint64) (string, error) {
	if _, err := decodeSecret(secret); err != nil {
		return "", err
	}
	return hotp.GenerateCodeCustom(secret, step, hotp.ValidateOpts{
		Digits:    otp.Digits(e.Digits),
		Algorithm: otp.AlgorithmSHA1,
	})
}

// ValidateCode checks code against the current step and the configured
// number of adjacent steps on either side.
func (e *Engine) ValidateCode(secret, code string) bool {
	_, ok := e.Match(secret, code, e.now(), e.Window)
	return ok
}

// Match reports the step at which code is valid within window steps of t.
// Enrollment uses the step to tell two codes apart.
func (e *Engine) Match(secret, code string, t time.Time, window int) (uint64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != e.Digits || !allDigits(code) {
		return 0, false
	}
	current := e.Step(t)
	for offset := -window; offset <= window; offset++ {
		if offset < 0 && uint64(-offset) > current {
			continue
		}
		step := uint64(int64(current) + int64(offset))
		expected, err := e.codeAt(secret, step)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// GenerateBackupCodes returns count random numeric codes of length digits.
func GenerateBackupCodes(count, length int) ([]string, error) {
	codes := make([]string, 0, count)
	ten := big.NewInt(10)
	for i := 0; i < count; i++ {
		var b strings.Builder
		for j := 0; j < length; j++ {
			n, err := rand.Int(rand.Reader, ten)
			if err != nil {
				return nil, err
			}
			b.WriteByte(byte('0' + n.Int64()))
		}
		codes = append(codes, b.String())
	}
	return codes, nil
}

func decodeSecret(secret string) ([]byte, error) {
	clean := strings.ToUpper(strings.TrimRight(strings.TrimSpace(secret), "="))
	raw, err := secretEncoding.DecodeString(clean)
	if err != nil || len(raw) == 0 {
		return nil, ErrInvalidSecret
	}
	return raw, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
