package totp

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/pkg/utils"
	"golang.org/x/crypto/bcrypt"
)

// RFC 6238 appendix B SHA-1 seed, "12345678901234567890" in base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestEngineGenerateCode(t *testing.T) {
	testCases := []struct {
		name   string
		unix   int64
		digits int
		want   string
	}{
		{name: "rfc vector t=59 eight digits", unix: 59, digits: 8, want: "94287082"},
		{name: "rfc vector t=1111111109", unix: 1111111109, digits: 8, want: "07081804"},
		{name: "rfc vector t=1234567890", unix: 1234567890, digits: 8, want: "89005924"},
		{name: "rfc vector t=59 six digits", unix: 59, digits: 6, want: "287082"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine := NewEngine(config.TOTPConfig{Digits: tc.digits, Period: 30, Window: 1})
			got, err := engine.GenerateCode(rfcSecret, time.Unix(tc.unix, 0))
			if err != nil {
				t.Fatalf("GenerateCode: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestEngineMatch(t *testing.T) {
	engine := NewEngine(config.TOTPConfig{Digits: 6, Period: 30, Window: 1})
	now := time.Unix(1_700_000_015, 0)
	code, _ := engine.GenerateCode(rfcSecret, now)

	t.Run("accepts the current step", func(t *testing.T) {
		step, ok := engine.Match(rfcSecret, code, now, 1)
		if !ok || step != engine.Step(now) {
			t.Fatalf("expected match at step %d, got %d ok=%v", engine.Step(now), step, ok)
		}
	})

	t.Run("accepts one step of skew", func(t *testing.T) {
		if _, ok := engine.Match(rfcSecret, code, now.Add(30*time.Second), 1); !ok {
			t.Fatal("expected code to be valid one step later")
		}
		if _, ok := engine.Match(rfcSecret, code, now.Add(-30*time.Second), 1); !ok {
			t.Fatal("expected code to be valid one step earlier")
		}
	})

	t.Run("rejects outside the window", func(t *testing.T) {
		if _, ok := engine.Match(rfcSecret, code, now.Add(90*time.Second), 1); ok {
			t.Fatal("expected code to be rejected three steps later")
		}
		if _, ok := engine.Match(rfcSecret, code, now.Add(30*time.Second), 0); ok {
			t.Fatal("expected zero window to reject adjacent step")
		}
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, bad := range []string{"", "12345", "1234567", "abcdef"} {
			if _, ok := engine.Match(rfcSecret, bad, now, 1); ok {
				t.Errorf("expected %q to be rejected", bad)
			}
		}
		if _, ok := engine.Match("not base32!", code, now, 1); ok {
			t.Error("expected invalid secret to be rejected")
		}
	})

	t.Run("validate uses the engine clock", func(t *testing.T) {
		engine.Now = func() time.Time { return now }
		defer func() { engine.Now = time.Now }()
		if !engine.ValidateCode(rfcSecret, code) {
			t.Fatal("expected ValidateCode to accept the current code")
		}
	})
}

func TestEngineSecretsAndURI(t *testing.T) {
	engine := NewEngine(config.TOTPConfig{Digits: 6, Period: 30})

	secret, err := engine.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if len(secret) != 32 || strings.Contains(secret, "=") {
		t.Fatalf("expected 32 unpadded base32 chars, got %q", secret)
	}
	other, _ := engine.GenerateSecret()
	if other == secret {
		t.Fatal("expected distinct secrets")
	}

	uri, err := engine.ProvisioningURI(secret, "alice", "LDAP Console")
	if err != nil {
		t.Fatalf("ProvisioningURI: %v", err)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parsing URI: %v", err)
	}
	if parsed.Scheme != "otpauth" || parsed.Host != "totp" {
		t.Errorf("unexpected URI %s", uri)
	}
	q := parsed.Query()
	if q.Get("secret") != secret || q.Get("issuer") != "LDAP Console" || q.Get("digits") != "6" || q.Get("period") != "30" {
		t.Errorf("unexpected URI parameters %v", q)
	}
}

func TestGenerateBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes(10, 8)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}
	for _, c := range codes {
		if len(c) != 8 || !allDigits(c) {
			t.Errorf("unexpected code %q", c)
		}
	}
}

type memoryCredentials struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func newMemoryCredentials() *memoryCredentials {
	return &memoryCredentials{creds: map[string]Credential{}}
}

func (m *memoryCredentials) LoadCredential(ctx context.Context, username string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[username]
	if !ok {
		return &Credential{Status: StatusNone}, nil
	}
	cred.BackupCodes = append([]string(nil), cred.BackupCodes...)
	return &cred, nil
}

func (m *memoryCredentials) SaveCredential(ctx context.Context, username string, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *cred
	stored.BackupCodes = append([]string(nil), cred.BackupCodes...)
	m.creds[username] = stored
	return nil
}

func (m *memoryCredentials) RemoveBackupCode(ctx context.Context, username, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred := m.creds[username]
	for i, h := range cred.BackupCodes {
		if h == hash {
			cred.BackupCodes = append(cred.BackupCodes[:i:i], cred.BackupCodes[i+1:]...)
			m.creds[username] = cred
			return nil
		}
	}
	return errors.New("value not present")
}

type enrollmentFixture struct {
	enrollment *Enrollment
	store      *memoryCredentials
	now        time.Time
}

func newEnrollmentFixture(t *testing.T, mandatory bool) *enrollmentFixture {
	t.Helper()
	f := &enrollmentFixture{store: newMemoryCredentials(), now: time.Unix(1_700_000_010, 0)}
	cfg := config.Default().TOTP
	cfg.Mandatory = mandatory
	engine := NewEngine(cfg)
	engine.Now = func() time.Time { return f.now }
	sealer, err := utils.NewSealer("test-encryption-secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	f.enrollment = NewEnrollment(engine, f.store, sealer, cfg)
	f.enrollment.HashCost = bcrypt.MinCost
	return f
}

func (f *enrollmentFixture) code(t *testing.T, secret string) string {
	t.Helper()
	code, err := f.enrollment.Engine.GenerateCode(secret, f.now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	return code
}

func (f *enrollmentFixture) activate(t *testing.T, username string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	secret, _, err := f.enrollment.Begin(ctx, username)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	step, err := f.enrollment.ConfirmFirst(ctx, username, f.code(t, secret))
	if err != nil {
		t.Fatalf("ConfirmFirst: %v", err)
	}
	f.now = f.now.Add(30 * time.Second)
	codes, err := f.enrollment.ConfirmSecond(ctx, username, f.code(t, secret), step)
	if err != nil {
		t.Fatalf("ConfirmSecond: %v", err)
	}
	return secret, codes
}

func TestEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("two distinct steps activate the credential", func(t *testing.T) {
		f := newEnrollmentFixture(t, false)
		secret, codes := f.activate(t, "alice")

		if len(codes) != 10 {
			t.Fatalf("expected 10 backup codes, got %d", len(codes))
		}
		stored := f.store.creds["alice"]
		if stored.Status != StatusActive {
			t.Fatalf("expected active, got %s", stored.Status)
		}
		if stored.Secret == secret {
			t.Fatal("expected secret sealed at rest")
		}
		for i, h := range stored.BackupCodes {
			if h == codes[i] {
				t.Fatal("expected backup codes hashed at rest")
			}
		}
		ok, err := f.enrollment.Verify(ctx, "alice", f.code(t, secret))
		if err != nil || !ok {
			t.Fatalf("expected Verify to accept a live code, got %v %v", ok, err)
		}
	})

	t.Run("same code for both steps is rejected", func(t *testing.T) {
		f := newEnrollmentFixture(t, false)
		secret, _, _ := f.enrollment.Begin(ctx, "bob")
		code := f.code(t, secret)

		step, err := f.enrollment.ConfirmFirst(ctx, "bob", code)
		if err != nil {
			t.Fatalf("ConfirmFirst: %v", err)
		}
		if _, err := f.enrollment.ConfirmSecond(ctx, "bob", code, step); !errors.Is(err, ErrSameStep) {
			t.Fatalf("expected ErrSameStep, got %v", err)
		}
		if f.store.creds["bob"].Status != StatusPending {
			t.Fatal("expected credential to stay pending")
		}
	})

	t.Run("wrong codes and wrong states are rejected", func(t *testing.T) {
		f := newEnrollmentFixture(t, false)
		if _, err := f.enrollment.ConfirmFirst(ctx, "carol", "123456"); !errors.Is(err, ErrNotPending) {
			t.Errorf("expected ErrNotPending, got %v", err)
		}
		f.enrollment.Begin(ctx, "carol")
		if _, err := f.enrollment.ConfirmFirst(ctx, "carol", "000000"); !errors.Is(err, ErrInvalidCode) {
			t.Errorf("expected ErrInvalidCode, got %v", err)
		}
		if _, err := f.enrollment.Verify(ctx, "carol", "000000"); !errors.Is(err, ErrNotActive) {
			t.Errorf("expected ErrNotActive, got %v", err)
		}
	})

	t.Run("begin on an active credential fails", func(t *testing.T) {
		f := newEnrollmentFixture(t, false)
		f.activate(t, "dave")
		if _, _, err := f.enrollment.Begin(ctx, "dave"); !errors.Is(err, ErrAlreadyActive) {
			t.Fatalf("expected ErrAlreadyActive, got %v", err)
		}
	})

	t.Run("disable clears secret and codes but keeps status", func(t *testing.T) {
		f := newEnrollmentFixture(t, false)
		f.activate(t, "erin")
		if err := f.enrollment.Disable(ctx, "erin"); err != nil {
			t.Fatalf("Disable: %v", err)
		}
		stored := f.store.creds["erin"]
		if stored.Status != StatusDisabled || stored.Secret != "" || len(stored.BackupCodes) != 0 {
			t.Fatalf("unexpected credential after disable %+v", stored)
		}
	})
}

func TestBackupCodeRedemption(t *testing.T) {
	ctx := context.Background()
	f := newEnrollmentFixture(t, false)
	_, codes := f.activate(t, "alice")

	t.Run("a consumed code never validates twice", func(t *testing.T) {
		for _, code := range codes {
			before := len(f.store.creds["alice"].BackupCodes)
			remaining, err := f.enrollment.RedeemBackupCode(ctx, "alice", code)
			if err != nil {
				t.Fatalf("RedeemBackupCode(%s): %v", code, err)
			}
			if remaining != before-1 {
				t.Fatalf("expected %d remaining, got %d", before-1, remaining)
			}
			if _, err := f.enrollment.RedeemBackupCode(ctx, "alice", code); !errors.Is(err, ErrInvalidCode) {
				t.Fatalf("expected reuse of %s to fail, got %v", code, err)
			}
		}
		if len(f.store.creds["alice"].BackupCodes) != 0 {
			t.Fatal("expected every code consumed")
		}
	})

	t.Run("losing the removal race fails redemption", func(t *testing.T) {
		f := newEnrollmentFixture(t, false)
		_, codes := f.activate(t, "bob")
		stale, _ := f.store.LoadCredential(ctx, "bob")
		if err := f.store.RemoveBackupCode(ctx, "bob", stale.BackupCodes[0]); err != nil {
			t.Fatalf("RemoveBackupCode: %v", err)
		}
		racing := &Enrollment{Engine: f.enrollment.Engine, Store: staleStore{f.store, stale}, HashCost: bcrypt.MinCost}
		if _, err := racing.RedeemBackupCode(ctx, "bob", codes[0]); !errors.Is(err, ErrBackupCodeUsed) {
			t.Fatalf("expected ErrBackupCodeUsed, got %v", err)
		}
	})

	t.Run("regenerate replaces every code", func(t *testing.T) {
		f := newEnrollmentFixture(t, false)
		_, old := f.activate(t, "carol")
		fresh, err := f.enrollment.RegenerateBackupCodes(ctx, "carol")
		if err != nil {
			t.Fatalf("RegenerateBackupCodes: %v", err)
		}
		if len(fresh) != len(old) {
			t.Fatalf("expected %d codes, got %d", len(old), len(fresh))
		}
		if _, err := f.enrollment.RedeemBackupCode(ctx, "carol", old[0]); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("expected old code rejected, got %v", err)
		}
	})
}

// staleStore serves a credential read before another node consumed a code.
type staleStore struct {
	*memoryCredentials
	cred *Credential
}

func (s staleStore) LoadCredential(ctx context.Context, username string) (*Credential, error) {
	return s.cred, nil
}

func TestRequiresEnrollment(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name      string
		mandatory bool
		cred      Credential
		want      bool
	}{
		{name: "optional policy never requires", mandatory: false, cred: Credential{Status: StatusNone}, want: false},
		{name: "active never requires", mandatory: true, cred: Credential{Status: StatusActive, EnrolledAt: now.AddDate(0, 0, -30)}, want: false},
		{name: "never started has no grace", mandatory: true, cred: Credential{Status: StatusNone}, want: true},
		{name: "pending inside grace", mandatory: true, cred: Credential{Status: StatusPending, EnrolledAt: now.AddDate(0, 0, -3)}, want: false},
		{name: "pending after grace", mandatory: true, cred: Credential{Status: StatusPending, EnrolledAt: now.AddDate(0, 0, -7)}, want: true},
		{name: "disabled after grace", mandatory: true, cred: Credential{Status: StatusDisabled, EnrolledAt: now.AddDate(0, 0, -10)}, want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := &Enrollment{Mandatory: tc.mandatory, GraceDays: 7}
			cred := tc.cred
			if got := e.RequiresEnrollment(&cred, now); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestStatusSummary(t *testing.T) {
	ctx := context.Background()
	f := newEnrollmentFixture(t, true)

	summary, err := f.enrollment.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if summary.Status != StatusNone || !summary.RequiresEnrollment {
		t.Fatalf("unexpected summary %+v", summary)
	}

	f.enrollment.Begin(ctx, "alice")
	summary, _ = f.enrollment.Status(ctx, "alice")
	if summary.Status != StatusPending || summary.RequiresEnrollment || summary.GraceEndsAt == nil {
		t.Fatalf("unexpected pending summary %+v", summary)
	}
}
