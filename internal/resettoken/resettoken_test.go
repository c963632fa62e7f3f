package resettoken

import (
	"context"
	"testing"
	"time"

	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/kvstore"
	"github.com/ldapconsole/api/internal/lockout"
)

type recordedEvent struct {
	action string
	target string
	result audit.Result
}

type recordingAuditor struct {
	events []recordedEvent
}

func (r *recordingAuditor) Append(ctx context.Context, action, target, details string, result audit.Result, actor string) {
	r.events = append(r.events, recordedEvent{action: action, target: target, result: result})
}

func (r *recordingAuditor) count(action string, result audit.Result) int {
	n := 0
	for _, e := range r.events {
		if e.action == action && e.result == result {
			n++
		}
	}
	return n
}

type fixture struct {
	manager *Manager
	auditor *recordingAuditor
	now     *time.Time
}

func newFixture(t *testing.T, singleUse bool) *fixture {
	t.Helper()
	cache, err := kvstore.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	store := kvstore.NewStore(cache, nil)
	store.Now = func() time.Time { return now }

	tracker := lockout.NewTracker(store, "reset", 3, 15*time.Minute)
	auditor := &recordingAuditor{}
	return &fixture{
		manager: NewManager(store, tracker, auditor, time.Hour, singleUse),
		auditor: auditor,
		now:     &now,
	}
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()

	t.Run("issued token validates until consumed", func(t *testing.T) {
		f := newFixture(t, false)
		token, err := f.manager.Issue(ctx, "alice", "email")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if len(token) != 43 {
			t.Errorf("expected 43-char token, got %d", len(token))
		}
		if !f.manager.Validate(ctx, "alice", token) {
			t.Fatal("expected token to validate")
		}
		if !f.manager.Validate(ctx, "alice", token) {
			t.Fatal("expected token to validate again before consume")
		}
		if err := f.manager.Consume(ctx, "alice"); err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if f.manager.Validate(ctx, "alice", token) {
			t.Fatal("expected consumed token to fail")
		}
	})

	t.Run("only the newest token is live", func(t *testing.T) {
		f := newFixture(t, false)
		first, _ := f.manager.Issue(ctx, "alice", "email")
		second, _ := f.manager.Issue(ctx, "alice", "sms")
		if f.manager.Validate(ctx, "alice", first) {
			t.Error("expected replaced token to fail")
		}
		if !f.manager.Validate(ctx, "alice", second) {
			t.Error("expected newest token to validate")
		}
	})

	t.Run("tokens are bound to their identifier", func(t *testing.T) {
		f := newFixture(t, false)
		token, _ := f.manager.Issue(ctx, "alice", "email")
		f.manager.Issue(ctx, "bob", "email")
		if f.manager.Validate(ctx, "bob", token) {
			t.Error("expected alice's token to fail for bob")
		}
	})

	t.Run("expired token fails", func(t *testing.T) {
		f := newFixture(t, false)
		token, _ := f.manager.Issue(ctx, "alice", "email")
		*f.now = f.now.Add(time.Hour)
		if f.manager.Validate(ctx, "alice", token) {
			t.Error("expected expired token to fail")
		}
	})

	t.Run("empty token never validates", func(t *testing.T) {
		f := newFixture(t, false)
		f.manager.Issue(ctx, "alice", "email")
		if f.manager.Validate(ctx, "alice", "") {
			t.Error("expected empty token to fail")
		}
	})

	t.Run("single use consumes on validate", func(t *testing.T) {
		f := newFixture(t, true)
		token, _ := f.manager.Issue(ctx, "alice", "email")
		if !f.manager.Validate(ctx, "alice", token) {
			t.Fatal("expected first validate to succeed")
		}
		if f.manager.Validate(ctx, "alice", token) {
			t.Fatal("expected second validate to fail")
		}
	})

	t.Run("identifiers with unsafe characters", func(t *testing.T) {
		f := newFixture(t, false)
		id := "cn=Alice Smith,ou=people"
		token, err := f.manager.Issue(ctx, id, "email")
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if !f.manager.Validate(ctx, id, token) {
			t.Error("expected token to validate")
		}
	})
}

func TestLockout(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated failures lock the identifier", func(t *testing.T) {
		f := newFixture(t, false)
		token, _ := f.manager.Issue(ctx, "alice", "email")
		for i := 0; i < 3; i++ {
			if f.manager.Validate(ctx, "alice", "wrong") {
				t.Fatal("expected wrong token to fail")
			}
		}
		if f.manager.Validate(ctx, "alice", token) {
			t.Fatal("expected correct token to fail while locked")
		}
		if _, err := f.manager.Issue(ctx, "alice", "email"); err != ErrLocked {
			t.Fatalf("expected ErrLocked from Issue, got %v", err)
		}
		if got := f.auditor.count("password_reset.lockout", audit.ResultWarning); got != 1 {
			t.Errorf("expected 1 lockout event, got %d", got)
		}
	})

	t.Run("lock lifts after the lockout duration", func(t *testing.T) {
		f := newFixture(t, false)
		for i := 0; i < 3; i++ {
			f.manager.Validate(ctx, "alice", "wrong")
		}
		*f.now = f.now.Add(15 * time.Minute)
		token, err := f.manager.Issue(ctx, "alice", "email")
		if err != nil {
			t.Fatalf("Issue after lock expiry: %v", err)
		}
		if !f.manager.Validate(ctx, "alice", token) {
			t.Error("expected token to validate after lock expiry")
		}
	})

	t.Run("success clears earlier failures", func(t *testing.T) {
		f := newFixture(t, false)
		token, _ := f.manager.Issue(ctx, "alice", "email")
		f.manager.Validate(ctx, "alice", "wrong")
		f.manager.Validate(ctx, "alice", "wrong")
		if !f.manager.Validate(ctx, "alice", token) {
			t.Fatal("expected token to validate")
		}
		if got := f.manager.Lockout.Status(ctx, "alice").Failures; got != 0 {
			t.Errorf("expected failures cleared, got %d", got)
		}
	})
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	token, _ := f.manager.Issue(ctx, "alice", "email")
	f.manager.Validate(ctx, "alice", "wrong")
	f.manager.Validate(ctx, "alice", token)
	f.manager.Consume(ctx, "alice")

	checks := []struct {
		action string
		result audit.Result
	}{
		{"password_reset.issue", audit.ResultSuccess},
		{"password_reset.validate", audit.ResultFailure},
		{"password_reset.validate", audit.ResultSuccess},
		{"password_reset.consume", audit.ResultSuccess},
	}
	for _, c := range checks {
		if f.auditor.count(c.action, c.result) != 1 {
			t.Errorf("expected one %s/%s event, got %+v", c.action, c.result, f.auditor.events)
		}
	}
}
