package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/config"
	"github.com/ldapconsole/api/internal/directory"
	"github.com/ldapconsole/api/internal/kvstore"
	"github.com/ldapconsole/api/internal/lockout"
	"github.com/ldapconsole/api/internal/middleware"
	"github.com/ldapconsole/api/internal/ratelimit"
	"github.com/ldapconsole/api/internal/resettoken"
	"github.com/ldapconsole/api/internal/session"
	"github.com/ldapconsole/api/internal/totp"
	"github.com/ldapconsole/api/pkg/challenge"
	"github.com/ldapconsole/api/pkg/logger"
	"golang.org/x/crypto/bcrypt"
)

const sessionCookieName = "console_session"

// fakeDirectory keeps users and their second-factor credentials in memory.
type fakeDirectory struct {
	mu        sync.Mutex
	passwords map[string]string
	creds     map[string]totp.Credential
	down      bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{passwords: map[string]string{}, creds: map[string]totp.Credential{}}
}

func (d *fakeDirectory) addUser(username, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[username] = password
}

func (d *fakeDirectory) password(username string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.passwords[username]
}

func (d *fakeDirectory) identity(username string) *directory.Identity {
	return &directory.Identity{
		DN:       "uid=" + username + ",ou=people,dc=example,dc=org",
		Username: username,
		Email:    username + "@example.org",
	}
}

func (d *fakeDirectory) Authenticate(ctx context.Context, username, password string) (*directory.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return nil, directory.ErrUnavailable
	}
	stored, ok := d.passwords[username]
	if !ok {
		return nil, directory.ErrNotFound
	}
	if stored != password || password == "" {
		return nil, directory.ErrInvalidCredentials
	}
	return d.identity(username), nil
}

func (d *fakeDirectory) Lookup(ctx context.Context, username string) (*directory.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.passwords[username]; !ok {
		return nil, directory.ErrNotFound
	}
	return d.identity(username), nil
}

func (d *fakeDirectory) SetPassword(ctx context.Context, username, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.passwords[username]; !ok {
		return directory.ErrNotFound
	}
	d.passwords[username] = password
	return nil
}

func (d *fakeDirectory) LoadCredential(ctx context.Context, username string) (*totp.Credential, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cred, ok := d.creds[username]
	if !ok {
		return &totp.Credential{Status: totp.StatusNone}, nil
	}
	cred.BackupCodes = append([]string(nil), cred.BackupCodes...)
	return &cred, nil
}

func (d *fakeDirectory) SaveCredential(ctx context.Context, username string, cred *totp.Credential) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := *cred
	stored.BackupCodes = append([]string(nil), cred.BackupCodes...)
	d.creds[username] = stored
	return nil
}

func (d *fakeDirectory) RemoveBackupCode(ctx context.Context, username, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cred := d.creds[username]
	for i, h := range cred.BackupCodes {
		if h == hash {
			cred.BackupCodes = append(cred.BackupCodes[:i:i], cred.BackupCodes[i+1:]...)
			d.creds[username] = cred
			return nil
		}
	}
	return directory.ErrValueAbsent
}

// capturingNotifier records the last token handed out per user.
type capturingNotifier struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (n *capturingNotifier) SendResetToken(ctx context.Context, identity *directory.Identity, channel, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tokens == nil {
		n.tokens = map[string]string{}
	}
	n.tokens[identity.Username] = token
	return nil
}

func (n *capturingNotifier) token(username string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[username]
}

type fakeUploader struct {
	objects []string
}

func (u *fakeUploader) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	u.objects = append(u.objects, objectName)
	_, err := io.Copy(io.Discard, reader)
	return err
}

type testEnv struct {
	app      *fiber.App
	dir      *fakeDirectory
	store    *kvstore.Store
	sessions *session.Manager
	mfa      *totp.Enrollment
	auditLog *audit.Log
	notifier *capturingNotifier
	uploader *fakeUploader
	now      time.Time
}

func (e *testEnv) clock() time.Time {
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.SetOutput(io.Discard)
	})

	cfg := config.Default()
	cfg.Server.AdminUsers = []string{"admin"}
	cfg.Login.MaxAttempts = 3
	cfg.Login.RatePerWindow = 50
	cfg.Reset.MaxAttempts = 3
	cfg.Reset.RequestsPerWindow = 5

	env := &testEnv{
		dir:      newFakeDirectory(),
		notifier: &capturingNotifier{},
		uploader: &fakeUploader{},
		now:      time.Now().Truncate(time.Second),
	}

	cache, err := kvstore.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	env.store = kvstore.NewStore(cache, nil)
	env.store.Now = env.clock

	limiter := ratelimit.New(cache)
	limiter.Now = env.clock
	env.sessions = session.NewManager(env.store, cfg.Session.Lifetime)

	engine := totp.NewEngine(cfg.TOTP)
	engine.Now = env.clock
	env.mfa = totp.NewEnrollment(engine, env.dir, nil, cfg.TOTP)
	env.mfa.HashCost = bcrypt.MinCost

	env.auditLog = audit.New(audit.NewFileBackend(filepath.Join(t.TempDir(), "audit.log")), true)
	env.auditLog.Now = env.clock

	loginLockout := lockout.NewTracker(env.store, "login", cfg.Login.MaxAttempts, cfg.Login.LockoutDuration)
	resetLockout := lockout.NewTracker(env.store, "reset", cfg.Reset.MaxAttempts, cfg.Reset.LockoutDuration)
	tokens := resettoken.NewManager(env.store, resetLockout, env.auditLog, cfg.Reset.TokenTTL, cfg.Reset.SingleUseValidate)
	challenges := challenge.NewIssuer("handler-test-secret", cfg.JWT.ChallengeTTL)
	challenges.Now = env.clock

	authHandler := NewAuthHandler(env.dir, limiter, loginLockout, env.mfa, challenges, env.auditLog, cfg.Login)
	resetHandler := NewPasswordResetHandler(env.dir, tokens, env.sessions, limiter, env.notifier, env.auditLog, cfg.Reset)
	mfaHandler := NewMFAHandler(env.mfa, env.auditLog)
	auditHandler := NewAuditHandler(env.auditLog, env.uploader, cfg.Audit.RetentionDays)
	maintenanceHandler := NewMaintenanceHandler(env.store, env.auditLog)
	sessions := middleware.NewSessions(env.sessions, sessionCookieName, false)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(middleware.ClientIP(cfg.Audit.ProxyHeaders))
	app.Use(sessions.Load)

	api := app.Group("/api")
	api.Get("/version", GetVersion)

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/mfa", authHandler.VerifyMFA)
	authRoutes.Post("/logout", authHandler.Logout)
	authRoutes.Get("/me", middleware.RequireAuth, authHandler.Me)

	resetRoutes := api.Group("/password/reset")
	resetRoutes.Post("/", resetHandler.Request)
	resetRoutes.Post("/confirm", resetHandler.Confirm)

	mfaRoutes := api.Group("/mfa", middleware.RequireAuth)
	mfaRoutes.Get("/", mfaHandler.Status)
	mfaRoutes.Post("/setup", mfaHandler.Setup)
	mfaRoutes.Post("/setup/confirm", mfaHandler.SetupConfirm)
	mfaRoutes.Post("/disable", mfaHandler.Disable)
	mfaRoutes.Post("/backup-codes", mfaHandler.RegenerateBackupCodes)

	adminRoutes := api.Group("", middleware.RequireAuth, middleware.AdminOnly(cfg.IsAdmin))
	adminRoutes.Get("/audit", auditHandler.List)
	adminRoutes.Get("/audit/export", auditHandler.Export)
	adminRoutes.Post("/audit/cleanup", auditHandler.Cleanup)
	adminRoutes.Post("/maintenance/sweep", maintenanceHandler.Sweep)

	env.app = app
	return env
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}
	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}
	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %T (%+v)", body["data"], body)
	}
	return data
}

func cookieHeaders(sessionID string) map[string]string {
	if sessionID == "" {
		return nil
	}
	return map[string]string{"Cookie": sessionCookieName + "=" + sessionID}
}

func sessionFrom(resp *http.Response) string {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName {
			return cookie.Value
		}
	}
	return ""
}

// login signs username in with password and returns the session id.
func login(t *testing.T, env *testEnv, username, password string) string {
	t.Helper()
	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"username": username,
		"password": password,
	}, nil)
	id := sessionFrom(resp)
	body := decodeJSONMap(t, resp)
	assertStatus(t, resp, http.StatusOK)
	if id == "" {
		t.Fatalf("expected session cookie, body=%+v", body)
	}
	return id
}

// currentCode returns the TOTP code for username at the env clock.
func currentCode(t *testing.T, env *testEnv, username string) string {
	t.Helper()
	cred, err := env.dir.LoadCredential(context.Background(), username)
	if err != nil || cred.Secret == "" {
		t.Fatalf("no TOTP secret for %s: %v", username, err)
	}
	code, err := env.mfa.Engine.GenerateCode(cred.Secret, env.now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	return code
}

