package handlers

import (
	"net/http"
	"testing"
)

func TestPasswordReset(t *testing.T) {
	t.Run("full reset flow", func(t *testing.T) {
		env := setupTestEnv(t)
		env.dir.addUser("alice", "old-password")
		oldSession := login(t, env, "alice", "old-password")

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset", map[string]any{"username": "alice"}, nil)
		decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusAccepted)
		token := env.notifier.token("alice")
		if token == "" {
			t.Fatal("expected token to be delivered")
		}

		resp = performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset/confirm", map[string]any{
			"username": "alice",
			"token":    token,
			"password": "new-password-123",
		}, nil)
		decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusOK)

		if got := env.dir.password("alice"); got != "new-password-123" {
			t.Fatalf("expected password changed, got %q", got)
		}

		resp = performRequest(t, env.app, http.MethodGet, "/api/auth/me", nil, cookieHeaders(oldSession))
		decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusUnauthorized)

		resp = performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset/confirm", map[string]any{
			"username": "alice",
			"token":    token,
			"password": "another-password",
		}, nil)
		body := decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusBadRequest)
		assertEnvelopeError(t, body, "invalid or expired token")
	})

	t.Run("unknown account gets the same answer", func(t *testing.T) {
		env := setupTestEnv(t)
		env.dir.addUser("alice", "old-password")

		known := performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset", map[string]any{"username": "alice"}, nil)
		knownBody := decodeJSONMap(t, known)
		unknown := performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset", map[string]any{"username": "mallory"}, nil)
		unknownBody := decodeJSONMap(t, unknown)

		if known.StatusCode != unknown.StatusCode {
			t.Fatalf("status differs: %d vs %d", known.StatusCode, unknown.StatusCode)
		}
		if dataMap(t, knownBody)["message"] != dataMap(t, unknownBody)["message"] {
			t.Fatalf("message differs: %+v vs %+v", knownBody, unknownBody)
		}
	})

	t.Run("short password is refused before the token is checked", func(t *testing.T) {
		env := setupTestEnv(t)
		env.dir.addUser("alice", "old-password")
		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset/confirm", map[string]any{
			"username": "alice",
			"token":    "anything",
			"password": "short",
		}, nil)
		body := decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusBadRequest)
		assertEnvelopeError(t, body, "password must be at least 8 characters")
	})

	t.Run("guessing locks the identifier", func(t *testing.T) {
		env := setupTestEnv(t)
		env.dir.addUser("alice", "old-password")
		performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset", map[string]any{"username": "alice"}, nil).Body.Close()
		token := env.notifier.token("alice")

		for i := 0; i < 3; i++ {
			resp := performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset/confirm", map[string]any{
				"username": "alice",
				"token":    "guess",
				"password": "new-password-123",
			}, nil)
			decodeJSONMap(t, resp)
			assertStatus(t, resp, http.StatusBadRequest)
		}

		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset/confirm", map[string]any{
			"username": "alice",
			"token":    token,
			"password": "new-password-123",
		}, nil)
		decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusLocked)
		if got := env.dir.password("alice"); got != "old-password" {
			t.Fatalf("password changed while locked: %q", got)
		}
	})

	t.Run("requests are rate limited", func(t *testing.T) {
		env := setupTestEnv(t)
		env.dir.addUser("alice", "old-password")
		for i := 0; i < 5; i++ {
			resp := performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset", map[string]any{"username": "alice"}, nil)
			decodeJSONMap(t, resp)
			assertStatus(t, resp, http.StatusAccepted)
		}
		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/password/reset", map[string]any{"username": "alice"}, nil)
		decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusTooManyRequests)
	})
}
