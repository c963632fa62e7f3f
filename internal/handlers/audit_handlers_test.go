package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ldapconsole/api/internal/audit"
	"github.com/ldapconsole/api/internal/kvstore"
)

func TestAuditEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	env.dir.addUser("admin", "admin-password")
	env.dir.addUser("alice", "alice-password")

	env.advance(-100 * 24 * time.Hour)
	env.auditLog.Append(context.Background(), "legacy.event", "system", "", audit.ResultSuccess, "system")
	env.advance(100 * 24 * time.Hour)

	admin := login(t, env, "admin", "admin-password")
	user := login(t, env, "alice", "alice-password")

	t.Run("non-admins are refused", func(t *testing.T) {
		resp := performRequest(t, env.app, http.MethodGet, "/api/audit", nil, cookieHeaders(user))
		body := decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusForbidden)
		assertEnvelopeError(t, body, "admin access required")
	})

	t.Run("list is paginated and filtered", func(t *testing.T) {
		resp := performRequest(t, env.app, http.MethodGet, "/api/audit?limit=1&q=user.login", nil, cookieHeaders(admin))
		body := decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusOK)
		events, _ := body["data"].([]any)
		if len(events) != 1 {
			t.Fatalf("expected 1 event on the page, got %d", len(events))
		}
		pagination, _ := body["pagination"].(map[string]any)
		if total, _ := pagination["total"].(float64); total != 2 {
			t.Fatalf("expected 2 login events in total, got %v", pagination["total"])
		}
	})

	t.Run("export returns CSV", func(t *testing.T) {
		resp := performRequest(t, env.app, http.MethodGet, "/api/audit/export?result=success", nil, cookieHeaders(admin))
		defer resp.Body.Close()
		assertStatus(t, resp, http.StatusOK)
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
			t.Fatalf("expected text/csv, got %q", ct)
		}
		raw, _ := io.ReadAll(resp.Body)
		if !strings.HasPrefix(string(raw), "timestamp,actor,source_ip,action,target,result,details") {
			t.Fatalf("unexpected CSV header: %q", string(raw))
		}
	})

	t.Run("cleanup archives and prunes", func(t *testing.T) {
		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/audit/cleanup", map[string]any{"days": 90}, cookieHeaders(admin))
		body := decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusOK)
		if removed, _ := dataMap(t, body)["removed"].(float64); removed != 1 {
			t.Fatalf("expected 1 removed, got %v", dataMap(t, body)["removed"])
		}
		if len(env.uploader.objects) != 1 {
			t.Fatalf("expected one archive upload, got %v", env.uploader.objects)
		}
	})
}

func TestMaintenanceSweep(t *testing.T) {
	env := setupTestEnv(t)
	env.dir.addUser("admin", "admin-password")
	ctx := context.Background()

	env.store.Put(ctx, kvstore.KindResetToken, "stale", []string{"hash", "email"}, time.Minute)
	env.advance(2 * time.Minute)
	admin := login(t, env, "admin", "admin-password")

	t.Run("rejects unknown kinds", func(t *testing.T) {
		resp := performRequest(t, env.app, http.MethodPost, "/api/maintenance/sweep?kind=bogus", nil, cookieHeaders(admin))
		body := decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusBadRequest)
		assertEnvelopeError(t, body, "unknown record kind")
	})

	t.Run("removes expired records", func(t *testing.T) {
		resp := performRequest(t, env.app, http.MethodPost, "/api/maintenance/sweep?kind=reset", nil, cookieHeaders(admin))
		body := decodeJSONMap(t, resp)
		assertStatus(t, resp, http.StatusOK)
		if removed, _ := dataMap(t, body)["removed"].(float64); removed != 1 {
			t.Fatalf("expected 1 removed, got %v", dataMap(t, body)["removed"])
		}
	})
}
