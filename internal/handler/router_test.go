package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/estate-report/internal/middleware"
	"github.com/hitoshi/estate-report/internal/model"
	"github.com/hitoshi/estate-report/internal/role"
)

// --- /api/me ---

func TestRouter_MeRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
	}
}

func TestRouter_MeReturnsRoleAndPermissions(t *testing.T) {
	tests := []struct {
		name      string
		role      model.Role
		wantEdit  bool
		wantLabel string
	}{
		{"editor", model.RoleEditor, true, "編集可"},
		{"viewer", model.RoleViewer, false, "閲覧のみ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.roles.roles["u1"] = tt.role

			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			req.AddCookie(sessionCookie("u1"))
			resp := env.do(req)

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var me MeResponse
			if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if me.ID != "u1" || me.Email != "u1@example.com" {
				t.Errorf("user = %s/%s", me.ID, me.Email)
			}
			if me.Role != string(tt.role) || me.RoleLabel != tt.wantLabel {
				t.Errorf("role = %s (%s)", me.Role, me.RoleLabel)
			}
			if me.CanEdit != tt.wantEdit || !me.CanView || me.RoleDegraded {
				t.Errorf("permissions = %+v", me)
			}
		})
	}
}

func TestRouter_MeReportsDegradedRole(t *testing.T) {
	env := newTestEnv(t)
	env.roles.err = errors.New("timeout")

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(sessionCookie("u1"))
	resp := env.do(req)

	var me MeResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if me.Role != string(model.RoleViewer) || me.CanEdit || !me.RoleDegraded {
		t.Errorf("degraded response = %+v", me)
	}
}

// --- /api/roles ---

// 編集者のみロール一覧を取得できること
func TestRouter_RolesRequiresEditor(t *testing.T) {
	tests := []struct {
		name       string
		role       model.Role
		findErr    error
		cookie     bool
		wantStatus int
		wantCode   string
	}{
		{"no session", "", nil, false, http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"viewer", model.RoleViewer, nil, true, http.StatusForbidden, model.ErrCodeForbidden},
		{"degraded lookup", model.RoleEditor, errors.New("timeout"), true, http.StatusForbidden, model.ErrCodeForbidden},
		{"editor", model.RoleEditor, nil, true, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.roles.roles["u1"] = tt.role
			env.roles.roles["u2"] = model.RoleViewer
			env.roles.err = tt.findErr

			req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
			if tt.cookie {
				req.AddCookie(sessionCookie("u1"))
			}
			resp := env.do(req)

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCode != "" {
				var body middleware.ErrorResponseBody
				if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode: %v", err)
				}
				if body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
				return
			}

			var entries []RoleEntry
			if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if len(entries) != 2 || entries[0].UserID != "u1" || entries[0].RoleLabel != "編集可" || entries[1].Role != "viewer" {
				t.Errorf("entries = %+v", entries)
			}
		})
	}
}

func TestRouter_RolesListFailure(t *testing.T) {
	env := newTestEnv(t)
	env.roles.roles["u1"] = model.RoleEditor
	env.roles.listErr = errors.New("permission denied")

	req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	req.AddCookie(sessionCookie("u1"))
	resp := env.do(req)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

// --- CSRF・CORS ---

func TestRouter_CSRFTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body["token"] == "" {
		t.Error("token should not be empty")
	}
}

func TestRouter_CORSOnAPI(t *testing.T) {
	env := newTestEnv(t)
	env.router = NewRouter(&RouterDeps{
		Provider:          &mockProvider{auth: env.auth, roles: env.roles},
		Roles:             role.NewResolver(nil, nil),
		CORSAllowedOrigin: "https://app.example.com",
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp := env.do(req)

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-CSRF-Token") {
		t.Errorf("Access-Control-Allow-Headers = %q, should allow X-CSRF-Token", got)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestRouter_SecurityHeadersOnPages(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := resp.Header.Get("Content-Security-Policy"); !strings.Contains(got, "default-src 'self'") {
		t.Errorf("Content-Security-Policy = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

// --- 運用エンドポイント ---

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
		wantBody   string
	}{
		{"no checker", nil, http.StatusOK, "ok"},
		{"db reachable", &mockHealthChecker{}, http.StatusOK, "ok"},
		{"db down", &mockHealthChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(&RouterDeps{
				Provider:      &mockProvider{auth: &mockAuthenticator{}, roles: &mockRoleStore{}},
				Roles:         role.NewResolver(nil, nil),
				HealthChecker: tt.checker,
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body["status"] != tt.wantBody {
				t.Errorf("status body = %q, want %q", body["status"], tt.wantBody)
			}
		})
	}
}

// 認証操作とセッションイベントが/metricsに出力されること
func TestRouter_MetricsAfterSignIn(t *testing.T) {
	env := newTestEnv(t)

	env.do(postForm("/auth/signin", url.Values{
		"email":    {"user@example.com"},
		"password": {"secret1"},
	}))

	resp := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`estate_auth_attempts_total{op="signin",result="success"} 1`,
		`estate_session_events_total{event="SIGNED_IN"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRouter_MetricsDisabledWithoutGatherer(t *testing.T) {
	router := NewRouter(&RouterDeps{
		Provider: &mockProvider{auth: &mockAuthenticator{}, roles: &mockRoleStore{}},
		Roles:    role.NewResolver(nil, nil),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_StaticFiles(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
