package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/html"

	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/metrics"
	"github.com/hitoshi/estate-report/internal/middleware"
	"github.com/hitoshi/estate-report/internal/model"
	"github.com/hitoshi/estate-report/internal/role"
	"github.com/hitoshi/estate-report/internal/security"
	"github.com/hitoshi/estate-report/internal/view"
)

// --- モック定義 ---

type mockAuthenticator struct {
	mu sync.Mutex

	signUpFn  func(ctx context.Context, email, password string) (*backend.SignUpResult, error)
	signInFn  func(ctx context.Context, email, password string) (*model.Session, error)
	signOutFn func(ctx context.Context, accessToken string) error

	calls int
}

func (m *mockAuthenticator) called() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

func (m *mockAuthenticator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockAuthenticator) SignUp(ctx context.Context, email, password string) (*backend.SignUpResult, error) {
	m.called()
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password)
	}
	return &backend.SignUpResult{User: &model.User{ID: "u-new", Email: email}}, nil
}

func (m *mockAuthenticator) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	m.called()
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return testSession("u1"), nil
}

func (m *mockAuthenticator) SignOut(ctx context.Context, accessToken string) error {
	m.called()
	if m.signOutFn != nil {
		return m.signOutFn(ctx, accessToken)
	}
	return nil
}

// VerifySession は "at-<userID>" 形式のトークンのみ有効とする。
func (m *mockAuthenticator) VerifySession(_ context.Context, accessToken string) (*model.Session, error) {
	userID, ok := strings.CutPrefix(accessToken, "at-")
	if !ok || userID == "" {
		return nil, backend.ErrInvalidSession
	}
	return testSession(userID), nil
}

func (m *mockAuthenticator) RefreshSession(_ context.Context, _ string) (*model.Session, error) {
	return nil, backend.ErrInvalidSession
}

type mockRoleStore struct {
	mu      sync.Mutex
	roles   map[string]model.Role
	err     error
	listErr error
}

func (m *mockRoleStore) FindRole(_ context.Context, userID string) (*model.UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.roles[userID]
	if !ok {
		return nil, backend.ErrRoleNotFound
	}
	return &model.UserRole{UserID: userID, Role: r}, nil
}

func (m *mockRoleStore) InsertRole(_ context.Context, userID string, r model.Role) (*model.UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles == nil {
		m.roles = map[string]model.Role{}
	}
	m.roles[userID] = r
	return &model.UserRole{UserID: userID, Role: r}, nil
}

func (m *mockRoleStore) UpsertRole(ctx context.Context, userID string, r model.Role) (*model.UserRole, error) {
	return m.InsertRole(ctx, userID, r)
}

func (m *mockRoleStore) ListRoles(_ context.Context) ([]*model.UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]string, 0, len(m.roles))
	for id := range m.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*model.UserRole, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.UserRole{UserID: id, Role: m.roles[id]})
	}
	return out, nil
}

type mockProvider struct {
	auth  *mockAuthenticator
	roles *mockRoleStore
}

func (p *mockProvider) Authenticator() backend.Authenticator { return p.auth }
func (p *mockProvider) RoleStore(backend.TokenSource) backend.RoleStore { return p.roles }

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error { return m.err }

// --- テストヘルパー ---

const testCSRFToken = "csrf-test-token"

func testSession(userID string) *model.Session {
	return &model.Session{
		AccessToken:  "at-" + userID,
		RefreshToken: "rt-" + userID,
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         model.User{ID: userID, Email: userID + "@example.com"},
	}
}

type testEnv struct {
	router    http.Handler
	auth      *mockAuthenticator
	roles     *mockRoleStore
	collector *metrics.Collector
	registry  *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	renderer, err := view.NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	env := &testEnv{
		auth:      &mockAuthenticator{},
		roles:     &mockRoleStore{roles: map[string]model.Role{}},
		collector: metrics.NewCollector(reg),
		registry:  reg,
	}
	env.router = NewRouter(&RouterDeps{
		Provider:   &mockProvider{auth: env.auth, roles: env.roles},
		Roles:      role.NewResolver(nil, logger),
		Renderer:   renderer,
		Sanitizer:  security.NewMessageSanitizer(),
		AuthConfig: middleware.AuthConfig{RefreshMaxAge: 3600},
		Metrics:    env.collector,
		Gatherer:   reg,
		Logger:     logger,
	})
	return env
}

func (e *testEnv) do(req *http.Request) *http.Response {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w.Result()
}

func postForm(path string, values url.Values, cookies ...*http.Cookie) *http.Request {
	values.Set("csrf_token", testCSRFToken)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}

func sessionCookie(userID string) *http.Cookie {
	return &http.Cookie{Name: "estate_access_token", Value: "at-" + userID}
}

func parseBody(t *testing.T, resp *http.Response) *html.Node {
	t.Helper()
	defer resp.Body.Close()
	doc, err := html.Parse(resp.Body)
	if err != nil {
		t.Fatalf("failed to parse HTML: %v", err)
	}
	return doc
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
