// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/estate-report/internal/authflow"
	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/model"
	"github.com/hitoshi/estate-report/internal/role"
	"github.com/hitoshi/estate-report/internal/session"
)

const (
	// accessTokenCookieName はバックエンドが発行したアクセストークンを保持するCookie。
	accessTokenCookieName = "estate_access_token"
	// refreshTokenCookieName はリフレッシュトークンを保持するCookie。
	refreshTokenCookieName = "estate_refresh_token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// authScopeContextKey はリクエストコンテキストにAuthScopeを格納するためのキー。
var authScopeContextKey = contextKey("auth_scope")

// AuthScope はリクエスト1件分の認証コンテキスト。
// セッションクライアント・ロール解決・認証フローコントローラーをまとめて保持する。
type AuthScope struct {
	Sessions *session.Client
	Roles    *role.Resolver
	Flow     *authflow.Controller
}

// Snapshot は現在の認証コンテキストを返す。
func (s *AuthScope) Snapshot() authflow.AuthContext {
	return s.Flow.Snapshot()
}

// SessionEventRecorder はセッション変更イベントを記録する。metrics.Collectorが実装する。
type SessionEventRecorder interface {
	RecordSessionEvent(event string)
}

// AuthConfig は認証ミドルウェアの設定。
type AuthConfig struct {
	CookieSecure bool
	CookieDomain string
	// RefreshMaxAge はリフレッシュトークンCookieの有効期間（秒）。
	RefreshMaxAge int
}

// NewAuthMiddleware はCookieに保存されたトークンからセッションを復元し、
// リクエストごとのAuthScopeをコンテキストに注入するミドルウェアを返す。
//
// セッションの確立・更新・破棄はセッション変更イベントとしてCookieに反映される。
// 未認証のリクエストもそのまま通過させ、画面の出し分けはハンドラーが行う。
// rolesはロガーと記録先を共有するベースのResolverで、リクエストごとに
// ユーザーのトークンで認可されたロールストアへ差し替えて使う。
func NewAuthMiddleware(provider backend.Provider, roles *role.Resolver, config AuthConfig, recorder SessionEventRecorder, logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			client := session.NewClient(provider.Authenticator(), logger)
			client.OnSessionChange(func(kind session.EventKind, s *model.Session) {
				if recorder != nil {
					recorder.RecordSessionEvent(string(kind))
				}
				switch kind {
				case session.EventSignedIn, session.EventTokenRefreshed:
					setTokenCookies(w, s, config)
				case session.EventSignedOut:
					clearTokenCookies(w, config)
				}
			})

			restoreSession(ctx, w, r, client, config, logger)

			resolver := roles.WithStore(provider.RoleStore(client))
			flow := authflow.NewController(client, resolver, logger)
			flow.Start(ctx)
			defer flow.Stop()

			if userID := flow.Snapshot().Session.UserID(); userID != "" {
				setRequestUserID(ctx, userID)
			}

			scope := &AuthScope{Sessions: client, Roles: resolver, Flow: flow}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, authScopeContextKey, scope)))
		})
	}
}

// restoreSession はCookieのトークンからセッションを復元する。
// トークンが無効な場合はCookieを削除する。バックエンド障害の場合はCookieを残し、
// このリクエストのみ未認証として扱う。
func restoreSession(ctx context.Context, w http.ResponseWriter, r *http.Request, client *session.Client, config AuthConfig, logger *slog.Logger) {
	access := cookieValue(r, accessTokenCookieName)
	refresh := cookieValue(r, refreshTokenCookieName)
	if access == "" && refresh == "" {
		return
	}

	err := client.Restore(ctx, access, refresh)
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrInvalidSession):
		clearTokenCookies(w, config)
	default:
		logger.Warn("session restore failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// RequireSession はセッションのないリクエストに401を返すミドルウェア。
// NewAuthMiddlewareの内側で使用する。
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := AuthScopeFromContext(r.Context())
		if err != nil || scope.Snapshot().Session == nil {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireEditor は編集権限のないリクエストに403を返すミドルウェア。
// RequireSessionの内側で使用する。ロールを読み込めなかった場合も閲覧のみとして扱う。
func RequireEditor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := AuthScopeFromContext(r.Context())
		if err != nil {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		if snap := scope.Snapshot(); !snap.CanEdit() {
			slog.Warn("editor permission required",
				slog.String("path", r.URL.Path),
				slog.String("user_id", snap.Session.UserID()),
				slog.String("role", string(snap.Role)),
			)
			WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthScopeFromContext はリクエストコンテキストからAuthScopeを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func AuthScopeFromContext(ctx context.Context) (*AuthScope, error) {
	scope, ok := ctx.Value(authScopeContextKey).(*AuthScope)
	if !ok || scope == nil {
		return nil, fmt.Errorf("auth scope not found in context")
	}
	return scope, nil
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func setTokenCookies(w http.ResponseWriter, s *model.Session, config AuthConfig) {
	if s == nil {
		return
	}
	accessMaxAge := config.RefreshMaxAge
	if !s.ExpiresAt.IsZero() {
		// 期限切れ後もリフレッシュに使えるよう、アクセストークンCookieは
		// リフレッシュトークンと同じ期間保持し、期限はバックエンドで判定する
		if d := int(time.Until(s.ExpiresAt).Seconds()); d > accessMaxAge {
			accessMaxAge = d
		}
	}
	http.SetCookie(w, tokenCookie(accessTokenCookieName, s.AccessToken, accessMaxAge, config))
	if s.RefreshToken != "" {
		http.SetCookie(w, tokenCookie(refreshTokenCookieName, s.RefreshToken, config.RefreshMaxAge, config))
	}
}

func clearTokenCookies(w http.ResponseWriter, config AuthConfig) {
	http.SetCookie(w, tokenCookie(accessTokenCookieName, "", -1, config))
	http.SetCookie(w, tokenCookie(refreshTokenCookieName, "", -1, config))
}

func tokenCookie(name, value string, maxAge int, config AuthConfig) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
