package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/model"
)

// userJSON は認証APIのユーザーオブジェクト。
type userJSON struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (u userJSON) toModel() model.User {
	return model.User{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

// tokenResponse はトークン発行レスポンス。
// メール確認が必要なサインアップではトークンを含まずユーザーオブジェクトのみが返るため、
// ユーザーのフィールドもトップレベルで受け付ける。
type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	User         *userJSON `json:"user"`

	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func (t *tokenResponse) user() model.User {
	if t.User != nil {
		return t.User.toModel()
	}
	return model.User{ID: t.ID, Email: t.Email, CreatedAt: t.CreatedAt}
}

func (t *tokenResponse) session(now time.Time) *model.Session {
	if t.AccessToken == "" {
		return nil
	}
	s := &model.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		User:         t.user(),
	}
	switch {
	case t.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(t.ExpiresAt, 0)
	case t.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return s
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp はアカウントを作成する。
// メール確認が有効な構成では、セッションを含まない結果を返す。
func (c *Client) SignUp(ctx context.Context, email, password string) (*backend.SignUpResult, error) {
	body, err := c.do(ctx, request{
		op:     "signup",
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body:   credentials{Email: email, Password: password},
	})
	if err != nil {
		return nil, toAuthError(model.AuthOpSignUp, err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, toAuthError(model.AuthOpSignUp, fmt.Errorf("failed to decode signup response: %w", err))
	}

	user := tr.user()
	return &backend.SignUpResult{User: &user, Session: tr.session(c.now())}, nil
}

// SignInWithPassword はパスワードでサインインし、新しいセッションを返す。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	body, err := c.do(ctx, request{
		op:     "signin",
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   credentials{Email: email, Password: password},
	})
	if err != nil {
		return nil, toAuthError(model.AuthOpSignIn, err)
	}

	session, err := c.decodeSession(body)
	if err != nil {
		return nil, toAuthError(model.AuthOpSignIn, err)
	}
	return session, nil
}

// SignOut はアクセストークンに紐づくセッションを失効させる。
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	_, err := c.do(ctx, request{
		op:     "signout",
		method: http.MethodPost,
		path:   "/auth/v1/logout",
		bearer: accessToken,
	})
	if err != nil {
		// 既に失効しているトークンはサインアウト済みとして扱う
		if apiErr, ok := asAPIError(err); ok && apiErr.Status == http.StatusUnauthorized {
			return nil
		}
		return toAuthError(model.AuthOpSignOut, err)
	}
	return nil
}

// VerifySession はアクセストークンを検証し、ユーザー情報を含むセッションを返す。
// JWTシークレットが設定されている場合はローカルで署名を検証し、
// 未設定の場合はユーザー取得APIに問い合わせる。
func (c *Client) VerifySession(ctx context.Context, accessToken string) (*model.Session, error) {
	if accessToken == "" {
		return nil, backend.ErrInvalidSession
	}
	if c.opts.JWTSecret != "" {
		return c.verifyLocally(accessToken)
	}

	body, err := c.do(ctx, request{
		op:     "get_user",
		method: http.MethodGet,
		path:   "/auth/v1/user",
		bearer: accessToken,
	})
	if err != nil {
		if apiErr, ok := asAPIError(err); ok &&
			(apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			return nil, backend.ErrInvalidSession
		}
		return nil, err
	}

	var u userJSON
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}

	return &model.Session{
		AccessToken: accessToken,
		ExpiresAt:   unverifiedExpiry(accessToken),
		User:        u.toModel(),
	}, nil
}

// RefreshSession はリフレッシュトークンで新しいセッションを取得する。
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, backend.ErrInvalidSession
	}

	body, err := c.do(ctx, request{
		op:     "refresh",
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": refreshToken},
	})
	if err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Status >= 400 && apiErr.Status < 500 {
			return nil, backend.ErrInvalidSession
		}
		return nil, err
	}
	return c.decodeSession(body)
}

func (c *Client) decodeSession(body []byte) (*model.Session, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	session := tr.session(c.now())
	if session == nil {
		return nil, errors.New("token response did not contain an access token")
	}
	return session, nil
}

// claims はアクセストークンのクレーム。
type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// verifyLocally はHS256署名と有効期限をローカルで検証する。
func (c *Client) verifyLocally(accessToken string) (*model.Session, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(accessToken, &cl, func(t *jwt.Token) (any, error) {
		return []byte(c.opts.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidSession, err)
	}
	if cl.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", backend.ErrInvalidSession)
	}

	s := &model.Session{
		AccessToken: accessToken,
		User:        model.User{ID: cl.Subject, Email: cl.Email},
	}
	if cl.ExpiresAt != nil {
		s.ExpiresAt = cl.ExpiresAt.Time
	}
	return s, nil
}

// unverifiedExpiry は署名を検証せずにトークンの有効期限を読み取る。
// 署名の検証はユーザー取得APIが済ませている前提で使用する。
func unverifiedExpiry(accessToken string) time.Time {
	var cl claims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &cl); err != nil {
		return time.Time{}
	}
	if cl.ExpiresAt == nil {
		return time.Time{}
	}
	return cl.ExpiresAt.Time
}

// toAuthError はバックエンド呼び出しの失敗をユーザー向けの*model.AuthErrorに変換する。
func toAuthError(op model.AuthOp, err error) error {
	if apiErr, ok := asAPIError(err); ok {
		return &model.AuthError{
			Op:      op,
			Message: apiErr.Message,
			Status:  apiErr.Status,
			Code:    apiErr.Code,
		}
	}
	return &model.AuthError{Op: op, Message: err.Error(), Err: err}
}

// compile-time interface check
var _ backend.Authenticator = (*Client)(nil)
