// Package session は認証バックエンドとのセッションを保持するクライアントを提供する。
//
// Clientは1つの利用者コンテキスト（HTTPリクエスト1件、CLI実行1回など）につき1つ生成し、
// サインイン・サインアウト・トークン更新のたびに登録済みのハンドラーへイベントを通知する。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/model"
)

// EventKind はセッション変更イベントの種類。
type EventKind string

const (
	// EventSignedIn はサインインまたはサインアップによりセッションが確立されたことを示す。
	EventSignedIn EventKind = "SIGNED_IN"
	// EventSignedOut はセッションが破棄されたことを示す。
	EventSignedOut EventKind = "SIGNED_OUT"
	// EventTokenRefreshed は期限切れのトークンが更新されたことを示す。
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
)

// Handler はセッション変更時に呼ばれる関数。
// EventSignedOutの場合、sessionはnilになる。
type Handler func(kind EventKind, session *model.Session)

type subscription struct {
	id int
	fn Handler
}

// Client は認証バックエンドとのセッションを保持する。
// ゴルーチン安全だが、イベントは呼び出し元のゴルーチンで同期的に通知される。
type Client struct {
	auth   backend.Authenticator
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	current  *model.Session
	handlers []subscription
	nextID   int
}

// NewClient はClientを生成する。
func NewClient(auth backend.Authenticator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		auth:   auth,
		logger: logger,
		now:    time.Now,
	}
}

// SignUp はアカウントを作成する。
// バックエンドがセッションを返した場合（メール確認が不要な構成）はサインイン済みとなり、
// EventSignedInを通知する。Sessionがnilの場合はメール確認待ちを意味する。
func (c *Client) SignUp(ctx context.Context, email, password string) (*backend.SignUpResult, error) {
	res, err := c.auth.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if res.Session != nil {
		c.setAndEmit(EventSignedIn, res.Session)
	}
	return res, nil
}

// SignIn はパスワードでサインインする。成功時はEventSignedInを通知する。
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	s, err := c.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.setAndEmit(EventSignedIn, s)
	return s.Clone(), nil
}

// SignOut は現在のセッションを破棄する。
// バックエンドの呼び出しが失敗した場合はセッションを保持したままエラーを返し、
// イベントは通知しない。セッションがない場合は何もしない。
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == nil {
		return nil
	}

	if err := c.auth.SignOut(ctx, cur.AccessToken); err != nil {
		return err
	}
	c.setAndEmit(EventSignedOut, nil)
	return nil
}

// CurrentSession は現在のセッションを返す。セッションがない場合はnilを返す。
// 期限切れの場合はリフレッシュを試み、成功すればEventTokenRefreshedを、
// 失敗すればセッションを破棄してEventSignedOutを通知する。
// バックエンドのエラーは記録した上で「セッションなし」として扱う。
func (c *Client) CurrentSession(ctx context.Context) *model.Session {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if cur == nil {
		return nil
	}
	if !cur.Expired(c.now()) {
		return cur.Clone()
	}

	refreshed, err := c.auth.RefreshSession(ctx, cur.RefreshToken)
	if err != nil {
		if !errors.Is(err, backend.ErrInvalidSession) {
			c.logger.Warn("session refresh failed",
				slog.String("user_id", cur.UserID()),
				slog.String("error", err.Error()),
			)
		}
		c.setAndEmit(EventSignedOut, nil)
		return nil
	}

	c.setAndEmit(EventTokenRefreshed, refreshed)
	return refreshed.Clone()
}

// AccessToken は保持しているアクセストークンを返す。期限切れでもリフレッシュしない。
// backend.TokenSourceを実装し、ロールストアへのリクエストに使われる。
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.AccessToken
}

// CurrentUser は現在のセッションのユーザーを返す。セッションがない場合はnilを返す。
func (c *Client) CurrentUser(ctx context.Context) *model.User {
	s := c.CurrentSession(ctx)
	if s == nil {
		return nil
	}
	u := s.User
	return &u
}

// Restore は永続化されたトークンからセッションを復元する。
// アクセストークンをバックエンドで検証し、無効な場合はリフレッシュトークンで更新を試みる。
// 更新できた場合はEventTokenRefreshedを通知する。単純な復元ではイベントを通知しない。
// どちらも失敗した場合はbackend.ErrInvalidSessionを返し、セッションなしの状態になる。
func (c *Client) Restore(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken == "" && refreshToken == "" {
		return backend.ErrInvalidSession
	}

	if accessToken != "" {
		s, err := c.auth.VerifySession(ctx, accessToken)
		switch {
		case err == nil:
			if s.RefreshToken == "" {
				s.RefreshToken = refreshToken
			}
			c.mu.Lock()
			c.current = s
			c.mu.Unlock()
			return nil
		case !errors.Is(err, backend.ErrInvalidSession):
			return err
		}
	}

	if refreshToken == "" {
		return backend.ErrInvalidSession
	}
	refreshed, err := c.auth.RefreshSession(ctx, refreshToken)
	if err != nil {
		return err
	}
	c.setAndEmit(EventTokenRefreshed, refreshed)
	return nil
}

// OnSessionChange はセッション変更ハンドラーを登録し、登録解除用の関数を返す。
// ハンドラーは登録順に、イベントの発生順で同期的に呼ばれる。
func (c *Client) OnSessionChange(fn Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, h := range c.handlers {
				if h.id == id {
					c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// setAndEmit は現在のセッションを置き換え、登録済みハンドラーへ通知する。
// ハンドラーはロックを保持せずに呼ぶため、ハンドラー内からClientを操作できる。
func (c *Client) setAndEmit(kind EventKind, s *model.Session) {
	c.mu.Lock()
	c.current = s.Clone()
	handlers := make([]subscription, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	c.logger.Debug("session changed",
		slog.String("event", string(kind)),
		slog.String("user_id", s.UserID()),
	)

	for _, h := range handlers {
		h.fn(kind, s.Clone())
	}
}
