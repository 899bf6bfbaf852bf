// Package authflow はセッションの変化に応じて認証状態とロールを管理するコントローラーを提供する。
//
// Controllerは認証コンテキスト（状態・セッション・ユーザー・ロール）の唯一の所有者であり、
// 表示層はSnapshotまたはOnChangeで不変のコピーを受け取る。
package authflow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/estate-report/internal/model"
	"github.com/hitoshi/estate-report/internal/role"
	"github.com/hitoshi/estate-report/internal/session"
)

// State は認証状態。
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
)

// Screen は表示すべき画面。
type Screen string

const (
	ScreenAuthForm Screen = "auth_form"
	ScreenMainApp  Screen = "main_app"
)

// AuthContext はある時点の認証コンテキスト。値として受け渡され、受け取った側が変更しても
// Controllerには影響しない。
type AuthContext struct {
	State       State
	Session     *model.Session
	User        *model.User
	Role        model.Role // StateAuthenticatedの場合のみ有効
	RoleOutcome role.Outcome
}

// Screen はセッションの有無から表示すべき画面を返す。
func (a AuthContext) Screen() Screen {
	if a.Session != nil {
		return ScreenMainApp
	}
	return ScreenAuthForm
}

// CanEdit は編集者向けの操作を表示してよいかを返す。
// ロールが確定するまではfalseを返す。
func (a AuthContext) CanEdit() bool {
	return a.State == StateAuthenticated && role.CanEdit(a.Role)
}

// RoleDegraded は保存されたロールを確認できず、閲覧のみとして扱っているかを返す。
func (a AuthContext) RoleDegraded() bool {
	return a.State == StateAuthenticated &&
		(a.RoleOutcome == role.OutcomeDegraded || a.RoleOutcome == role.OutcomeCreateFailed)
}

func (a AuthContext) clone() AuthContext {
	c := a
	c.Session = a.Session.Clone()
	if a.User != nil {
		u := *a.User
		c.User = &u
	}
	return c
}

// SessionSource はControllerが購読するセッションの供給元。
// *session.Clientが実装する。
type SessionSource interface {
	CurrentSession(ctx context.Context) *model.Session
	OnSessionChange(fn session.Handler) (unsubscribe func())
}

// RoleResolver はユーザーのロールを解決する。*role.Resolverが実装する。
type RoleResolver interface {
	Resolve(ctx context.Context, userID string) role.Resolution
}

// Listener は認証コンテキストが変化するたびに呼ばれる。
type Listener func(AuthContext)

type listener struct {
	id int
	fn Listener
}

// Controller はセッション変更イベントを受けて認証コンテキストを遷移させる。
type Controller struct {
	sessions SessionSource
	roles    RoleResolver
	logger   *slog.Logger

	mu          sync.Mutex
	ctx         context.Context
	auth        AuthContext
	generation  uint64
	unsubscribe func()
	listeners   []listener
	nextID      int
}

// NewController はControllerを生成する。初期状態はStateUnauthenticated。
func NewController(sessions SessionSource, roles RoleResolver, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sessions: sessions,
		roles:    roles,
		logger:   logger,
		ctx:      context.Background(),
		auth:     AuthContext{State: StateUnauthenticated},
	}
}

// Start は既存のセッションを確認してからセッション変更の購読を開始する。
// セッションがあればロールを1回解決する。2回目以降の呼び出しは何もしない。
// ctxはイベント処理中のロール解決にも使われる。
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.mu.Unlock()
		return
	}
	c.ctx = ctx
	c.mu.Unlock()

	if s := c.sessions.CurrentSession(ctx); s != nil {
		c.signIn(ctx, s)
	}

	unsubscribe := c.sessions.OnSessionChange(c.handleEvent)
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
}

// Stop はセッション変更の購読を解除する。
func (c *Controller) Stop() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Snapshot は現在の認証コンテキストのコピーを返す。
func (c *Controller) Snapshot() AuthContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth.clone()
}

// OnChange は認証コンテキストの変化を受け取るリスナーを登録し、登録解除用の関数を返す。
func (c *Controller) OnChange(fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *Controller) handleEvent(kind session.EventKind, s *model.Session) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	switch kind {
	case session.EventSignedIn:
		if s != nil {
			c.signIn(ctx, s)
		}
	case session.EventSignedOut:
		c.signOut()
	case session.EventTokenRefreshed:
		if s != nil {
			c.refreshed(ctx, s)
		}
	default:
		c.logger.Warn("unknown session event", slog.String("event", string(kind)))
	}
}

// signIn はAuthenticatingへ遷移し、ロールを解決してAuthenticatedへ遷移する。
// 解決中により新しいイベントを処理した場合、解決結果は破棄する。
func (c *Controller) signIn(ctx context.Context, s *model.Session) {
	u := s.User
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.auth = AuthContext{
		State:   StateAuthenticating,
		Session: s.Clone(),
		User:    &u,
	}
	snap := c.auth.clone()
	c.mu.Unlock()
	c.notify(snap)

	res := c.roles.Resolve(ctx, s.UserID())

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("discarding stale role resolution", slog.String("user_id", s.UserID()))
		return
	}
	c.auth.State = StateAuthenticated
	c.auth.Role = res.Role
	c.auth.RoleOutcome = res.Outcome
	snap = c.auth.clone()
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) signOut() {
	c.mu.Lock()
	c.generation++
	c.auth = AuthContext{State: StateUnauthenticated}
	snap := c.auth.clone()
	c.mu.Unlock()
	c.notify(snap)
}

// refreshed はセッションのみを差し替える。ロールは再解決しない。
// ユーザーが確定していない状態で受け取った場合はサインインとして扱う。
func (c *Controller) refreshed(ctx context.Context, s *model.Session) {
	c.mu.Lock()
	if c.auth.State == StateUnauthenticated || c.auth.Session.UserID() != s.UserID() {
		c.mu.Unlock()
		c.signIn(ctx, s)
		return
	}
	u := s.User
	c.auth.Session = s.Clone()
	c.auth.User = &u
	snap := c.auth.clone()
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) notify(snap AuthContext) {
	c.mu.Lock()
	listeners := make([]listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.fn(snap.clone())
	}
}
