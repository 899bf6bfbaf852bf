// Package backend は認証とロール保存を担う外部バックエンドの抽象を定義する。
//
// アプリケーションはこのパッケージのインターフェースのみに依存し、
// ホスティングサービス（supabaseパッケージ）とローカル実装（authパッケージ）を
// 設定で切り替える。
package backend

import (
	"context"
	"errors"

	"github.com/hitoshi/estate-report/internal/model"
)

var (
	// ErrRoleNotFound はユーザーのロールレコードが存在しないことを示す。
	ErrRoleNotFound = errors.New("role record not found")
	// ErrRoleConflict はロールレコードの作成が既存レコードと競合したことを示す。
	ErrRoleConflict = errors.New("role record already exists")
	// ErrNotConfigured はバックエンドの接続設定が不足していることを示す。
	ErrNotConfigured = errors.New("auth backend is not configured")
	// ErrInvalidSession はトークンが無効または期限切れであることを示す。
	ErrInvalidSession = errors.New("session is invalid or expired")
)

// SignUpResult はサインアップの結果を表す。
// メール確認が必要な構成ではSessionがnilになる。
type SignUpResult struct {
	User    *model.User
	Session *model.Session
}

// Authenticator はメールアドレスとパスワードによる認証操作を提供する。
// 資格情報の検証・保存は実装側が行い、失敗時は*model.AuthErrorを返す。
type Authenticator interface {
	// SignUp はアカウントを作成する。
	SignUp(ctx context.Context, email, password string) (*SignUpResult, error)

	// SignInWithPassword はパスワードでサインインし、新しいセッションを返す。
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)

	// SignOut はアクセストークンに紐づくセッションを失効させる。
	SignOut(ctx context.Context, accessToken string) error

	// VerifySession はアクセストークンを検証し、ユーザー情報を含むセッションを返す。
	// 無効なトークンの場合はErrInvalidSessionを返す。
	VerifySession(ctx context.Context, accessToken string) (*model.Session, error)

	// RefreshSession はリフレッシュトークンで新しいセッションを取得する。
	// 更新できない場合はErrInvalidSessionを返す。
	RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error)
}

// RoleStore はuser_rolesコレクションへのアクセスを提供する。
type RoleStore interface {
	// FindRole は指定ユーザーのロールレコードを取得する。
	// レコードが存在しない場合はErrRoleNotFoundを返す。
	FindRole(ctx context.Context, userID string) (*model.UserRole, error)

	// InsertRole はロールレコードを新規作成する。
	// 既に存在する場合はErrRoleConflictを返す。
	InsertRole(ctx context.Context, userID string, role model.Role) (*model.UserRole, error)

	// UpsertRole はロールレコードを作成または更新する。
	UpsertRole(ctx context.Context, userID string, role model.Role) (*model.UserRole, error)

	// ListRoles は全ロールレコードを返す。
	ListRoles(ctx context.Context) ([]*model.UserRole, error)
}

// TokenSource はロールストアへのリクエストに使用するアクセストークンを提供する。
// ユーザー権限でのアクセスが必要なバックエンドで使用する。
type TokenSource interface {
	AccessToken() string
}

// Provider は認証とロール保存の実装をまとめたもの。
type Provider interface {
	// Authenticator は認証操作の実装を返す。
	Authenticator() Authenticator
	// RoleStore はtokensで認可されるロールストアを返す。
	// tokensがnilの場合は管理者権限でアクセスする。
	RoleStore(tokens TokenSource) RoleStore
}
