// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/estate-report/internal/model"
)

// ErrDuplicate は一意制約により作成できなかったことを示す。
var ErrDuplicate = errors.New("record already exists")

// UserRepository はローカル認証のユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindCredentialsByEmail はメールアドレスでユーザーとパスワードハッシュを取得する。
	// 見つからない場合はnilと空文字列を返す。
	FindCredentialsByEmail(ctx context.Context, email string) (*model.User, string, error)

	// Create はユーザーを作成する。メールアドレスが登録済みの場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User, passwordHash string) error
}

// SessionRepository はローカル認証のセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByToken は指定トークンのセッションをユーザー情報付きで取得する。
	// 期限切れまたは見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Session, error)
	// DeleteByToken は指定トークンのセッションを削除する。
	DeleteByToken(ctx context.Context, token string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// RoleRepository はuser_rolesテーブルの永続化インターフェース。
type RoleRepository interface {
	// FindByUserID は指定ユーザーのロールレコードを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.UserRole, error)

	// Insert はロールレコードを作成する。既に存在する場合はErrDuplicateを返す。
	Insert(ctx context.Context, userID string, role model.Role, now time.Time) (*model.UserRole, error)

	// Upsert はロールレコードを作成または更新する。
	Upsert(ctx context.Context, userID string, role model.Role, now time.Time) (*model.UserRole, error)

	// List は全ロールレコードを作成日時の昇順で返す。
	List(ctx context.Context) ([]*model.UserRole, error)
}
