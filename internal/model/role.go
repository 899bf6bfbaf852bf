package model

import (
	"fmt"
	"time"
)

// Role はユーザーの権限区分を表す。
type Role string

const (
	// RoleEditor は報告書の閲覧・編集ができる。
	RoleEditor Role = "editor"
	// RoleViewer は閲覧のみ。解決可能なすべてのユーザーのデフォルト。
	RoleViewer Role = "viewer"
)

// DefaultRole はロールレコードが存在しないユーザーに割り当てるロール。
const DefaultRole = RoleViewer

// Valid はロールが定義済みの値かを判定する。
func (r Role) Valid() bool {
	return r == RoleEditor || r == RoleViewer
}

// Label はUI表示用のラベルを返す。
func (r Role) Label() string {
	if r == RoleEditor {
		return "編集可"
	}
	return "閲覧のみ"
}

// ParseRole は文字列をRoleに変換する。未定義の値はエラーになる。
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q (allowed: editor, viewer)", s)
	}
	return r, nil
}

// UserRole はuser_rolesテーブルの1行を表す。
// user_idごとに1レコードのみ存在する。
type UserRole struct {
	ID        string
	UserID    string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}
