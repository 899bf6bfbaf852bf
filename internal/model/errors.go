// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeCSRF         = "CSRF_INVALID"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "編集権限が必要な場合は管理者に連絡してください。",
	}
}

// NewCSRFError はフォームのCSRFトークン検証失敗を表すエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "フォームの有効期限が切れました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度送信してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// AuthOp は認証操作の種類を表す。
type AuthOp string

const (
	AuthOpSignUp  AuthOp = "signup"
	AuthOpSignIn  AuthOp = "signin"
	AuthOpSignOut AuthOp = "signout"
)

// authOpPrefixes は操作ごとのユーザー向けメッセージ接頭辞。
var authOpPrefixes = map[AuthOp]string{
	AuthOpSignUp:  "サインアップに失敗しました",
	AuthOpSignIn:  "ログインに失敗しました",
	AuthOpSignOut: "ログアウトに失敗しました",
}

// AuthError はサインアップ・サインイン・サインアウトの失敗を表す。
// Messageには認証バックエンドが返した人間向けメッセージをそのまま保持し、
// Error()はユーザーにそのまま表示できる文字列を返す。
type AuthError struct {
	Op      AuthOp
	Message string
	Status  int    // バックエンドのHTTPステータス（不明な場合は0）
	Code    string // バックエンドのエラーコード（不明な場合は空）
	Err     error  // 通信失敗などの原因（バックエンドが応答した場合はnil）
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	prefix, ok := authOpPrefixes[e.Op]
	if !ok {
		prefix = "認証に失敗しました"
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap は原因のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// RoleError はロールの書き込み失敗を表す。
// エンドユーザーではなく管理者向けに表示されることを想定する。
type RoleError struct {
	UserID string
	Role   Role
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *RoleError) Error() string {
	return fmt.Sprintf("ユーザーロールの設定に失敗しました (user_id=%s, role=%s): %v", e.UserID, e.Role, e.Err)
}

// Unwrap は原因のエラーを返す。
func (e *RoleError) Unwrap() error {
	return e.Err
}
