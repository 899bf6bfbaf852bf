package model

import "time"

// User は認証バックエンドに登録されたユーザーを表す。
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Session は認証済みであることの証明を表す。
// 発行・更新・失効は認証バックエンドが所有し、このシステムは保持するだけである。
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// UserID はセッションのユーザーIDを返す。nilセッションの場合は空文字列を返す。
func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// Expired はセッションのアクセストークンが指定時刻時点で期限切れかを判定する。
// ExpiresAtがゼロ値の場合は期限なしとして扱う。
func (s *Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Clone はセッションのコピーを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
