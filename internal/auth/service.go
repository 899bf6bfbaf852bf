// Package auth はPostgreSQL上で完結するローカル認証バックエンドを提供する。
// メールアドレスとbcryptハッシュ化したパスワードでユーザーを管理し、
// 不透明なセッショントークンを発行する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/model"
	"github.com/hitoshi/estate-report/internal/repository"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 6

// 認証失敗時にユーザーへ表示するメッセージ。ホスティング型バックエンドと同じ文言を使う。
const (
	msgInvalidCredentials = "Invalid login credentials"
	msgAlreadyRegistered  = "User already registered"
	msgPasswordTooShort   = "Password should be at least 6 characters."
	msgInvalidEmail       = "Unable to validate email address: invalid format"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	BcryptCost    int // 0の場合はbcrypt.DefaultCost
}

// Service はローカル認証のビジネスロジックを提供する。
// backend.Authenticatorを実装する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		config:      config,
		now:         time.Now,
	}
}

// SignUp はユーザーを作成し、そのままサインイン済みのセッションを発行する。
// ローカル認証にはメール確認の仕組みがないため、常にセッションを返す。
func (s *Service) SignUp(ctx context.Context, email, password string) (*backend.SignUpResult, error) {
	email = normalizeEmail(email)
	if authErr := validateCredentials(model.AuthOpSignUp, email, password); authErr != nil {
		return nil, authErr
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, internalAuthError(model.AuthOpSignUp, fmt.Errorf("failed to hash password: %w", err))
	}

	user := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: s.now(),
	}
	if err := s.userRepo.Create(ctx, user, string(hash)); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, &model.AuthError{
				Op:      model.AuthOpSignUp,
				Message: msgAlreadyRegistered,
				Status:  http.StatusUnprocessableEntity,
				Code:    "user_already_exists",
			}
		}
		return nil, internalAuthError(model.AuthOpSignUp, err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
	)

	session, err := s.createSession(ctx, user)
	if err != nil {
		return nil, internalAuthError(model.AuthOpSignUp, err)
	}
	return &backend.SignUpResult{User: user, Session: session}, nil
}

// SignInWithPassword はメールアドレスとパスワードを検証し、セッションを発行する。
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	email = normalizeEmail(email)

	user, hash, err := s.userRepo.FindCredentialsByEmail(ctx, email)
	if err != nil {
		return nil, internalAuthError(model.AuthOpSignIn, err)
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, &model.AuthError{
			Op:      model.AuthOpSignIn,
			Message: msgInvalidCredentials,
			Status:  http.StatusBadRequest,
			Code:    "invalid_credentials",
		}
	}

	session, err := s.createSession(ctx, user)
	if err != nil {
		return nil, internalAuthError(model.AuthOpSignIn, err)
	}

	slog.Info("user signed in", slog.String("user_id", user.ID))
	return session, nil
}

// SignOut はセッションを破棄する。
func (s *Service) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	if err := s.sessionRepo.DeleteByToken(ctx, accessToken); err != nil {
		return internalAuthError(model.AuthOpSignOut, err)
	}
	return nil
}

// VerifySession はセッショントークンを検証し、ユーザー情報付きのセッションを返す。
func (s *Service) VerifySession(ctx context.Context, accessToken string) (*model.Session, error) {
	if accessToken == "" {
		return nil, backend.ErrInvalidSession
	}

	session, err := s.sessionRepo.FindByToken(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, backend.ErrInvalidSession
	}
	return session, nil
}

// RefreshSession はローカル認証ではサポートしない。
// セッションは有効期限まで有効で、期限切れ後は再ログインが必要になる。
func (s *Service) RefreshSession(_ context.Context, _ string) (*model.Session, error) {
	return nil, backend.ErrInvalidSession
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, user *model.User) (*model.Session, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	session := &model.Session{
		AccessToken: token,
		ExpiresAt:   s.now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		User:        *user,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionToken は暗号的に安全なセッショントークンを生成する。
func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validateCredentials はサインアップ時の入力を検証する。
func validateCredentials(op model.AuthOp, email, password string) *model.AuthError {
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return &model.AuthError{Op: op, Message: msgInvalidEmail, Status: http.StatusBadRequest, Code: "validation_failed"}
	}
	if len([]rune(password)) < MinPasswordLength {
		return &model.AuthError{Op: op, Message: msgPasswordTooShort, Status: http.StatusUnprocessableEntity, Code: "weak_password"}
	}
	return nil
}

func internalAuthError(op model.AuthOp, err error) *model.AuthError {
	slog.Error("local auth operation failed",
		slog.String("op", string(op)),
		slog.String("error", err.Error()),
	)
	return &model.AuthError{Op: op, Message: "internal error", Status: http.StatusInternalServerError, Err: err}
}

// compile-time interface check
var _ backend.Authenticator = (*Service)(nil)
