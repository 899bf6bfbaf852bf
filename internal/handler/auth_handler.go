// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/estate-report/internal/authflow"
	"github.com/hitoshi/estate-report/internal/middleware"
	"github.com/hitoshi/estate-report/internal/model"
	"github.com/hitoshi/estate-report/internal/view"
)

// minPasswordLength はサインアップ・サインイン時のパスワード最小文字数。
const minPasswordLength = 6

// 入力検証エラーのメッセージ。バックエンドは呼び出さずにフォームへ表示する。
const (
	msgEmailRequired    = "メールアドレスを入力してください。"
	msgEmailInvalid     = "メールアドレスの形式が正しくありません。"
	msgPasswordTooShort = "パスワードは6文字以上で入力してください。"
)

// PageRenderer は認証フォームとメイン画面を描画する。view.Rendererが実装する。
type PageRenderer interface {
	RenderAuthForm(w io.Writer, data view.AuthFormData) error
	RenderMainApp(w io.Writer, data view.MainAppData) error
}

// MessageSanitizer はバックエンドのエラーメッセージを表示用に整える。
type MessageSanitizer interface {
	Sanitize(msg string) string
}

// AuthAttemptRecorder は認証操作の結果を記録する。
type AuthAttemptRecorder interface {
	RecordAuthAttempt(op string, success bool)
}

// AuthHandler は認証画面とサインアップ・サインイン・サインアウトを処理する。
type AuthHandler struct {
	renderer  PageRenderer
	sanitizer MessageSanitizer
	recorder  AuthAttemptRecorder
	logger    *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。recorderはnilでもよい。
func NewAuthHandler(renderer PageRenderer, sanitizer MessageSanitizer, recorder AuthAttemptRecorder, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		renderer:  renderer,
		sanitizer: sanitizer,
		recorder:  recorder,
		logger:    logger,
	}
}

// Index は認証状態に応じて認証フォームまたはメイン画面を返す。
// GET /
func (h *AuthHandler) Index(w http.ResponseWriter, r *http.Request) {
	scope, err := middleware.AuthScopeFromContext(r.Context())
	if err != nil {
		h.logger.Error("auth scope missing", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	snap := scope.Snapshot()
	if snap.Screen() == authflow.ScreenMainApp {
		h.renderMainApp(w, r, http.StatusOK, snap, "")
		return
	}

	h.renderAuthForm(w, r, http.StatusOK, view.AuthFormData{
		Mode: view.ParseMode(r.URL.Query().Get("mode")),
	})
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, view.ModeSignIn)
}

// SignUp はアカウントを作成する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, view.ModeSignUp)
}

func (h *AuthHandler) submit(w http.ResponseWriter, r *http.Request, mode view.Mode) {
	scope, err := middleware.AuthScopeFromContext(r.Context())
	if err != nil {
		h.logger.Error("auth scope missing", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	form := view.AuthFormData{Mode: mode, Email: email}

	if msg := validateCredentials(email, password); msg != "" {
		form.Error = msg
		h.renderAuthForm(w, r, http.StatusUnprocessableEntity, form)
		return
	}

	op := model.AuthOpSignIn
	if mode == view.ModeSignUp {
		op = model.AuthOpSignUp
	}

	var signedIn bool
	if mode == view.ModeSignUp {
		res, signUpErr := scope.Sessions.SignUp(r.Context(), email, password)
		err = signUpErr
		signedIn = err == nil && res.Session != nil
	} else {
		_, err = scope.Sessions.SignIn(r.Context(), email, password)
		signedIn = err == nil
	}
	h.record(op, err == nil)

	if err != nil {
		h.logger.Warn("authentication failed",
			slog.String("op", string(op)),
			slog.String("error", err.Error()),
		)
		form.Error = h.userMessage(op, err)
		h.renderAuthForm(w, r, authFailureStatus(err), form)
		return
	}

	if !signedIn {
		// メール確認待ち。確認後にサインインしてもらう
		h.renderAuthForm(w, r, http.StatusOK, view.AuthFormData{
			Mode:   view.ModeSignIn,
			Email:  email,
			Notice: view.SignUpNotice,
		})
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// SignOut は現在のセッションを破棄する。
// 失敗した場合はセッションを保持したままメイン画面にエラーを表示する。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	scope, err := middleware.AuthScopeFromContext(r.Context())
	if err != nil {
		h.logger.Error("auth scope missing", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	err = scope.Sessions.SignOut(r.Context())
	h.record(model.AuthOpSignOut, err == nil)
	if err != nil {
		h.logger.Warn("sign out failed", slog.String("error", err.Error()))
		h.renderMainApp(w, r, authFailureStatus(err), scope.Snapshot(), h.userMessage(model.AuthOpSignOut, err))
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *AuthHandler) record(op model.AuthOp, success bool) {
	if h.recorder != nil {
		h.recorder.RecordAuthAttempt(string(op), success)
	}
}

// userMessage はエラーを画面表示用の文言に変換する。
func (h *AuthHandler) userMessage(op model.AuthOp, err error) string {
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		authErr = &model.AuthError{Op: op, Message: err.Error()}
	}
	msg := authErr.Error()
	if h.sanitizer != nil {
		msg = h.sanitizer.Sanitize(msg)
	}
	return msg
}

func (h *AuthHandler) renderAuthForm(w http.ResponseWriter, r *http.Request, status int, data view.AuthFormData) {
	data.CSRFToken = middleware.CSRFTokenFromContext(r.Context())
	h.render(w, status, func(out io.Writer) error {
		return h.renderer.RenderAuthForm(out, data)
	})
}

func (h *AuthHandler) renderMainApp(w http.ResponseWriter, r *http.Request, status int, snap authflow.AuthContext, alert string) {
	data := view.MainAppData{
		RoleLabel: snap.Role.Label(),
		CanEdit:   snap.CanEdit(),
		Degraded:  snap.RoleDegraded(),
		Alert:     alert,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
	}
	if snap.User != nil {
		data.Email = snap.User.Email
	}
	h.render(w, status, func(out io.Writer) error {
		return h.renderer.RenderMainApp(out, data)
	})
}

// render はページをバッファ描画し、成功した場合のみステータスと本文を書き込む。
func (h *AuthHandler) render(w http.ResponseWriter, status int, fn func(io.Writer) error) {
	var buf strings.Builder
	if err := fn(&buf); err != nil {
		h.logger.Error("failed to render page", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	io.WriteString(w, buf.String())
}

// validateCredentials はフォーム入力を検証し、問題があれば表示用メッセージを返す。
func validateCredentials(email, password string) string {
	if email == "" {
		return msgEmailRequired
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return msgEmailInvalid
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		return msgPasswordTooShort
	}
	return ""
}

// authFailureStatus は認証失敗時に返すHTTPステータスを決める。
// バックエンドが4xxで応答した場合はそのステータスを、到達できなかった場合は502を返す。
func authFailureStatus(err error) int {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		if authErr.Status >= 400 && authErr.Status < 500 {
			return authErr.Status
		}
		if authErr.Err != nil || authErr.Status >= 500 {
			return http.StatusBadGateway
		}
	}
	return http.StatusBadRequest
}
